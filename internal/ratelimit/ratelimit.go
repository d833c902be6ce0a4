// Package ratelimit bounds how many connections a principal may hold and how
// many requests it may make in a sliding window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ConnectionLimiter limits the number of concurrent connections per principal
type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerUser  int
}

// NewConnectionLimiter creates a new connection limiter. maxPerUser <= 0
// disables the limit.
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Acquire reserves a connection slot for id. Every successful Acquire must be
// paired with one Release.
func (cl *ConnectionLimiter) Acquire(id string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[id]
	if cl.maxPerUser > 0 && count >= cl.maxPerUser {
		return false
	}
	cl.connections[id] = count + 1
	return true
}

// Release frees a slot taken by Acquire
func (cl *ConnectionLimiter) Release(id string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.connections[id]
	if !ok {
		return
	}
	if count <= 1 {
		delete(cl.connections, id)
		return
	}
	cl.connections[id] = count - 1
}

// Count returns how many slots id holds
func (cl *ConnectionLimiter) Count(id string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[id]
}

// SlidingWindow allows at most limit events per key within window.
type SlidingWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
	window time.Duration
	limit  int
	now    func() time.Time
	logger *zap.SugaredLogger

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewSlidingWindow creates a limiter. A limit <= 0 allows everything.
func NewSlidingWindow(window time.Duration, limit int, logger *zap.SugaredLogger) *SlidingWindow {
	return &SlidingWindow{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           min(limit, constants.MaxEventsPerUser),
		now:             time.Now,
		logger:          logger.Named("ratelimit"),
		cleanupInterval: constants.DefaultCleanupInterval,
		stop:            make(chan struct{}),
	}
}

// Allow records an event for key if it fits in the window. When it does not,
// retryAfter is the wait in milliseconds until the oldest event expires.
func (sw *SlidingWindow) Allow(key string) (ok bool, retryAfter int) {
	if sw.limit <= 0 {
		return true, 0
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	recent := sw.prune(sw.events[key], now)

	if len(recent) >= sw.limit {
		sw.events[key] = recent
		wait := recent[0].Add(sw.window).Sub(now)
		return false, max(int(wait.Milliseconds()), 1)
	}

	if _, tracked := sw.events[key]; !tracked && len(sw.events) >= constants.MaxUsersTracked {
		sw.logger.Warnw("Rate limiter key table full, rejecting new key", "tracked", len(sw.events))
		return false, int(sw.window.Milliseconds())
	}

	sw.events[key] = append(recent, now)
	return true, 0
}

func (sw *SlidingWindow) prune(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-sw.window)
	return lo.Filter(events, func(t time.Time, _ int) bool { return t.After(cutoff) })
}

// Reset forgets every event recorded for key
func (sw *SlidingWindow) Reset(key string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.events, key)
}

// Cleanup drops expired events and keys with none left.
func (sw *SlidingWindow) Cleanup() (removed int) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	for key, events := range sw.events {
		recent := sw.prune(events, now)
		removed += len(events) - len(recent)
		if len(recent) == 0 {
			delete(sw.events, key)
		} else {
			sw.events[key] = recent
		}
	}
	return removed
}

// Keys reports how many keys are tracked
func (sw *SlidingWindow) Keys() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.events)
}

// StartCleanup runs Cleanup periodically until StopCleanup
func (sw *SlidingWindow) StartCleanup() {
	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		ticker := time.NewTicker(sw.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := sw.Cleanup(); removed > 0 {
					sw.logger.Debugw("Expired rate limit events removed", "removed", removed)
				}
			case <-sw.stop:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it. Safe to call
// more than once.
func (sw *SlidingWindow) StopCleanup() {
	sw.stopOnce.Do(func() { close(sw.stop) })
	sw.wg.Wait()
}
