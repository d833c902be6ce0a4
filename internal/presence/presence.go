// Package presence tracks, per support session, which admins are looking at
// it, how many user messages arrived while nobody was, and whether the user
// side has stopped accepting deliveries.
package presence

import (
	"sort"
	"sync"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/samber/lo"
)

type state struct {
	viewers     map[string]int // admin ID -> bound connection count
	unread      int
	failures    int
	unreachable bool
}

func (s *state) viewing() bool {
	return len(s.viewers) > 0
}

// Tracker holds presence state for every session seen by this process.
// All transitions happen under one mutex, which makes the unread
// check-and-increment atomic with respect to MarkViewing.
type Tracker struct {
	mu                   sync.Mutex
	states               map[string]*state
	unreachableThreshold int
}

// NewTracker creates a tracker that flags a session unreachable after
// threshold consecutive failed deliveries to its user.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Tracker{
		states:               make(map[string]*state),
		unreachableThreshold: threshold,
	}
}

func (t *Tracker) get(sessionID string) *state {
	s, ok := t.states[sessionID]
	if !ok {
		s = &state{viewers: make(map[string]int)}
		t.states[sessionID] = s
	}
	return s
}

// MarkViewing records that adminID has a connection viewing the session and
// clears its unread count.
func (t *Tracker) MarkViewing(sessionID, adminID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(sessionID)
	s.viewers[adminID]++
	s.unread = 0
}

// MarkLeft drops one viewing connection of adminID. The session stops being
// viewed only when no admin connection remains.
func (t *Tracker) MarkLeft(sessionID, adminID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[sessionID]
	if !ok {
		return
	}
	if n := s.viewers[adminID]; n > 1 {
		s.viewers[adminID] = n - 1
	} else {
		delete(s.viewers, adminID)
	}
}

// OnUserMessage bumps the unread count unless an admin is viewing. It
// returns the resulting count and whether it was incremented.
func (t *Tracker) OnUserMessage(sessionID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(sessionID)
	if s.viewing() {
		return s.unread, false
	}
	s.unread++
	return s.unread, true
}

// IsViewing reports whether any admin is viewing the session.
func (t *Tracker) IsViewing(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[sessionID]
	return ok && s.viewing()
}

// RecordUserDelivery notes whether a fan-out reached the session's user.
// It returns the unreachable flag and whether this call changed it.
func (t *Tracker) RecordUserDelivery(sessionID string, delivered bool) (unreachable, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(sessionID)
	before := s.unreachable
	if delivered {
		s.failures = 0
		s.unreachable = false
	} else {
		s.failures++
		if s.failures >= t.unreachableThreshold {
			s.unreachable = true
		}
	}
	return s.unreachable, before != s.unreachable
}

// Snapshot returns a copy of the session's presence state.
func (t *Tracker) Snapshot(sessionID string) model.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[sessionID]
	if !ok {
		return model.PresenceState{SessionID: sessionID}
	}
	return snapshot(sessionID, s)
}

// SnapshotAll returns presence for every tracked session.
func (t *Tracker) SnapshotAll() map[string]model.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]model.PresenceState, len(t.states))
	for id, s := range t.states {
		out[id] = snapshot(id, s)
	}
	return out
}

func snapshot(sessionID string, s *state) model.PresenceState {
	viewers := lo.Keys(s.viewers)
	sort.Strings(viewers)
	return model.PresenceState{
		SessionID:    sessionID,
		AdminViewing: s.viewing(),
		UnreadCount:  s.unread,
		Unreachable:  s.unreachable,
		Viewers:      viewers,
	}
}
