// Package history persists support sessions and their ordered message logs.
//
// A Store assigns each appended message the next sequence number of its
// session. Callers serialize appends per session; stores still guarantee
// that sequence numbers never repeat even if they do not.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/metrics"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
)

var (
	// ErrSessionNotFound is returned when a session does not exist in the store
	ErrSessionNotFound = errors.New("session not found in store")
	// ErrInvalidSessionID is returned when a session ID is empty
	ErrInvalidSessionID = errors.New("session ID cannot be empty")
	// ErrInvalidSession is returned when a nil session is passed
	ErrInvalidSession = errors.New("session cannot be nil")
)

// Store is the durable record of sessions and messages.
type Store interface {
	// CreateSessionIfAbsent stores s unless a session with the same ID
	// exists. It returns the stored session and whether it was created.
	CreateSessionIfAbsent(ctx context.Context, s *model.ChatSession) (*model.ChatSession, bool, error)
	// GetSession returns ErrSessionNotFound for unknown IDs.
	GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error)
	// ListSessions returns every session, most recently updated first.
	ListSessions(ctx context.Context) ([]*model.ChatSession, error)
	// SetStatus changes a session's status and bumps its UpdatedAt.
	SetStatus(ctx context.Context, sessionID string, status model.Status, at time.Time) error
	// Append assigns the next seq, persists the message and bumps the
	// session's UpdatedAt.
	Append(ctx context.Context, sessionID string, sender model.Sender, content string, at time.Time) (*model.Message, error)
	// LoadSince returns the messages with seq > afterSeq in ascending order.
	LoadSince(ctx context.Context, sessionID string, afterSeq int64) ([]*model.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	return nil
}

// observe records the latency of one store operation.
func observe(backend, operation string) func() {
	start := time.Now()
	return func() {
		metrics.StoreOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	}
}

func cloneSession(s *model.ChatSession) *model.ChatSession {
	c := *s
	return &c
}

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	return &c
}
