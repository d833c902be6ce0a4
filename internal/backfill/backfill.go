// Package backfill replays history to a connection that (re)joins a session
// and attaches it for live traffic without a gap or a duplicate.
package backfill

import (
	"context"
	"errors"

	chaterrors "github.com/phamtheson2807/FinanceFlow-sub001/internal/errors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/metrics"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/session"
	"go.uber.org/zap"
)

// Target is a connection that can take a replay ahead of live deliveries.
// Resume must queue the batch so it is written before anything passed to
// Deliver afterwards, and must not write a message of sessionID with a seq
// at or below one it already wrote after the resume, nor a message of any
// other session.
type Target interface {
	session.Peer
	Resume(sessionID string, afterSeq int64, batch [][]byte)
}

// Locker serializes backfill with message fan-out for a session.
type Locker interface {
	LockSession(sessionID string) (unlock func())
}

// Result describes a completed backfill.
type Result struct {
	Messages []*model.Message
	// Previous is the session the target was bound to before, if any.
	Previous string
	// Superseded is the user connection the target replaced; the caller closes it.
	Superseded session.Peer
}

// Manager performs backfills.
type Manager struct {
	registry *session.Registry
	store    history.Store
	locker   Locker
	logger   *zap.SugaredLogger
}

// NewManager creates a backfill manager. locker must be the lock owner used
// by the message router.
func NewManager(registry *session.Registry, store history.Store, locker Locker, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		locker:   locker,
		logger:   logger.Named("backfill"),
	}
}

// Backfill loads every message with seq > lastSeenSeq, preloads it onto the
// target and binds the target to the session, all while no message for the
// session can be appended. A negative lastSeenSeq replays everything. When
// loading fails the target is neither bound nor sent anything.
func (m *Manager) Backfill(ctx context.Context, target Target, sessionID string, lastSeenSeq int64) (*Result, error) {
	if target == nil {
		return nil, session.ErrNilPeer
	}
	if lastSeenSeq < 0 {
		lastSeenSeq = 0
	}
	if _, err := m.registry.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	unlock := m.locker.LockSession(sessionID)
	defer unlock()

	msgs, err := m.store.LoadSince(ctx, sessionID, lastSeenSeq)
	if err != nil {
		if errors.Is(err, history.ErrSessionNotFound) {
			return nil, chaterrors.ErrSessionNotFound(sessionID)
		}
		m.logger.Errorw("Failed to load history", "session_id", sessionID, "after_seq", lastSeenSeq, "error", err)
		return nil, chaterrors.ErrStoreUnavailable(err)
	}

	batch := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := message.NewMessageEvent(msg).Encode()
		if err != nil {
			return nil, chaterrors.ErrInvalidMessageFormat("history entry could not be encoded", err)
		}
		batch = append(batch, payload)
	}

	target.Resume(sessionID, lastSeenSeq, batch)
	previous, superseded, err := m.registry.Bind(target, sessionID)
	if err != nil {
		return nil, err
	}

	metrics.BackfillMessages.Observe(float64(len(msgs)))
	m.logger.Debugw("Backfill complete",
		"session_id", sessionID,
		"connection_id", target.ID(),
		"after_seq", lastSeenSeq,
		"replayed", len(msgs))

	return &Result{Messages: msgs, Previous: previous, Superseded: superseded}, nil
}
