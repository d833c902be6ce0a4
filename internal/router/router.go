// Package router appends support messages to history and fans them out to
// every connection bound to the session.
package router

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/phamtheson2807/FinanceFlow-sub001/internal/errors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/keylock"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/metrics"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/presence"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrInvalidSender is returned when a message has no valid sender role
	ErrInvalidSender = errors.New("sender must be user or admin")
	// ErrNilPeer is returned when an error event has nowhere to go
	ErrNilPeer = errors.New("peer cannot be nil")
)

// MessageRouter persists messages and delivers them in seq order per session.
// Appending and fanning out one message is a single critical section per
// session; distinct sessions never contend.
type MessageRouter struct {
	registry   *session.Registry
	store      history.Store
	presence   *presence.Tracker
	locks      keylock.Map
	maxContent int
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewMessageRouter creates a router. maxContent bounds message length in
// runes; zero disables the check.
func NewMessageRouter(registry *session.Registry, store history.Store, tracker *presence.Tracker, maxContent int, logger *zap.SugaredLogger) *MessageRouter {
	return &MessageRouter{
		registry:   registry,
		store:      store,
		presence:   tracker,
		maxContent: maxContent,
		logger:     logger.Named("router"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// LockSession holds the session's ordering lock. While it is held no message
// for the session is appended or delivered.
func (mr *MessageRouter) LockSession(sessionID string) (unlock func()) {
	return mr.locks.Lock(sessionID)
}

// Send validates, persists and delivers one message. The returned message
// carries the seq assigned by the store. When the append fails nothing is
// delivered.
func (mr *MessageRouter) Send(ctx context.Context, sessionID string, sender model.Sender, content string) (*model.Message, error) {
	if !sender.Valid() {
		return nil, chaterrors.ErrInvalidMessageFormat("unknown sender", ErrInvalidSender)
	}
	if err := mr.validateContent(content); err != nil {
		return nil, err
	}
	if _, err := mr.registry.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	unlock := mr.locks.Lock(sessionID)
	defer unlock()

	msg, err := mr.store.Append(ctx, sessionID, sender, content, mr.now())
	if err != nil {
		if errors.Is(err, history.ErrSessionNotFound) {
			return nil, chaterrors.ErrSessionNotFound(sessionID)
		}
		mr.logger.Errorw("Failed to append message", "session_id", sessionID, "sender", sender, "error", err)
		return nil, chaterrors.ErrStoreUnavailable(err)
	}
	metrics.MessagesReceived.WithLabelValues(string(sender)).Inc()

	if sender == model.SenderUser {
		if unread, counted := mr.presence.OnUserMessage(sessionID); counted {
			mr.logger.Debugw("Message unread", "session_id", sessionID, "unread", unread)
		}
	}
	if err := mr.registry.Touch(ctx, sessionID, msg.CreatedAt); err != nil {
		// The message is already durable; a stale updatedAt only affects list order.
		mr.logger.Warnw("Failed to touch session", "session_id", sessionID, "error", err)
	}

	mr.fanout(msg)
	return msg, nil
}

func (mr *MessageRouter) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return chaterrors.ErrEmptyContent()
	}
	if mr.maxContent > 0 && utf8.RuneCountInString(content) > mr.maxContent {
		return chaterrors.ErrContentTooLong(mr.maxContent)
	}
	return nil
}

// fanout must be called with the session lock held.
func (mr *MessageRouter) fanout(msg *model.Message) {
	payload, err := message.NewMessageEvent(msg).Encode()
	if err != nil {
		mr.logger.Errorw("Failed to encode message event", "session_id", msg.SessionID, "seq", msg.Seq, "error", err)
		return
	}

	for _, p := range mr.registry.Peers(msg.SessionID) {
		delivered := p.Deliver(payload)
		if delivered {
			metrics.MessagesSent.Inc()
		} else {
			role := roleOf(p)
			metrics.FanoutFailures.WithLabelValues(role).Inc()
			mr.logger.Warnw("Dropped message for slow connection",
				"session_id", msg.SessionID,
				"seq", msg.Seq,
				"connection_id", p.ID(),
				"role", role)
		}

		if p.IsAdmin() {
			continue
		}
		if unreachable, changed := mr.presence.RecordUserDelivery(msg.SessionID, delivered); changed {
			if unreachable {
				mr.logger.Warnw("User marked unreachable", "session_id", msg.SessionID, "user_id", p.PrincipalID())
			} else {
				mr.logger.Infow("User reachable again", "session_id", msg.SessionID, "user_id", p.PrincipalID())
			}
		}
	}
}

// HandleError reports err to the originating connection as an error event.
// Errors that are not ChatErrors are sent as a generic transport failure so
// internal details never reach the client.
func (mr *MessageRouter) HandleError(p session.Peer, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	if p == nil {
		return ErrNilPeer
	}

	chatErr, ok := chaterrors.As(err)
	if !ok {
		chatErr = chaterrors.ErrSendFailed(err)
	}
	metrics.MessageErrors.WithLabelValues(string(chatErr.Category)).Inc()

	if chatErr.IsFatal() {
		mr.logger.Errorw("Fatal error on connection", "connection_id", p.ID(), "session_id", sessionID, "code", chatErr.Code, "error", err)
	} else {
		mr.logger.Warnw("Recoverable error on connection", "connection_id", p.ID(), "session_id", sessionID, "code", chatErr.Code, "error", err)
	}

	payload, encErr := message.NewErrorEvent(sessionID, chatErr.ToErrorInfo()).Encode()
	if encErr != nil {
		return encErr
	}
	if !p.Deliver(payload) {
		return chaterrors.ErrSlowClient()
	}
	return nil
}

func roleOf(p session.Peer) string {
	if p.IsAdmin() {
		return string(model.SenderAdmin)
	}
	return string(model.SenderUser)
}
