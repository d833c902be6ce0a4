// Package session owns the set of support sessions known to this process
// and the bindings between sessions and live connections.
package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	chaterrors "github.com/phamtheson2807/FinanceFlow-sub001/internal/errors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/metrics"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidUserID is returned when user ID is empty
	ErrInvalidUserID = errors.New("user ID cannot be empty")
	// ErrNilPeer is returned when binding a nil connection
	ErrNilPeer = errors.New("peer cannot be nil")
)

// Peer is a live connection as seen by the registry and the router.
// Deliver must never block; it reports false when the payload was dropped.
type Peer interface {
	ID() string
	PrincipalID() string
	IsAdmin() bool
	Deliver(payload []byte) bool
}

// binding is the set of connections attached to one session: at most one
// user connection and any number of admin connections.
type binding struct {
	user   Peer
	admins map[string]Peer
}

// Registry resolves sessions and tracks which connections are bound to them.
// Session state is only mutated through its methods.
type Registry struct {
	store  history.Store
	logger *zap.SugaredLogger
	now    func() time.Time
	group  singleflight.Group

	mu          sync.RWMutex
	sessions    map[string]*model.ChatSession
	bindings    map[string]*binding
	connSession map[string]string
	watchers    map[string]Peer
}

// NewRegistry creates a registry backed by store
func NewRegistry(store history.Store, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		store:       store,
		logger:      logger.Named("session"),
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[string]*model.ChatSession),
		bindings:    make(map[string]*binding),
		connSession: make(map[string]string),
		watchers:    make(map[string]Peer),
	}
}

type resolveResult struct {
	session *model.ChatSession
	created bool
}

// ResolveOrCreate returns the user's session, creating and announcing it on
// first contact. Concurrent calls for one user share a single lookup, so at
// most one session is ever created. created is true for every caller that
// joined the creating call.
func (r *Registry) ResolveOrCreate(ctx context.Context, userID, userName string) (*model.ChatSession, bool, error) {
	if userID == "" {
		return nil, false, ErrInvalidUserID
	}

	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return clone(s), false, nil
	}

	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		r.mu.RLock()
		s, ok := r.sessions[userID]
		r.mu.RUnlock()
		if ok {
			return resolveResult{session: s}, nil
		}

		// Detach from the first caller's cancellation; other callers may be waiting.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultContextTimeout)
		defer cancel()

		now := r.now()
		stored, created, err := r.store.CreateSessionIfAbsent(storeCtx, &model.ChatSession{
			SessionID: userID,
			UserID:    userID,
			UserName:  userName,
			Status:    model.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, chaterrors.ErrStoreUnavailable(err)
		}

		r.mu.Lock()
		r.sessions[userID] = stored
		count := len(r.sessions)
		r.mu.Unlock()
		metrics.ActiveSessions.Set(float64(count))

		if created {
			metrics.SessionsCreated.Inc()
			r.logger.Infow("Support session created", "session_id", userID)
			r.announce(stored)
		}
		return resolveResult{session: stored, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(resolveResult)
	return clone(res.session), res.created, nil
}

// Get returns a known session without ever creating one. Sessions persisted
// by an earlier process are loaded on demand.
func (r *Registry) Get(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return clone(s), nil
	}

	stored, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, history.ErrSessionNotFound) {
		return nil, chaterrors.ErrSessionNotFound(sessionID)
	}
	if err != nil {
		return nil, chaterrors.ErrStoreUnavailable(err)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		stored = existing
	} else {
		r.sessions[sessionID] = stored
	}
	r.mu.Unlock()
	return clone(stored), nil
}

// ListForAdmin returns every session visible to the admin, most recently
// updated first. All admins currently see all sessions.
func (r *Registry) ListForAdmin(ctx context.Context, adminID string) ([]*model.ChatSession, error) {
	stored, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, chaterrors.ErrStoreUnavailable(err)
	}

	merged := lo.SliceToMap(stored, func(s *model.ChatSession) (string, *model.ChatSession) {
		return s.SessionID, s
	})
	r.mu.RLock()
	for id, s := range r.sessions {
		if prev, ok := merged[id]; !ok || s.UpdatedAt.After(prev.UpdatedAt) {
			merged[id] = clone(s)
		}
	}
	r.mu.RUnlock()

	out := lo.Values(merged)
	slices.SortFunc(out, func(a, b *model.ChatSession) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	r.logger.Debugw("Listed sessions for admin", "admin_id", adminID, "count", len(out))
	return out, nil
}

// Touch records activity on a session. A closed session is reopened, since
// a new message means the conversation is live again.
func (r *Registry) Touch(ctx context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return chaterrors.ErrSessionNotFound(sessionID)
	}
	if at.After(s.UpdatedAt) {
		s.UpdatedAt = at
	}
	reopen := s.Status == model.StatusClosed
	if reopen {
		s.Status = model.StatusActive
	}
	r.mu.Unlock()

	if reopen {
		if err := r.store.SetStatus(ctx, sessionID, model.StatusActive, at); err != nil {
			return chaterrors.ErrStoreUnavailable(err)
		}
		r.logger.Infow("Support session reopened", "session_id", sessionID)
	}
	return nil
}

// Close marks a session closed. Its messages stay addressable.
func (r *Registry) Close(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	if _, err := r.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	now := r.now()
	if err := r.store.SetStatus(ctx, sessionID, model.StatusClosed, now); err != nil {
		return nil, chaterrors.ErrStoreUnavailable(err)
	}

	r.mu.Lock()
	s := r.sessions[sessionID]
	s.Status = model.StatusClosed
	s.UpdatedAt = now
	out := clone(s)
	r.mu.Unlock()

	metrics.SessionsClosed.Inc()
	r.logger.Infow("Support session closed", "session_id", sessionID)
	return out, nil
}

// Bind attaches p to sessionID. A connection is bound to at most one
// session, so binding moves it; previous names the session it left. A user
// connection replaces any other user connection on the session, which is
// returned as superseded for the caller to close.
func (r *Registry) Bind(p Peer, sessionID string) (previous string, superseded Peer, err error) {
	if p == nil {
		return "", nil, ErrNilPeer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return "", nil, chaterrors.ErrSessionNotFound(sessionID)
	}

	if prev, ok := r.connSession[p.ID()]; ok && prev != sessionID {
		r.detachLocked(p.ID(), prev)
		previous = prev
	}

	b, ok := r.bindings[sessionID]
	if !ok {
		b = &binding{admins: make(map[string]Peer)}
		r.bindings[sessionID] = b
	}

	if p.IsAdmin() {
		b.admins[p.ID()] = p
	} else {
		if b.user != nil && b.user.ID() != p.ID() {
			superseded = b.user
			delete(r.connSession, superseded.ID())
		}
		b.user = p
	}
	r.connSession[p.ID()] = sessionID
	return previous, superseded, nil
}

// Unbind detaches the connection from whatever session it is bound to.
func (r *Registry) Unbind(connectionID string) (sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok = r.connSession[connectionID]
	if !ok {
		return "", false
	}
	r.detachLocked(connectionID, sessionID)
	return sessionID, true
}

func (r *Registry) detachLocked(connectionID, sessionID string) {
	delete(r.connSession, connectionID)
	b, ok := r.bindings[sessionID]
	if !ok {
		return
	}
	if b.user != nil && b.user.ID() == connectionID {
		b.user = nil
	}
	delete(b.admins, connectionID)
	if b.user == nil && len(b.admins) == 0 {
		delete(r.bindings, sessionID)
	}
}

// BoundSession returns the session a connection is bound to.
func (r *Registry) BoundSession(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.connSession[connectionID]
	return id, ok
}

// Peers returns a snapshot of the connections bound to a session, user first.
func (r *Registry) Peers(sessionID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[sessionID]
	if !ok {
		return nil
	}
	out := make([]Peer, 0, len(b.admins)+1)
	if b.user != nil {
		out = append(out, b.user)
	}
	for _, a := range b.admins {
		out = append(out, a)
	}
	return out
}

// Watch subscribes an admin connection to new-session announcements.
func (r *Registry) Watch(p Peer) {
	r.mu.Lock()
	r.watchers[p.ID()] = p
	r.mu.Unlock()
}

// Unwatch removes an announcement subscription.
func (r *Registry) Unwatch(connectionID string) {
	r.mu.Lock()
	delete(r.watchers, connectionID)
	r.mu.Unlock()
}

// Count returns the number of sessions held in memory.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) announce(s *model.ChatSession) {
	payload, err := message.NewSessionEvent(clone(s)).Encode()
	if err != nil {
		r.logger.Errorw("Failed to encode new-session event", "session_id", s.SessionID, "error", err)
		return
	}

	r.mu.RLock()
	watchers := lo.Values(r.watchers)
	r.mu.RUnlock()

	for _, w := range watchers {
		if !w.Deliver(payload) {
			r.logger.Warnw("Dropped new-session announcement", "connection_id", w.ID(), "session_id", s.SessionID)
		}
	}
}

func clone(s *model.ChatSession) *model.ChatSession {
	c := *s
	return &c
}
