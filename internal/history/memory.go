package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/samber/lo"
)

const backendMemory = "memory"

// MemoryStore keeps history in process memory. It is used for development
// and tests; everything is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.ChatSession
	messages map[string][]*model.Message
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.ChatSession),
		messages: make(map[string][]*model.Message),
	}
}

func (m *MemoryStore) CreateSessionIfAbsent(_ context.Context, s *model.ChatSession) (*model.ChatSession, bool, error) {
	defer observe(backendMemory, "create_session")()
	if s == nil {
		return nil, false, ErrInvalidSession
	}
	if err := validateSessionID(s.SessionID); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.SessionID]; ok {
		return cloneSession(existing), false, nil
	}
	m.sessions[s.SessionID] = cloneSession(s)
	return cloneSession(s), true, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*model.ChatSession, error) {
	defer observe(backendMemory, "get_session")()
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*model.ChatSession, error) {
	defer observe(backendMemory, "list_sessions")()
	m.mu.RLock()
	out := lo.MapToSlice(m.sessions, func(_ string, s *model.ChatSession) *model.ChatSession {
		return cloneSession(s)
	})
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *model.ChatSession) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, sessionID string, status model.Status, at time.Time) error {
	defer observe(backendMemory, "set_status")()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = status
	s.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, sender model.Sender, content string, at time.Time) (*model.Message, error) {
	defer observe(backendMemory, "append")()
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.messages[sessionID]
	msg := &model.Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Seq:       int64(len(log)) + 1,
		CreatedAt: at,
	}
	m.messages[sessionID] = append(log, msg)
	if s, ok := m.sessions[sessionID]; ok {
		s.UpdatedAt = at
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) LoadSince(_ context.Context, sessionID string, afterSeq int64) ([]*model.Message, error) {
	defer observe(backendMemory, "load_since")()
	if afterSeq < 0 {
		afterSeq = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.messages[sessionID]
	if afterSeq >= int64(len(log)) {
		return []*model.Message{}, nil
	}
	return lo.Map(log[afterSeq:], func(msg *model.Message, _ int) *model.Message {
		return cloneMessage(msg)
	}), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
