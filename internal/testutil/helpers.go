// Package testutil provides fakes shared by the registry, router, backfill
// and gateway tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Polling intervals for assert.Eventually and assert.Never.
const (
	ShortWait = 100 * time.Millisecond
	LongWait  = 2 * time.Second
	Tick      = 5 * time.Millisecond
)

// FakePeer records everything delivered to it. With Capacity > 0 it drops
// deliveries once that many are buffered, like a full send channel.
type FakePeer struct {
	ConnID    string
	Principal string
	Admin     bool
	Capacity  int

	mu        sync.Mutex
	resumed   []Resumption
	preloaded [][]byte
	delivered [][]byte
	dropped   int
}

// Resumption records one Resume call on a FakePeer.
type Resumption struct {
	SessionID string
	AfterSeq  int64
	Replayed  int
}

// NewUserPeer creates a fake end-user connection
func NewUserPeer(connID, userID string) *FakePeer {
	return &FakePeer{ConnID: connID, Principal: userID}
}

// NewAdminPeer creates a fake admin connection
func NewAdminPeer(connID, adminID string) *FakePeer {
	return &FakePeer{ConnID: connID, Principal: adminID, Admin: true}
}

func (p *FakePeer) ID() string          { return p.ConnID }
func (p *FakePeer) PrincipalID() string { return p.Principal }
func (p *FakePeer) IsAdmin() bool       { return p.Admin }

// Deliver implements session.Peer
func (p *FakePeer) Deliver(payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Capacity > 0 && len(p.delivered) >= p.Capacity {
		p.dropped++
		return false
	}
	p.delivered = append(p.delivered, payload)
	return true
}

// Resume implements the backfill target contract. Deliveries are recorded
// as already written, so only the batch is added.
func (p *FakePeer) Resume(sessionID string, afterSeq int64, batch [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, Resumption{SessionID: sessionID, AfterSeq: afterSeq, Replayed: len(batch)})
	p.preloaded = append(p.preloaded, batch...)
}

// Resumptions lists every Resume call in order
func (p *FakePeer) Resumptions() []Resumption {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Resumption(nil), p.resumed...)
}

// Dropped returns how many deliveries were refused
func (p *FakePeer) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Events decodes preloaded then delivered payloads in wire order.
func (p *FakePeer) Events(t *testing.T) []*message.Event {
	t.Helper()
	p.mu.Lock()
	all := append(append([][]byte{}, p.preloaded...), p.delivered...)
	p.mu.Unlock()

	out := make([]*message.Event, 0, len(all))
	for _, raw := range all {
		ev, err := message.Decode(raw)
		if err != nil {
			t.Fatalf("undecodable payload %q: %v", raw, err)
		}
		out = append(out, ev)
	}
	return out
}

// Seqs returns the seq of every message event seen, in wire order.
func (p *FakePeer) Seqs(t *testing.T) []int64 {
	t.Helper()
	var seqs []int64
	for _, ev := range p.Events(t) {
		if ev.Type == message.TypeMessage && ev.Message != nil {
			seqs = append(seqs, ev.Message.Seq)
		}
	}
	return seqs
}

// EventsOfType filters Events by type.
func (p *FakePeer) EventsOfType(t *testing.T, typ message.EventType) []*message.Event {
	t.Helper()
	var out []*message.Event
	for _, ev := range p.Events(t) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// FlakyStore wraps a Store and injects errors.
type FlakyStore struct {
	history.Store

	mu          sync.Mutex
	AppendErr   error
	LoadErr     error
	CreateErr   error
	ListErr     error
	AppendDelay time.Duration
	appends     int
}

// NewFlakyStore wraps an in-memory store
func NewFlakyStore() *FlakyStore {
	return &FlakyStore{Store: history.NewMemoryStore()}
}

// SetAppendErr changes the injected append error
func (f *FlakyStore) SetAppendErr(err error) {
	f.mu.Lock()
	f.AppendErr = err
	f.mu.Unlock()
}

// Appends reports how many appends reached the underlying store
func (f *FlakyStore) Appends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

func (f *FlakyStore) Append(ctx context.Context, sessionID string, sender model.Sender, content string, at time.Time) (*model.Message, error) {
	f.mu.Lock()
	err, delay := f.AppendErr, f.AppendDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	m, err := f.Store.Append(ctx, sessionID, sender, content, at)
	if err == nil {
		f.mu.Lock()
		f.appends++
		f.mu.Unlock()
	}
	return m, err
}

func (f *FlakyStore) LoadSince(ctx context.Context, sessionID string, afterSeq int64) ([]*model.Message, error) {
	f.mu.Lock()
	err := f.LoadErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.LoadSince(ctx, sessionID, afterSeq)
}

func (f *FlakyStore) CreateSessionIfAbsent(ctx context.Context, s *model.ChatSession) (*model.ChatSession, bool, error) {
	f.mu.Lock()
	err := f.CreateErr
	f.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return f.Store.CreateSessionIfAbsent(ctx, s)
}

func (f *FlakyStore) ListSessions(ctx context.Context) ([]*model.ChatSession, error) {
	f.mu.Lock()
	err := f.ListErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.ListSessions(ctx)
}

// TestLogger returns a logger that writes through t.Log
func TestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}
