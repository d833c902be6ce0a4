package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	chaterrors "github.com/phamtheson2807/FinanceFlow-sub001/internal/errors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/presence"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/router"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/session"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	manager  *Manager
	router   *router.MessageRouter
	registry *session.Registry
	store    *testutil.FlakyStore
	presence *presence.Tracker
}

func newFixture(t *testing.T, sessions ...string) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := testutil.NewFlakyStore()
	registry := session.NewRegistry(store, logger)
	tracker := presence.NewTracker(3)
	mr := router.NewMessageRouter(registry, store, tracker, 0, logger)
	for _, id := range sessions {
		_, _, err := registry.ResolveOrCreate(context.Background(), id, "")
		require.NoError(t, err)
	}
	return &fixture{
		manager:  NewManager(registry, store, mr, logger),
		router:   mr,
		registry: registry,
		store:    store,
		presence: tracker,
	}
}

func (f *fixture) send(t *testing.T, sessionID string, sender model.Sender, content string) {
	t.Helper()
	_, err := f.router.Send(context.Background(), sessionID, sender, content)
	require.NoError(t, err)
}

// The reference walk-through: alice writes twice while no admin is looking,
// an admin opens the session, and a fresh connection replays everything.
func TestAliceScenario(t *testing.T) {
	f := newFixture(t, "alice")

	f.send(t, "alice", model.SenderUser, "my card was charged twice")
	f.send(t, "alice", model.SenderUser, "hello?")
	assert.Equal(t, 2, f.presence.Snapshot("alice").UnreadCount)

	f.presence.MarkViewing("alice", "admin-1")
	assert.Equal(t, 0, f.presence.Snapshot("alice").UnreadCount)
	assert.True(t, f.presence.Snapshot("alice").AdminViewing)

	conn := testutil.NewUserPeer("conn", "alice")
	res, err := f.manager.Backfill(context.Background(), conn, "alice", 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "my card was charged twice", res.Messages[0].Content)
	assert.Equal(t, []int64{1, 2}, conn.Seqs(t))
}

func TestBackfill_OnlyNewerMessages(t *testing.T) {
	f := newFixture(t, "alice")
	for i := 0; i < 5; i++ {
		f.send(t, "alice", model.SenderUser, "m")
	}

	conn := testutil.NewUserPeer("c", "alice")
	res, err := f.manager.Backfill(context.Background(), conn, "alice", 3)
	require.NoError(t, err)
	assert.Len(t, res.Messages, 2)
	assert.Equal(t, []int64{4, 5}, conn.Seqs(t))

	f.send(t, "alice", model.SenderAdmin, "live")
	assert.Equal(t, []int64{4, 5, 6}, conn.Seqs(t), "bound for live traffic after the backlog")
}

func TestBackfill_NegativeMeansFullReplay(t *testing.T) {
	f := newFixture(t, "alice")
	f.send(t, "alice", model.SenderUser, "m")

	conn := testutil.NewUserPeer("c", "alice")
	_, err := f.manager.Backfill(context.Background(), conn, "alice", -7)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, conn.Seqs(t))
}

func TestBackfill_CaughtUpClient(t *testing.T) {
	f := newFixture(t, "alice")
	f.send(t, "alice", model.SenderUser, "m")

	conn := testutil.NewUserPeer("c", "alice")
	res, err := f.manager.Backfill(context.Background(), conn, "alice", 1)
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Empty(t, conn.Events(t))
	_, bound := f.registry.BoundSession("c")
	assert.True(t, bound)
	assert.Equal(t, []testutil.Resumption{{SessionID: "alice", AfterSeq: 1}}, conn.Resumptions(),
		"the cursor moves even when there is nothing to replay")
}

func TestBackfill_ResumesWithClientCursor(t *testing.T) {
	f := newFixture(t, "alice")
	for i := 0; i < 3; i++ {
		f.send(t, "alice", model.SenderUser, "m")
	}

	conn := testutil.NewUserPeer("c", "alice")
	_, err := f.manager.Backfill(context.Background(), conn, "alice", -2)
	require.NoError(t, err)
	_, err = f.manager.Backfill(context.Background(), conn, "alice", 2)
	require.NoError(t, err)

	assert.Equal(t, []testutil.Resumption{
		{SessionID: "alice", AfterSeq: 0, Replayed: 3},
		{SessionID: "alice", AfterSeq: 2, Replayed: 1},
	}, conn.Resumptions())
}

func TestBackfill_LoadFailureLeavesTargetUnbound(t *testing.T) {
	f := newFixture(t, "alice")
	f.send(t, "alice", model.SenderUser, "m")
	f.store.LoadErr = errors.New("cursor killed")

	conn := testutil.NewUserPeer("c", "alice")
	_, err := f.manager.Backfill(context.Background(), conn, "alice", 0)
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryStore))
	assert.Empty(t, conn.Events(t))
	assert.Empty(t, conn.Resumptions())
	_, bound := f.registry.BoundSession("c")
	assert.False(t, bound)

	f.send(t, "alice", model.SenderUser, "m2")
	assert.Empty(t, conn.Events(t))
}

func TestBackfill_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Backfill(context.Background(), testutil.NewAdminPeer("a", "admin"), "ghost", 0)
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryNotFound))

	_, err = f.manager.Backfill(context.Background(), nil, "ghost", 0)
	assert.ErrorIs(t, err, session.ErrNilPeer)
}

func TestBackfill_ReturnsSupersededUserConnection(t *testing.T) {
	f := newFixture(t, "alice")
	old := testutil.NewUserPeer("old", "alice")
	_, err := f.manager.Backfill(context.Background(), old, "alice", 0)
	require.NoError(t, err)

	fresh := testutil.NewUserPeer("new", "alice")
	res, err := f.manager.Backfill(context.Background(), fresh, "alice", 0)
	require.NoError(t, err)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, "old", res.Superseded.ID())

	f.send(t, "alice", model.SenderAdmin, "hi")
	assert.Empty(t, old.Events(t))
	assert.Equal(t, []int64{1}, fresh.Seqs(t))
}

func TestBackfill_AdminSwitchesSession(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	admin := testutil.NewAdminPeer("a", "admin-1")

	_, err := f.manager.Backfill(context.Background(), admin, "alice", 0)
	require.NoError(t, err)
	res, err := f.manager.Backfill(context.Background(), admin, "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Previous)

	f.send(t, "alice", model.SenderUser, "unseen")
	assert.Empty(t, admin.Events(t))
}

// Messages sent while a backfill is in flight are seen exactly once, either
// in the backlog or live, and in seq order.
func TestBackfill_NoGapNoDuplicateUnderConcurrentSends(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, "alice")
		f.store.AppendDelay = 200 * time.Microsecond
		for i := 0; i < 10; i++ {
			f.send(t, "alice", model.SenderUser, "before")
		}

		const live = 30
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < live; i++ {
				_, err := f.router.Send(context.Background(), "alice", model.SenderAdmin, "during")
				assert.NoError(t, err)
			}
		}()

		conn := testutil.NewUserPeer("c", "alice")
		_, err := f.manager.Backfill(context.Background(), conn, "alice", 4)
		require.NoError(t, err)
		wg.Wait()

		seqs := conn.Seqs(t)
		require.NotEmpty(t, seqs)
		assert.Equal(t, int64(5), seqs[0])
		for i := 1; i < len(seqs); i++ {
			require.Equal(t, seqs[i-1]+1, seqs[i], "round %d: seqs %v", round, seqs)
		}
		assert.Equal(t, int64(10+live), seqs[len(seqs)-1])
	}
}
