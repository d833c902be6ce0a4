package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateSessionIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession("alice")

		got, created, err := s.CreateSessionIfAbsent(ctx, sess)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "alice", got.SessionID)

		again := newSession("alice")
		again.UserName = "someone else"
		got, created, err = s.CreateSessionIfAbsent(ctx, again)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "Alice", got.UserName, "existing session wins")

		_, _, err = s.CreateSessionIfAbsent(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalidSession)
		_, _, err = s.CreateSessionIfAbsent(ctx, &model.ChatSession{})
		assert.ErrorIs(t, err, ErrInvalidSessionID)
	})

	t.Run("GetSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetSession(ctx, "nobody")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, _, err = s.CreateSessionIfAbsent(ctx, newSession("bob"))
		require.NoError(t, err)
		got, err := s.GetSession(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "bob", got.UserID)
		assert.Equal(t, model.StatusActive, got.Status)
	})

	t.Run("AppendAssignsIncreasingSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, _, err := s.CreateSessionIfAbsent(ctx, newSession("alice"))
		require.NoError(t, err)

		m1, err := s.Append(ctx, "alice", model.SenderUser, "hi", time.Now())
		require.NoError(t, err)
		m2, err := s.Append(ctx, "alice", model.SenderUser, "anyone?", time.Now())
		require.NoError(t, err)

		assert.Equal(t, int64(1), m1.Seq)
		assert.Equal(t, int64(2), m2.Seq)
		assert.NotEqual(t, m1.MessageID, m2.MessageID)
		assert.Equal(t, model.SenderUser, m2.Sender)

		other, err := s.Append(ctx, "bob", model.SenderAdmin, "hello bob", time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), other.Seq, "each session has its own sequence")

		_, err = s.Append(ctx, "", model.SenderUser, "x", time.Now())
		assert.ErrorIs(t, err, ErrInvalidSessionID)
	})

	t.Run("AppendTouchesSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession("alice")
		_, _, err := s.CreateSessionIfAbsent(ctx, sess)
		require.NoError(t, err)

		later := sess.UpdatedAt.Add(time.Minute)
		_, err = s.Append(ctx, "alice", model.SenderUser, "hi", later)
		require.NoError(t, err)

		got, err := s.GetSession(ctx, "alice")
		require.NoError(t, err)
		assert.WithinDuration(t, later, got.UpdatedAt, time.Millisecond)
	})

	t.Run("LoadSince", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			_, err := s.Append(ctx, "alice", model.SenderUser, fmt.Sprintf("m%d", i), time.Now())
			require.NoError(t, err)
		}

		all, err := s.LoadSince(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, m := range all {
			assert.Equal(t, int64(i+1), m.Seq)
			assert.Equal(t, fmt.Sprintf("m%d", i+1), m.Content)
		}

		tail, err := s.LoadSince(ctx, "alice", 3)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, int64(4), tail[0].Seq)

		none, err := s.LoadSince(ctx, "alice", 5)
		require.NoError(t, err)
		assert.Empty(t, none)

		neg, err := s.LoadSince(ctx, "alice", -10)
		require.NoError(t, err)
		assert.Len(t, neg, 5, "negative cursor means full replay")

		unknown, err := s.LoadSince(ctx, "ghost", 0)
		require.NoError(t, err)
		assert.Empty(t, unknown)
	})

	t.Run("LoadSinceIsolatesPrefixes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, "a", model.SenderUser, "for a", time.Now())
		require.NoError(t, err)
		_, err = s.Append(ctx, "a:b", model.SenderUser, "for a:b", time.Now())
		require.NoError(t, err)
		_, err = s.Append(ctx, "ab", model.SenderUser, "for ab", time.Now())
		require.NoError(t, err)

		got, err := s.LoadSince(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "for a", got[0].Content)
	})

	t.Run("SetStatusAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		for i, id := range []string{"u1", "u2", "u3"} {
			sess := newSession(id)
			sess.UpdatedAt = base.Add(time.Duration(i) * time.Second)
			_, _, err := s.CreateSessionIfAbsent(ctx, sess)
			require.NoError(t, err)
		}

		require.NoError(t, s.SetStatus(ctx, "u1", model.StatusClosed, base.Add(time.Hour)))
		assert.ErrorIs(t, s.SetStatus(ctx, "ghost", model.StatusClosed, base), ErrSessionNotFound)

		list, err := s.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "u1", list[0].SessionID, "most recently updated first")
		assert.Equal(t, model.StatusClosed, list[0].Status)
		assert.Equal(t, "u3", list[1].SessionID)
		assert.Equal(t, "u2", list[2].SessionID)
	})

	t.Run("ConcurrentAppendsNeverRepeatSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const writers, perWriter = 8, 10

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seqs = map[int64]bool{}
		)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					m, err := s.Append(ctx, "busy", model.SenderUser, "x", time.Now())
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					assert.False(t, seqs[m.Seq], "seq %d handed out twice", m.Seq)
					seqs[m.Seq] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		loaded, err := s.LoadSince(ctx, "busy", 0)
		require.NoError(t, err)
		assert.Len(t, loaded, writers*perWriter)
		for i := 1; i < len(loaded); i++ {
			assert.Less(t, loaded[i-1].Seq, loaded[i].Seq)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func newSession(userID string) *model.ChatSession {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.ChatSession{
		SessionID: userID,
		UserID:    userID,
		UserName:  "Alice",
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
