package router

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/presence"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/session"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/testutil"
	"go.uber.org/zap"
)

// Every peer of a session sees seqs 1..n in order, regardless of how sends
// from several goroutines interleave.
func TestProperty_PerSessionOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("peers receive contiguous ascending seqs", prop.ForAll(
		func(senders []bool, workers int) bool {
			logger := zap.NewNop().Sugar()
			store := history.NewMemoryStore()
			registry := session.NewRegistry(store, logger)
			mr := NewMessageRouter(registry, store, presence.NewTracker(3), 0, logger)
			if _, _, err := registry.ResolveOrCreate(context.Background(), "s", ""); err != nil {
				return false
			}
			peer := testutil.NewAdminPeer("a", "admin")
			if _, _, err := registry.Bind(peer, "s"); err != nil {
				return false
			}

			jobs := make(chan bool)
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for isUser := range jobs {
						sender := model.SenderAdmin
						if isUser {
							sender = model.SenderUser
						}
						_, _ = mr.Send(context.Background(), "s", sender, "m")
					}
				}()
			}
			for _, s := range senders {
				jobs <- s
			}
			close(jobs)
			wg.Wait()

			seqs := peer.Seqs(t)
			if len(seqs) != len(senders) {
				return false
			}
			for i, s := range seqs {
				if s != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

// unread equals the number of user messages since the last time an admin
// started viewing, while nobody is viewing.
func TestProperty_UnreadMatchesUnviewedUserMessages(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("unread count tracks user messages after last view", prop.ForAll(
		func(ops []int) bool {
			logger := zap.NewNop().Sugar()
			store := history.NewMemoryStore()
			registry := session.NewRegistry(store, logger)
			tracker := presence.NewTracker(3)
			mr := NewMessageRouter(registry, store, tracker, 0, logger)
			if _, _, err := registry.ResolveOrCreate(context.Background(), "s", ""); err != nil {
				return false
			}

			expected, viewing := 0, false
			for i, op := range ops {
				switch op {
				case 0:
					if _, err := mr.Send(context.Background(), "s", model.SenderUser, fmt.Sprint(i)); err != nil {
						return false
					}
					if !viewing {
						expected++
					}
				case 1:
					if _, err := mr.Send(context.Background(), "s", model.SenderAdmin, fmt.Sprint(i)); err != nil {
						return false
					}
				case 2:
					if !viewing {
						tracker.MarkViewing("s", "admin")
						viewing = true
						expected = 0
					}
				case 3:
					if viewing {
						tracker.MarkLeft("s", "admin")
						viewing = false
					}
				}
			}
			return tracker.Snapshot("s").UnreadCount == expected
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
