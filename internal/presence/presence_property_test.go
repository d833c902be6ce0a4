package presence

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_UnreadEqualsMessagesSinceLastView(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// true = user message, false = admin view then leave
	properties.Property("unread counts user messages after the last view", prop.ForAll(
		func(ops []bool) bool {
			tr := NewTracker(3)
			want := 0
			for _, userMsg := range ops {
				if userMsg {
					tr.OnUserMessage("s")
					want++
				} else {
					tr.MarkViewing("s", "admin")
					tr.MarkLeft("s", "admin")
					want = 0
				}
			}
			return tr.Snapshot("s").UnreadCount == want
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("burst of N messages with no admin yields N", prop.ForAll(
		func(n int) bool {
			tr := NewTracker(3)
			for i := 0; i < n; i++ {
				tr.OnUserMessage("s")
			}
			return tr.Snapshot("s").UnreadCount == n
		},
		gen.IntRange(0, 500),
	))

	properties.TestingRun(t)
}
