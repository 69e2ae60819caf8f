package state

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: sequence positions are strictly increasing and gap-free for any
// interleaving of concurrent appends.
func TestEventSequenceUnderConcurrentAppends(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("sequence positions never repeat", prop.ForAll(
		func(writers, perWriter int) bool {
			s := NewStore()
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						s.AppendEvent("TICK", map[string]any{"i": i})
					}
				}()
			}
			wg.Wait()
			events := s.Events(0)
			if len(events) != writers*perWriter {
				return false
			}
			for i, ev := range events {
				if ev.Seq != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 40),
	))

	properties.Property("unknown participant mutations leave the seat set unchanged", prop.ForAll(
		func(ghost string) bool {
			s := NewStore()
			if _, err := s.AddParticipant(Seat{ID: "p1", Role: "Chef"}); err != nil {
				return false
			}
			before := s.Snapshot(0)
			target := "ghost-" + ghost
			_ = s.UpdateStatus(target, "poisoned", true)
			_ = s.SetAlive(target, false, "test")
			_ = s.SetName(target, "x")
			after := s.Snapshot(0)
			if len(after.Participants) != len(before.Participants) {
				return false
			}
			return after.LastSeq == before.LastSeq && after.Participants[0].Alive
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
