package broker

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var universe = []string{"p1", "p2", "p3", "p4", "p5"}

// op encodes one broker call: declare when declare is true, otherwise record.
type op struct {
	declare bool
	members []int
	who     int
}

func buildOps(kinds []bool, members [][]int, who []int) []op {
	ops := make([]op, len(kinds))
	for i := range kinds {
		ops[i] = op{declare: kinds[i]}
		if i < len(members) {
			ops[i].members = members[i]
		}
		if i < len(who) {
			ops[i].who = who[i]
		}
	}
	return ops
}

func TestBrokerCompletionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	memberGen := gen.SliceOf(gen.IntRange(0, len(universe)-1))

	properties.Property("IsComplete iff collected covers every declared set", prop.ForAll(
		func(kinds []bool, members [][]int, who []int) bool {
			b := New()
			declared := map[string]bool{}
			collected := map[string]bool{}
			touched := false
			for _, o := range buildOps(kinds, members, who) {
				if o.declare {
					ids := make([]string, 0, len(o.members))
					for _, m := range o.members {
						ids = append(ids, universe[m])
						declared[universe[m]] = true
					}
					_ = b.DeclareExpectation("A1", ids...)
					touched = true
					continue
				}
				id := universe[o.who]
				if b.RecordResult("A1", id, PayloadResult(id)) {
					collected[id] = true
				}
			}
			want := touched
			for id := range declared {
				if !collected[id] {
					want = false
				}
			}
			for id := range collected {
				if !declared[id] {
					return false
				}
			}
			return b.IsComplete("A1") == want
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(memberGen),
		gen.SliceOf(gen.IntRange(0, len(universe)-1)),
	))

	properties.Property("uncorrelated results never mutate state", prop.ForAll(
		func(action string, who int) bool {
			b := New()
			_ = b.DeclareExpectation("A1", "p1")
			before := b.PendingSummary()
			kept := b.RecordResult("X-"+action, universe[who], Result{})
			if universe[who] != "p1" {
				kept = kept || b.RecordResult("A1", universe[who], Result{})
			}
			after := b.PendingSummary()
			return !kept && len(after["A1"]) == len(before["A1"]) && len(b.Drain()) == 0
		},
		gen.AlphaString(),
		gen.IntRange(0, len(universe)-1),
	))

	properties.Property("declaring twice yields the union", prop.ForAll(
		func(first, second []int) bool {
			b := New()
			want := map[string]bool{}
			var a, c []string
			for _, m := range first {
				a = append(a, universe[m])
				want[universe[m]] = true
			}
			for _, m := range second {
				c = append(c, universe[m])
				want[universe[m]] = true
			}
			_ = b.DeclareExpectation("A1", a...)
			_ = b.DeclareExpectation("A1", c...)
			got := b.PendingSummary()["A1"]
			if len(got) != len(want) {
				return false
			}
			for _, id := range got {
				if !want[id] {
					return false
				}
			}
			return true
		},
		memberGen,
		memberGen,
	))

	properties.TestingRun(t)
}
