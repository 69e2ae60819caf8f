package directive

import (
	"strings"

	"github.com/kingrea/grimoire/internal/roles"
	"github.com/kingrea/grimoire/internal/state"
)

// Winners reported by victory evaluation.
const (
	WinnerGood = string(roles.AlignmentGood)
	WinnerEvil = string(roles.AlignmentEvil)
	WinnerNone = "No one"
)

// Verdict is the outcome of a victory check.
type Verdict struct {
	Decided bool   `json:"decided"`
	Winner  string `json:"winner,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// EvaluateVictory applies the Trouble Brewing win conditions, first match wins:
// nobody alive is a draw; every demon dead is a Good win; two or fewer alive
// is an Evil win when a demon is among them and a Good win otherwise; an
// executed Saint is an Evil win.
func EvaluateVictory(snap state.Snapshot, cat *roles.Catalog) Verdict {
	if cat == nil {
		cat = roles.Builtin()
	}
	alive := 0
	demons, demonsAlive := 0, 0
	for _, p := range snap.Participants {
		if p.Alive {
			alive++
		}
		if cat.IsDemon(p.Role) {
			demons++
			if p.Alive {
				demonsAlive++
			}
		}
	}
	switch {
	case alive == 0:
		return Verdict{Decided: true, Winner: WinnerNone, Reason: "no players remain alive"}
	case demons > 0 && demonsAlive == 0:
		return Verdict{Decided: true, Winner: WinnerGood, Reason: "the demon is dead"}
	case alive <= 2 && demonsAlive > 0:
		return Verdict{Decided: true, Winner: WinnerEvil, Reason: "only two players remain with the demon alive"}
	case alive <= 2:
		return Verdict{Decided: true, Winner: WinnerGood, Reason: "only two players remain and no demon is in play"}
	}
	for _, ev := range snap.Events {
		if ev.Category != state.CategoryDeath {
			continue
		}
		role, _ := ev.Payload["role_at_death"].(string)
		reason, _ := ev.Payload["reason"].(string)
		if strings.EqualFold(role, "Saint") && strings.Contains(strings.ToLower(reason), "execut") {
			return Verdict{Decided: true, Winner: WinnerEvil, Reason: "the Saint was executed"}
		}
	}
	return Verdict{}
}
