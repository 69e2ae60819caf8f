// Package authority holds the decision-authority clients: the storyteller
// that reads a game context and answers with an ordered directive batch.
package authority

import (
	"context"
	"errors"

	"github.com/kingrea/grimoire/internal/broker"
	"github.com/kingrea/grimoire/internal/directive"
	"github.com/kingrea/grimoire/internal/state"
)

var ErrNoAuthority = errors.New("authority: not configured")

// Context is everything the authority sees for one iteration.
type Context struct {
	GameID       string              `json:"game_id"`
	Iteration    int                 `json:"iteration"`
	Phase        state.Phase         `json:"phase"`
	Day          int                 `json:"day"`
	Nominee      string              `json:"nominee,omitempty"`
	Participants []state.Participant `json:"participants"`
	RecentEvents []state.Event       `json:"recent_events"`
	Pending      map[string][]string `json:"pending"`
	NewResults   []broker.Result     `json:"new_results"`
}

// IsPending reports whether actionID still has outstanding participants.
func (c Context) IsPending(actionID string) bool {
	return len(c.Pending[actionID]) > 0
}

// Batch is one decoded authority response.
type Batch struct {
	Directives []directive.Directive
	Rejected   []directive.Rejection
}

// Authority decides the next directives.
type Authority interface {
	Decide(ctx context.Context, gc Context) (Batch, error)
}

// Func adapts a function into an Authority.
type Func func(ctx context.Context, gc Context) (Batch, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, gc Context) (Batch, error) {
	if f == nil {
		return Batch{}, ErrNoAuthority
	}
	return f(ctx, gc)
}

// Static returns the same directives every time. Useful as a fixture and for
// dry runs from the CLI.
func Static(directives ...directive.Directive) Authority {
	return Func(func(context.Context, Context) (Batch, error) {
		out := make([]directive.Directive, len(directives))
		copy(out, directives)
		return Batch{Directives: out}, nil
	})
}

// Parse decodes a raw response body into a batch.
func Parse(data []byte) (Batch, error) {
	directives, rejected, err := directive.DecodeBatch(data)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Directives: directives, Rejected: rejected}, nil
}
