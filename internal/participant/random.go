package participant

import (
	"context"
	"math/rand"
	"sync"
)

// Action categories the engine knows by name. Others pass through opaquely.
const (
	CategoryNightChoice   = "NIGHT_CHOICE"
	CategoryNomination    = "NOMINATION"
	CategoryVote          = "VOTE"
	CategoryCommunication = "COMMUNICATION"
)

// RandomPolicy answers any request with a plausible random choice. Targets
// come from context["candidates"], falling back to context["alive"], and
// never include the asking seat.
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy seeds a policy. Equal seeds give equal answers.
func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

// Decide implements Policy.
func (p *RandomPolicy) Decide(ctx context.Context, req Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch req.Category {
	case CategoryVote:
		return map[string]any{"vote": p.rng.Intn(2) == 1}, nil
	case CategoryCommunication:
		return map[string]any{"message": "I have nothing to share yet."}, nil
	}
	targets := Candidates(req)
	if len(targets) == 0 {
		return map[string]any{"pass": true}, nil
	}
	return map[string]any{"target": targets[p.rng.Intn(len(targets))]}, nil
}

// Candidates lists the seats a request may target, excluding the asker.
func Candidates(req Request) []string {
	raw, ok := req.Context["candidates"]
	if !ok {
		raw = req.Context["alive"]
	}
	var ids []string
	switch v := raw.(type) {
	case []string:
		ids = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	out := ids[:0:0]
	for _, id := range ids {
		if id != req.ParticipantID {
			out = append(out, id)
		}
	}
	return out
}
