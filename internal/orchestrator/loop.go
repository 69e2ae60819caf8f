package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/grimoire/internal/authority"
	"github.com/kingrea/grimoire/internal/broker"
	"github.com/kingrea/grimoire/internal/directive"
	"github.com/kingrea/grimoire/internal/state"
)

// ExitReason says why Run returned.
type ExitReason string

const (
	ExitTerminated   ExitReason = "terminated"
	ExitIterationCap ExitReason = "iteration_cap"
	ExitCleared      ExitReason = "cleared"
	ExitCancelled    ExitReason = "cancelled"
)

// Trace kinds written for things that are not directives.
const (
	traceAuthority = "AUTHORITY"
	traceRejected  = "REJECTED"
)

// Outcome summarizes a finished run.
type Outcome struct {
	Reason     ExitReason `json:"reason"`
	Iterations int        `json:"iterations"`
	Winner     string     `json:"winner,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// Run drives the game until a TERMINATE directive, the iteration cap, a
// clear, or ctx cancellation. Pending groups and spawned seat tasks are
// abandoned on the way out.
func (g *Game) Run(ctx context.Context) (Outcome, error) {
	if g.authority == nil {
		return Outcome{}, authority.ErrNoAuthority
	}
	tasks, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		g.broker.Reset()
		clear(g.awaitStart)
	}()

	g.book.Info("game %s started (cap %d iterations)", g.id, g.settings.MaxIterations)
	out := Outcome{}
	for iteration := 1; iteration <= g.settings.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return g.finish(out, ExitCancelled), nil
		}
		if g.store.Cleared() {
			return g.finish(out, ExitCleared), nil
		}
		out.Iterations = iteration
		term, awaited := g.iterate(tasks, iteration)
		g.flush(ctx)
		if term != nil {
			out.Winner = term.Winner
			out.Detail = term.Reason
			return g.finish(out, ExitTerminated), nil
		}
		if g.store.Cleared() {
			return g.finish(out, ExitCleared), nil
		}
		delay := g.settings.IdleDelay
		wake := (<-chan struct{})(nil)
		if len(awaited) > 0 {
			awaited = g.expireAwaits(awaited)
			if g.allComplete(awaited) {
				continue
			}
			delay = g.settings.PollInterval
			wake = g.broker.Changed()
		}
		if !g.pause(ctx, delay, wake) {
			return g.finish(out, ExitCancelled), nil
		}
	}
	return g.finish(out, ExitIterationCap), nil
}

func (g *Game) finish(out Outcome, reason ExitReason) Outcome {
	out.Reason = reason
	switch reason {
	case ExitTerminated:
		g.book.Info("game %s ended after %d iterations: %s wins", g.id, out.Iterations, out.Winner)
	default:
		g.book.Warn("game %s stopped after %d iterations: %s", g.id, out.Iterations, reason)
	}
	return out
}

// iterate runs one snapshot, decide, execute cycle.
func (g *Game) iterate(ctx context.Context, iteration int) (*directive.Termination, []string) {
	ctx, span := g.tracer.Start(ctx, "grimoire.iteration", trace.WithAttributes(
		attribute.String("grimoire.game_id", g.id),
		attribute.Int("grimoire.iteration", iteration),
	))
	defer span.End()

	gc := g.buildContext(iteration)
	batch, err := g.decide(ctx, gc)
	if err != nil {
		g.book.Error("authority failed on iteration %d: %v", iteration, err)
		g.recordTrace(ctx, iteration, -1, traceAuthority, "", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "authority failed")
		return nil, nil
	}
	for _, r := range batch.Rejected {
		g.book.Warn("dropped directive %d on iteration %d: %v", r.Index, iteration, r.Err)
		g.recordTrace(ctx, iteration, r.Index, traceRejected, r.Raw, r.Err)
	}
	span.SetAttributes(attribute.Int("grimoire.directives", len(batch.Directives)))
	return g.execute(ctx, iteration, batch.Directives)
}

// buildContext drains new results, retires groups the authority has now
// seen in full, and snapshots the store.
func (g *Game) buildContext(iteration int) authority.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	results := g.broker.Drain()
	if results == nil {
		results = []broker.Result{}
	}
	g.broker.RetireCompleted()
	snap := g.store.Snapshot(g.settings.RecentEvents)
	return authority.Context{
		GameID:       g.id,
		Iteration:    iteration,
		Phase:        snap.Phase,
		Day:          snap.Day,
		Nominee:      snap.Nominee,
		Participants: snap.Participants,
		RecentEvents: snap.Events,
		Pending:      g.broker.PendingSummary(),
		NewResults:   results,
	}
}

func (g *Game) decide(ctx context.Context, gc authority.Context) (batch authority.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("authority panic: %v", r)
		}
	}()
	return g.authority.Decide(ctx, gc)
}

// execute applies the batch in order under the mutation lock. Each failure
// is logged and traced; the rest of the batch still runs.
func (g *Game) execute(ctx context.Context, iteration int, batch []directive.Directive) (*directive.Termination, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var (
		term    *directive.Termination
		awaited []string
	)
	phase, day := g.store.Phase()
	for i, d := range batch {
		effect, err := g.executeOne(ctx, iteration, i, d)
		if err != nil {
			g.book.Warn("directive %d (%s) on iteration %d: %v", i, kindOf(d), iteration, err)
		}
		awaited = append(awaited, effect.Await...)
		if effect.Terminate != nil && term == nil {
			term = effect.Terminate
		}
	}
	g.announcePhaseLocked(ctx, phase, day)
	return term, awaited
}

func (g *Game) executeOne(ctx context.Context, iteration, index int, d directive.Directive) (effect directive.Effect, err error) {
	ctx, span := g.tracer.Start(ctx, "grimoire.directive", trace.WithAttributes(
		attribute.String("grimoire.kind", kindOf(d)),
		attribute.Int("grimoire.index", index),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("directive panic: %v", r)
			effect = directive.Effect{}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "directive failed")
		}
		span.End()
		g.recordTrace(ctx, iteration, index, kindOf(d), directive.Describe(d), err)
	}()
	return g.interp.Execute(ctx, d)
}

// announcePhaseLocked sends every seat the public table when the batch moved
// the phase or day. The GAME_END message already covers termination.
func (g *Game) announcePhaseLocked(ctx context.Context, phase state.Phase, day int) {
	now, nowDay := g.store.Phase()
	if (now == phase && nowDay == day) || now == state.PhaseTerminated || g.store.Cleared() {
		return
	}
	update := g.stateUpdateLocked("phase change")
	if _, err := g.interp.Execute(ctx, directive.Broadcast{MessageType: update.Type, Payload: update.Payload}); err != nil {
		g.book.Warn("state update after %s: %v", now, err)
	}
}

// expireAwaits retires awaited groups older than AwaitTimeout and returns
// the ids still worth waiting on. A retired group drops out of the pending
// summary, its late results are dropped as uncorrelated, and an
// AWAIT_TIMEOUT event tells the authority who never answered.
func (g *Game) expireAwaits(actionIDs []string) []string {
	now := g.clock()
	var live []string
	for _, id := range actionIDs {
		if g.broker.IsComplete(id) {
			delete(g.awaitStart, id)
			live = append(live, id)
			continue
		}
		started, seen := g.awaitStart[id]
		if !seen {
			started = now
			g.awaitStart[id] = now
		}
		if g.settings.AwaitTimeout <= 0 || now.Sub(started) < g.settings.AwaitTimeout {
			live = append(live, id)
			continue
		}
		g.mu.Lock()
		missing := g.broker.PendingSummary()[id]
		if g.broker.Retire(id) {
			g.store.AppendEvent(state.CategoryAwaitTimeout, map[string]any{
				"action_id": id,
				"missing":   missing,
			})
			g.book.Warn("action %s timed out waiting on %v", id, missing)
		}
		g.mu.Unlock()
		delete(g.awaitStart, id)
	}
	return live
}

func (g *Game) allComplete(actionIDs []string) bool {
	for _, id := range actionIDs {
		if !g.broker.IsComplete(id) {
			return false
		}
	}
	return true
}

// pause sleeps for d, returning early when wake fires. It reports false when
// ctx ends first.
func (g *Game) pause(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}

func kindOf(d directive.Directive) string {
	if d == nil {
		return "NIL"
	}
	return string(d.Kind())
}
