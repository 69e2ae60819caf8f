package directive

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/grimoire/internal/broker"
	"github.com/kingrea/grimoire/internal/participant"
	"github.com/kingrea/grimoire/internal/state"
)

// Logger receives interpreter diagnostics. logbook.Logbook satisfies it.
type Logger interface {
	Info(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// SeatFactory builds an adapter for a participant seated mid-game.
type SeatFactory func(seat state.Seat, external bool) (participant.Adapter, error)

// Termination is the end-of-game verdict carried out of a batch.
type Termination struct {
	Winner string `json:"winner"`
	Reason string `json:"reason,omitempty"`
}

// Effect reports what a directive asks of the loop.
type Effect struct {
	Await     []string
	Terminate *Termination
}

// Interpreter applies directives to one game's store, broker, and seats.
// Execute is not safe for concurrent use; the loop serializes batches.
type Interpreter struct {
	store  *state.Store
	broker *broker.Broker
	roster *participant.Roster
	seats  SeatFactory
	logger Logger
}

// Option customizes an Interpreter.
type Option func(*Interpreter)

// WithLogger routes REPORT directives and delivery notes to l.
func WithLogger(l Logger) Option {
	return func(in *Interpreter) {
		if l != nil {
			in.logger = l
		}
	}
}

// WithSeatFactory enables participant mutations to register adapters.
func WithSeatFactory(f SeatFactory) Option {
	return func(in *Interpreter) {
		in.seats = f
	}
}

// NewInterpreter binds an interpreter to a game's collaborators.
func NewInterpreter(store *state.Store, b *broker.Broker, roster *participant.Roster, opts ...Option) *Interpreter {
	in := &Interpreter{store: store, broker: b, roster: roster, logger: nopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	return in
}

// Execute applies one directive. Errors never leave partial state behind for
// mutations; for deliveries they report which seats were missed.
func (in *Interpreter) Execute(ctx context.Context, d Directive) (Effect, error) {
	switch v := d.(type) {
	case StatusMutation:
		return Effect{}, in.store.UpdateStatus(v.ParticipantID, v.Key, v.Value)
	case AliveMutation:
		return Effect{}, in.store.SetAlive(v.ParticipantID, v.Alive, v.Reason)
	case PhaseMutation:
		phase := v.Phase
		if phase == "" {
			phase, _ = in.store.Phase()
		}
		in.store.SetPhase(phase, v.Day)
		return Effect{}, nil
	case NameMutation:
		return Effect{}, in.store.SetName(v.ParticipantID, v.Name)
	case NomineeMutation:
		return Effect{}, in.store.SetNominee(v.ParticipantID)
	case BluffsMutation:
		return Effect{}, in.store.SetDemonBluffs(v.Roles)
	case RedHerringMutation:
		return Effect{}, in.store.SetRedHerring(v.ParticipantID)
	case ParticipantMutation:
		return Effect{}, in.seat(v)
	case EventMutation:
		in.store.AppendEvent(v.Category, v.Payload)
		return Effect{}, nil
	case Broadcast:
		return Effect{}, in.broadcast(ctx, v.MessageType, v.Payload, v.Exclude)
	case PersonalDeliver:
		return Effect{}, in.deliver(ctx, v)
	case RequestAction:
		return Effect{}, in.request(ctx, v)
	case Await:
		return in.await(v)
	case Terminate:
		return in.terminate(ctx, Termination{Winner: v.Winner, Reason: v.Reason})
	case CheckVictory:
		return in.checkVictory(ctx)
	case Report:
		in.logger.Error("authority reported: %s", v.Message)
		in.store.AppendEvent(state.CategoryStorytellerNote, map[string]any{"message": v.Message, "details": v.Details})
		return Effect{}, nil
	case nil:
		return Effect{}, fmt.Errorf("%w: nil directive", ErrMalformed)
	default:
		return Effect{}, fmt.Errorf("%w: %T", ErrUnknownKind, d)
	}
}

func (in *Interpreter) seat(m ParticipantMutation) error {
	if in.store.Has(m.Seat.ID) {
		return fmt.Errorf("%w: %s", state.ErrDuplicateParticipant, m.Seat.ID)
	}
	_, registered := in.roster.Get(m.Seat.ID)
	var adapter participant.Adapter
	if !registered && in.seats != nil {
		a, err := in.seats(m.Seat, m.External)
		if err != nil {
			return fmt.Errorf("directive: seat %s: %w", m.Seat.ID, err)
		}
		adapter = a
	}
	if _, err := in.store.AddParticipant(m.Seat); err != nil {
		return err
	}
	if adapter != nil {
		if err := in.roster.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) broadcast(ctx context.Context, messageType string, payload any, exclude []string) error {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var errs []error
	for _, a := range in.roster.All() {
		if _, ok := skip[a.ID()]; ok {
			continue
		}
		msg := participant.Message{Type: messageType, Payload: payload}
		if err := a.Deliver(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDelivery, errors.Join(errs...))
	}
	return nil
}

func (in *Interpreter) deliver(ctx context.Context, d PersonalDeliver) error {
	a, ok := in.roster.Get(d.ParticipantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, d.ParticipantID)
	}
	if err := a.Deliver(ctx, participant.Message{Type: d.MessageType, Payload: d.Payload}); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}

func (in *Interpreter) request(ctx context.Context, r RequestAction) error {
	a, ok := in.roster.Get(r.ParticipantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, r.ParticipantID)
	}
	if err := in.broker.DeclareExpectation(r.ActionID, r.ParticipantID); err != nil {
		return err
	}
	req := participant.Request{
		ActionID:      r.ActionID,
		ParticipantID: r.ParticipantID,
		Category:      r.Category,
		Context:       in.requestContext(r),
	}
	if err := a.Request(ctx, req, in.broker); err != nil {
		// the seat will never answer; record the failure so the group can complete
		in.broker.RecordResult(r.ActionID, r.ParticipantID, broker.ErrorResult(err))
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}

// requestContext fills in what a policy needs to pick targets when the
// authority left it out.
func (in *Interpreter) requestContext(r RequestAction) map[string]any {
	out := make(map[string]any, len(r.Context)+3)
	for k, v := range r.Context {
		out[k] = v
	}
	snap := in.store.Snapshot(1)
	if _, ok := out["alive"]; !ok {
		out["alive"] = snap.AliveIDs()
	}
	if _, ok := out["phase"]; !ok {
		out["phase"] = string(snap.Phase)
	}
	if _, ok := out["day"]; !ok {
		out["day"] = snap.Day
	}
	return out
}

func (in *Interpreter) await(a Await) (Effect, error) {
	var unknown []string
	for _, id := range a.Expected {
		if !in.store.Has(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return Effect{}, fmt.Errorf("%w: %v", ErrUnknownTarget, unknown)
	}
	if err := in.broker.DeclareExpectation(a.ActionID, a.Expected...); err != nil {
		return Effect{}, err
	}
	return Effect{Await: []string{a.ActionID}}, nil
}

func (in *Interpreter) terminate(ctx context.Context, t Termination) (Effect, error) {
	in.store.AppendEvent(state.CategoryGameOver, map[string]any{"winner": t.Winner, "reason": t.Reason})
	in.store.SetPhase(state.PhaseTerminated, -1)
	in.logger.Info("game over: %s wins (%s)", t.Winner, t.Reason)
	err := in.broadcast(ctx, participant.MessageGameEnd, map[string]any{"winner": t.Winner, "reason": t.Reason}, nil)
	return Effect{Terminate: &t}, err
}

func (in *Interpreter) checkVictory(ctx context.Context) (Effect, error) {
	verdict := EvaluateVictory(in.store.Snapshot(0), in.store.Catalog())
	payload := map[string]any{"decided": verdict.Decided}
	if verdict.Decided {
		payload["winner"] = verdict.Winner
		payload["reason"] = verdict.Reason
	}
	in.store.AppendEvent(state.CategoryVictoryCheck, payload)
	if !verdict.Decided {
		return Effect{}, nil
	}
	return in.terminate(ctx, Termination{Winner: verdict.Winner, Reason: verdict.Reason})
}
