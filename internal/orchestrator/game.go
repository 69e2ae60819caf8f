// Package orchestrator runs one game: it owns the store, broker, seats, and
// interpreter, asks the decision authority for directives each iteration, and
// applies them in order. A Game is the only context object; nothing here is
// process-wide.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/grimoire/internal/audit"
	"github.com/kingrea/grimoire/internal/authority"
	"github.com/kingrea/grimoire/internal/broker"
	"github.com/kingrea/grimoire/internal/directive"
	"github.com/kingrea/grimoire/internal/logbook"
	"github.com/kingrea/grimoire/internal/participant"
	"github.com/kingrea/grimoire/internal/roles"
	"github.com/kingrea/grimoire/internal/state"
	"github.com/kingrea/grimoire/internal/telemetry"
)

// Settings bound the loop.
type Settings struct {
	MaxIterations int
	PollInterval  time.Duration
	IdleDelay     time.Duration
	RecentEvents  int
	ActionTimeout time.Duration
	// AwaitTimeout retires an awaited group that is still incomplete after
	// this long. Zero leaves stragglers to the authority.
	AwaitTimeout time.Duration
}

// DefaultSettings returns the loop bounds used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations: 500,
		PollInterval:  250 * time.Millisecond,
		IdleDelay:     time.Second,
		RecentEvents:  50,
		ActionTimeout: 30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.IdleDelay <= 0 {
		s.IdleDelay = d.IdleDelay
	}
	if s.RecentEvents <= 0 {
		s.RecentEvents = d.RecentEvents
	}
	if s.ActionTimeout <= 0 {
		s.ActionTimeout = d.ActionTimeout
	}
	if s.AwaitTimeout < 0 {
		s.AwaitTimeout = 0
	}
	return s
}

// SeatSpec describes one seat at setup time.
type SeatSpec struct {
	Seat   state.Seat
	Kind   participant.Kind
	Policy participant.Policy
}

// Game is one running game instance.
type Game struct {
	id        string
	settings  Settings
	authority authority.Authority
	channel   participant.Channel
	policy    participant.Policy
	catalog   *roles.Catalog
	sink      audit.Sink
	book      *logbook.Logbook
	tracer    trace.Tracer
	clock     func() time.Time
	observers []func(state.Event)

	// mu is the mutation lock: batches execute and snapshots are built under it.
	mu     sync.Mutex
	store  *state.Store
	broker *broker.Broker
	roster *participant.Roster
	interp *directive.Interpreter

	flushMu    sync.Mutex
	flushedSeq int64

	// awaitStart is owned by the Run goroutine.
	awaitStart map[string]time.Time
}

// Option customizes a Game.
type Option func(*Game)

// WithID fixes the game id (a UUID by default).
func WithID(id string) Option {
	return func(g *Game) {
		if id != "" {
			g.id = id
		}
	}
}

// WithSettings overrides loop bounds. Zero fields keep their defaults.
func WithSettings(s Settings) Option {
	return func(g *Game) {
		g.settings = s.withDefaults()
	}
}

// WithChannel sets the transport for external seats.
func WithChannel(ch participant.Channel) Option {
	return func(g *Game) {
		g.channel = ch
	}
}

// WithDefaultPolicy answers for internal seats that bring no policy.
func WithDefaultPolicy(p participant.Policy) Option {
	return func(g *Game) {
		if p != nil {
			g.policy = p
		}
	}
}

// WithCatalog overrides the built-in role catalog.
func WithCatalog(cat *roles.Catalog) Option {
	return func(g *Game) {
		if cat != nil {
			g.catalog = cat
		}
	}
}

// WithSink records events and directive traces.
func WithSink(s audit.Sink) Option {
	return func(g *Game) {
		if s != nil {
			g.sink = s
		}
	}
}

// WithLogbook routes game diagnostics.
func WithLogbook(b *logbook.Logbook) Option {
	return func(g *Game) {
		if b != nil {
			g.book = b
		}
	}
}

// WithTracer replaces the global engine tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Game) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(g *Game) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithEventObserver sees every store event as it is appended. Observers run
// under the store lock and must not call back into the game.
func WithEventObserver(fn func(state.Event)) Option {
	return func(g *Game) {
		if fn != nil {
			g.observers = append(g.observers, fn)
		}
	}
}

// New assembles a game around an authority.
func New(auth authority.Authority, opts ...Option) *Game {
	g := &Game{
		id:        uuid.NewString(),
		settings:  DefaultSettings(),
		authority: auth,
		policy:    participant.NewRandomPolicy(time.Now().UnixNano()),
		catalog:   roles.Builtin(),
		sink:      audit.Discard{},
		tracer:    telemetry.Tracer(),
		clock:     func() time.Time { return time.Now().UTC() },

		awaitStart: map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.book == nil {
		g.book = logbook.Memory()
	}
	storeOpts := []state.Option{state.WithCatalog(g.catalog), state.WithClock(g.clock)}
	for _, fn := range g.observers {
		storeOpts = append(storeOpts, state.WithObserver(fn))
	}
	g.store = state.NewStore(storeOpts...)
	g.broker = broker.New(broker.WithLogger(g.book), broker.WithClock(g.clock))
	g.roster = participant.NewRoster()
	g.interp = directive.NewInterpreter(g.store, g.broker, g.roster,
		directive.WithLogger(g.book),
		directive.WithSeatFactory(g.adapterFor),
	)
	return g
}

// ID returns the game id.
func (g *Game) ID() string { return g.id }

// Logbook exposes the game log.
func (g *Game) Logbook() *logbook.Logbook { return g.book }

// Setup seats every participant, registers its adapter, and tells each seat
// its own role.
func (g *Game) Setup(ctx context.Context, seats []SeatSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, spec := range seats {
		adapter, err := g.adapterForSpec(spec)
		if err != nil {
			return err
		}
		if _, err := g.store.AddParticipant(spec.Seat); err != nil {
			return fmt.Errorf("orchestrator: seat %s: %w", spec.Seat.ID, err)
		}
		if err := g.roster.Register(adapter); err != nil {
			return fmt.Errorf("orchestrator: seat %s: %w", spec.Seat.ID, err)
		}
	}
	for _, adapter := range g.roster.All() {
		msg, ok := g.privateInfoLocked(adapter.ID())
		if !ok {
			continue
		}
		if err := adapter.Deliver(ctx, msg); err != nil {
			g.book.Warn("private info for %s: %v", adapter.ID(), err)
		}
	}
	g.book.Info("game %s seated %d participants", g.id, g.roster.Len())
	g.flush(ctx)
	return nil
}

// Greeting is what a seat receives first on every (re)connect: its private
// role message, then the public table. The private message keeps a stable id
// so a copy still waiting in a backlog is not sent twice.
func (g *Game) Greeting(seat string) []participant.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg, ok := g.privateInfoLocked(seat)
	if !ok {
		return nil
	}
	update := g.stateUpdateLocked("reconnected")
	update.To = seat
	return []participant.Message{msg, update}
}

func (g *Game) privateInfoLocked(seat string) (participant.Message, bool) {
	p, ok := g.store.Participant(seat)
	if !ok {
		return participant.Message{}, false
	}
	role, _ := g.catalog.Lookup(p.Role)
	return participant.Message{
		ID:   g.id + "-private-" + seat,
		Type: participant.MessagePrivateInfo,
		To:   seat,
		Payload: map[string]any{
			"participant_id": p.ID,
			"name":           p.Name,
			"role":           p.Role,
			"alignment":      string(p.Alignment),
			"description":    role.Description,
		},
	}, true
}

// stateUpdateLocked builds the public table: no roles, no statuses.
func (g *Game) stateUpdateLocked(reason string) participant.Message {
	snap := g.store.Snapshot(1)
	players := make([]map[string]any, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		players = append(players, map[string]any{"id": p.ID, "name": p.Name, "alive": p.Alive})
	}
	return participant.Message{
		ID:   uuid.NewString(),
		Type: participant.MessageStateUpdate,
		Payload: map[string]any{
			"phase":   string(snap.Phase),
			"day":     snap.Day,
			"nominee": snap.Nominee,
			"players": players,
			"reason":  reason,
		},
	}
}

func (g *Game) adapterForSpec(spec SeatSpec) (participant.Adapter, error) {
	switch spec.Kind {
	case participant.KindExternal:
		return g.adapterFor(spec.Seat, true)
	case participant.KindInternal, "":
		policy := spec.Policy
		if policy == nil {
			policy = g.policy
		}
		return participant.NewInternal(spec.Seat.ID, policy, participant.WithTimeout(g.settings.ActionTimeout)), nil
	default:
		return nil, fmt.Errorf("orchestrator: seat %s: unknown kind %q", spec.Seat.ID, spec.Kind)
	}
}

func (g *Game) adapterFor(seat state.Seat, external bool) (participant.Adapter, error) {
	if !external {
		return participant.NewInternal(seat.ID, g.policy, participant.WithTimeout(g.settings.ActionTimeout)), nil
	}
	if g.channel == nil {
		return nil, fmt.Errorf("%w for external seat %s", participant.ErrNoChannel, seat.ID)
	}
	return participant.NewExternal(seat.ID, g.channel), nil
}

// RecordResult accepts a result from any goroutine. The broker serializes it
// against the loop's completion checks.
func (g *Game) RecordResult(actionID, participantID string, result broker.Result) bool {
	return g.broker.RecordResult(actionID, participantID, result)
}

// HasSeat reports whether id is seated. The bridge uses it to turn away
// strangers.
func (g *Game) HasSeat(id string) bool {
	_, ok := g.roster.Get(id)
	return ok
}

// Snapshot returns a consistent view of the game.
func (g *Game) Snapshot() state.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Snapshot(g.settings.RecentEvents)
}

// Pending lists outstanding participants per open action.
func (g *Game) Pending() map[string][]string {
	return g.broker.PendingSummary()
}

// Clear drops the game state; a running loop stops at its next check.
func (g *Game) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.Clear()
	g.book.Warn("game %s cleared", g.id)
}

// flush forwards events the sink has not seen yet.
func (g *Game) flush(ctx context.Context) {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()
	for _, ev := range g.store.Events(g.flushedSeq) {
		if err := g.sink.RecordEvent(ctx, g.id, ev); err != nil {
			g.book.Warn("audit: event %d: %v", ev.Seq, err)
		}
		g.flushedSeq = ev.Seq
	}
}

func (g *Game) recordTrace(ctx context.Context, iteration, index int, kind, detail string, err error) {
	tr := audit.Trace{
		GameID:    g.id,
		Iteration: iteration,
		Index:     index,
		Kind:      kind,
		Detail:    detail,
		At:        g.clock(),
	}
	if err != nil {
		tr.Error = err.Error()
	}
	if serr := g.sink.RecordTrace(ctx, tr); serr != nil {
		g.book.Warn("audit: trace %d/%d: %v", iteration, index, serr)
	}
}
