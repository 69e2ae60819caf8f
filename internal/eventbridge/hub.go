package eventbridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/grimoire/internal/participant"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// HubOption customizes Hub construction.
type HubOption func(*Hub)

// Hub delivers outbound envelopes to per-seat subscribers. Envelopes for a
// seat with no live connection wait in a bounded backlog until it connects.
type Hub struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Envelope
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
	clock        func() time.Time
}

// Subscription is one live connection for a seat.
type Subscription struct {
	Envelopes <-chan Envelope
	cancel    func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewHub constructs a hub with sane defaults.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Envelope{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// HubWithLogger injects a logger for drop messages.
func HubWithLogger(logger Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// HubWithSubscriberCapacity overrides the buffered channel size per subscriber.
func HubWithSubscriberCapacity(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.channelSize = n
		}
	}
}

// HubWithBacklogLimit overrides the per-seat backlog size.
func HubWithBacklogLimit(limit int) HubOption {
	return func(h *Hub) {
		if limit > 0 {
			h.backlogLimit = limit
		}
	}
}

// HubWithDedupeWindow controls how many recent envelope ids are retained.
func HubWithDedupeWindow(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.dedupeWindow = size
		}
	}
}

// HubWithClock stamps envelopes from a fixed clock.
func HubWithClock(clock func() time.Time) HubOption {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// Send encodes msg for participantID and routes it. It never blocks on the
// seat.
func (h *Hub) Send(participantID string, msg participant.Message) error {
	if msg.To == "" {
		msg.To = participantID
	}
	env, err := FromMessage(msg, h.clock())
	if err != nil {
		return fmt.Errorf("eventbridge: %s to %s: %w", msg.Type, participantID, err)
	}
	h.Route(env)
	return nil
}

// Subscribe attaches a live connection for seatID, delivers greeting, and
// replays its backlog. A greeting envelope whose id is already waiting in the
// backlog is skipped. Both happen under the hub lock, so nothing routed
// afterwards can overtake them.
func (h *Hub) Subscribe(seatID string, greeting ...Envelope) Subscription {
	seat := normalizeSeat(seatID)
	sub := newSubscriber(h.channelSize, h.logger)
	h.mu.Lock()
	if h.subscribers[seat] == nil {
		h.subscribers[seat] = map[*subscriber]struct{}{}
	}
	h.subscribers[seat][sub] = struct{}{}
	waiting := make(map[string]struct{}, len(h.backlog[seat]))
	for _, env := range h.backlog[seat] {
		waiting[env.ID] = struct{}{}
	}
	for _, env := range greeting {
		if _, queued := waiting[env.ID]; queued && env.ID != "" {
			continue
		}
		sub.deliver(env)
	}
	for _, env := range h.backlog[seat] {
		sub.deliver(env)
	}
	delete(h.backlog, seat)
	h.mu.Unlock()
	return Subscription{
		Envelopes: sub.channel(),
		cancel: func() {
			h.removeSubscriber(seat, sub)
		},
	}
}

// Route delivers env to its seat's subscribers or buffers it.
func (h *Hub) Route(env Envelope) {
	seat := normalizeSeat(env.ParticipantID)
	if seat == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if env.ID != "" && h.isDuplicateLocked(env.ID) {
		return
	}
	subs := h.subscribers[seat]
	if len(subs) == 0 {
		h.bufferLocked(seat, env)
		return
	}
	for sub := range subs {
		sub.deliver(env)
	}
}

// Requeue returns envelopes a broken connection never wrote. They go back to
// the front of the seat backlog unless another live connection already
// received them.
func (h *Hub) Requeue(seatID string, envs []Envelope) {
	seat := normalizeSeat(seatID)
	if seat == "" || len(envs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribers[seat]) > 0 {
		return
	}
	queue := make([]Envelope, 0, len(envs)+len(h.backlog[seat]))
	queue = append(queue, envs...)
	queue = append(queue, h.backlog[seat]...)
	for len(queue) > h.backlogLimit {
		queue = h.dropOneLocked(seat, queue)
	}
	h.backlog[seat] = queue
}

// Connected counts seats with at least one live subscriber.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Backlog returns a copy of what is waiting for seatID.
func (h *Hub) Backlog(seatID string) []Envelope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Envelope(nil), h.backlog[normalizeSeat(seatID)]...)
}

func (h *Hub) removeSubscriber(seat string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subscribers[seat]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, seat)
		}
	}
	sub.close()
}

// bufferLocked appends to the seat backlog. When full, the oldest
// non-critical envelope goes first.
func (h *Hub) bufferLocked(seat string, env Envelope) {
	queue := h.backlog[seat]
	if len(queue) >= h.backlogLimit {
		queue = h.dropOneLocked(seat, queue)
	}
	h.backlog[seat] = append(queue, env)
}

func (h *Hub) dropOneLocked(seat string, queue []Envelope) []Envelope {
	victim := 0
	for i, queued := range queue {
		if !isCritical(queued.Type) {
			victim = i
			break
		}
	}
	if h.logger != nil {
		h.logger.Printf("eventbridge: backlog drop %s for %s (limit %d)", queue[victim].Type, seat, h.backlogLimit)
	}
	return append(queue[:victim:victim], queue[victim+1:]...)
}

func (h *Hub) isDuplicateLocked(id string) bool {
	if _, ok := h.recentIDs[id]; ok {
		return true
	}
	h.recentIDs[id] = struct{}{}
	h.recentOrder = append(h.recentOrder, id)
	if len(h.recentOrder) > h.dedupeWindow {
		oldest := h.recentOrder[0]
		h.recentOrder = h.recentOrder[1:]
		delete(h.recentIDs, oldest)
	}
	return false
}

func normalizeSeat(seatID string) string {
	return strings.TrimSpace(seatID)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Envelope
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Envelope, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Envelope {
	return s.ch
}

// deliver holds the lock so close cannot race a send.
func (s *subscriber) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
		return
	default:
	}
	var oldest Envelope
	select {
	case oldest = <-s.ch:
	default:
		// the reader drained the queue in the meantime
		s.ch <- env
		return
	}
	if shouldDropOldest(oldest, env) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- env
	} else {
		s.ch <- oldest
		s.logDrop(env, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(env Envelope, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("eventbridge: dropped %s for %s (%s)", env.Type, env.ParticipantID, reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Envelope) bool {
	return !isCritical(oldest.Type) || isCritical(incoming.Type)
}

// isCritical marks envelopes a seat cannot recover from missing.
func isCritical(kind string) bool {
	switch kind {
	case participant.MessageActionRequest, participant.MessageGameEnd, participant.MessagePrivateInfo:
		return true
	}
	return false
}
