package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kingrea/grimoire/internal/participant"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("eventbridge: server disabled")

// Server exposes the hub to external seats and feeds their answers back to
// the game.
type Server struct {
	settings Settings
	hub      *Hub
	recorder participant.Recorder
	seats    func(string) bool
	greeter  func(string) []participant.Message
	logger   Logger
	clock    func() time.Time
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
	conns     map[*websocket.Conn]struct{}
}

// Option customizes server construction.
type Option func(*Server)

// WithHub sets the outbound hub served on /seats/{id}.
func WithHub(h *Hub) Option {
	return func(s *Server) {
		if h != nil {
			s.hub = h
		}
	}
}

// WithRecorder routes inbound results. orchestrator.Game satisfies it.
func WithRecorder(r participant.Recorder) Option {
	return func(s *Server) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithSeatFilter rejects connections and results for unknown seats.
func WithSeatFilter(known func(string) bool) Option {
	return func(s *Server) {
		s.seats = known
	}
}

// WithGreeter supplies the messages a seat gets first on every connect.
// orchestrator.Game.Greeting satisfies it.
func WithGreeter(greet func(seat string) []participant.Message) Option {
	return func(s *Server) {
		s.greeter = greet
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	if settings.PingInterval <= 0 {
		settings.PingInterval = DefaultPingInterval
	}
	s := &Server{
		settings: settings,
		hub:      NewHub(),
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
		conns:    map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Hub returns the outbound hub; it doubles as the participant channel.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the bridge routes. Start serves it; tests may mount it on
// httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/results", s.handleResults)
	mux.HandleFunc("/seats/{id}", s.handleSeat)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections, closes seat sockets, and waits
// for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	for conn := range s.conns {
		_ = conn.Close()
	}
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(time.Since(s.startTime).Seconds())
}

func (s *Server) knownSeat(id string) bool {
	return s.seats == nil || s.seats(id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	resp := healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		Seats:         s.hub.Connected(),
		UptimeSeconds: s.uptimeSeconds(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	env.Normalize()
	if err := env.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.knownSeat(env.ParticipantID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown participant"})
		return
	}
	status := "ignored"
	if s.record(env) {
		status = "accepted"
	}
	writeJSON(w, http.StatusAccepted, resultResponse{Status: status, ServerTime: s.now()})
}

// record hands env to the game. Uncorrelated results are dropped there.
func (s *Server) record(env Envelope) bool {
	if s.recorder == nil {
		s.logger.Printf("eventbridge: no recorder for result %s from %s", env.ActionID, env.ParticipantID)
		return false
	}
	return s.recorder.RecordResult(env.ActionID, env.ParticipantID, env.Result())
}

func (s *Server) handleSeat(w http.ResponseWriter, r *http.Request) {
	seat := normalizeSeat(r.PathValue("id"))
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if seat == "" || !s.knownSeat(seat) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown seat"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("eventbridge: upgrade %s: %v", seat, err)
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	sub := s.hub.Subscribe(seat, s.greeting(seat)...)
	s.logger.Printf("eventbridge: seat %s connected", seat)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(conn, seat, sub)
	}()
	s.readLoop(conn, seat)
	sub.Close()
	<-done
	_ = conn.Close()
	s.logger.Printf("eventbridge: seat %s disconnected", seat)
}

func (s *Server) greeting(seat string) []Envelope {
	if s.greeter == nil {
		return nil
	}
	var out []Envelope
	for _, msg := range s.greeter(seat) {
		msg.To = seat
		env, err := FromMessage(msg, s.now())
		if err != nil {
			s.logger.Printf("eventbridge: greeting %s for %s: %v", msg.Type, seat, err)
			continue
		}
		out = append(out, env)
	}
	return out
}

func (s *Server) writeLoop(conn *websocket.Conn, seat string, sub Subscription) {
	ping := time.NewTicker(s.settings.PingInterval)
	defer ping.Stop()
	for {
		select {
		case env, ok := <-sub.Envelopes:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Printf("eventbridge: write %s to %s: %v", env.Type, env.ParticipantID, err)
				s.abandon(conn, seat, sub, env)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				s.logger.Printf("eventbridge: ping: %v", err)
				s.abandon(conn, seat, sub)
				return
			}
		}
	}
}

// abandon closes a broken connection, detaches it from the hub, and hands
// every unwritten envelope back to the seat backlog for the next connection.
func (s *Server) abandon(conn *websocket.Conn, seat string, sub Subscription, unwritten ...Envelope) {
	_ = conn.Close()
	sub.Close()
	for env := range sub.Envelopes {
		unwritten = append(unwritten, env)
	}
	if len(unwritten) > 0 {
		s.logger.Printf("eventbridge: requeued %d envelopes for %s", len(unwritten), seat)
	}
	s.hub.Requeue(seat, unwritten)
}

func (s *Server) readLoop(conn *websocket.Conn, seat string) {
	conn.SetReadLimit(s.settings.MaxBodyBytes)
	pongWait := 2 * s.settings.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("eventbridge: read from %s: %v", seat, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		env.Normalize()
		if env.ParticipantID == "" {
			env.ParticipantID = seat
		}
		if env.ParticipantID != seat {
			s.logger.Printf("eventbridge: seat %s sent a result as %s", seat, env.ParticipantID)
			continue
		}
		if err := env.Validate(); err != nil {
			s.logger.Printf("eventbridge: invalid envelope from %s: %v", seat, err)
			continue
		}
		s.record(env)
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDraining {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
