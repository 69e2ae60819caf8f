package eventbridge

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/grimoire/internal/config"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 1 << 20
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 15 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	// DefaultPingInterval keeps idle seat sockets alive through proxies.
	DefaultPingInterval = 30 * time.Second
	DefaultSeatBacklog  = defaultBacklogLimit
	DefaultDedupeWindow = defaultDedupeWindow
)

// Settings is the bridge's runtime configuration. HTTP timeouts cover
// /health and /results; seat sockets use WriteTimeout per frame and
// PingInterval for liveness.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration
	SeatBacklog  int
	DedupeWindow int
}

// DefaultSettings returns an enabled bridge on the loopback interface.
func DefaultSettings() Settings {
	s := Settings{Enabled: true}
	s.normalize()
	return s
}

// SettingsFromConfig builds Settings from the game's .grimoire config.
// GRIMOIRE_BRIDGE_* overrides are already applied by config.NewConfig.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{Enabled: true}
	if cfg != nil {
		b := cfg.Project.Bridge
		s.Enabled = cfg.BridgeEnabled()
		s.Host = b.Host
		s.Port = b.Port
		s.PingInterval = b.PingInterval
		s.SeatBacklog = b.Backlog
		s.DedupeWindow = b.DedupeWindow
	}
	s.normalize()
	return s
}

// HubOptions sizes a hub to match these settings.
func (s Settings) HubOptions() []HubOption {
	return []HubOption{HubWithBacklogLimit(s.SeatBacklog), HubWithDedupeWindow(s.DedupeWindow)}
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port <= 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s.ReadTimeout = orDefault(s.ReadTimeout, DefaultReadTimeout)
	s.WriteTimeout = orDefault(s.WriteTimeout, DefaultWriteTimeout)
	s.IdleTimeout = orDefault(s.IdleTimeout, DefaultIdleTimeout)
	s.PingInterval = orDefault(s.PingInterval, DefaultPingInterval)
	if s.SeatBacklog <= 0 {
		s.SeatBacklog = DefaultSeatBacklog
	}
	if s.DedupeWindow <= 0 {
		s.DedupeWindow = DefaultDedupeWindow
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

// SeatURL returns the websocket URL a seat client dials.
func (s Settings) SeatURL(seat string) string {
	return "ws://" + s.Address() + "/seats/" + seat
}
