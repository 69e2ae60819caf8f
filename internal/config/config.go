// internal/config/config.go
//
// This package handles configuration and the .grimoire directory structure.
// Every directory a game is hosted from gets a .grimoire/ folder holding the
// config file, logs, the audit database, and participant policies.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// GrimoireDir is the name of the directory we create in each game directory.
	GrimoireDir = ".grimoire"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GRIMOIRE_"

	AuthorityHTTP   = "http"
	AuthorityScript = "script"

	SeatInternal = "internal"
	SeatExternal = "external"

	defaultPolicy = "random"
)

const defaultConfigYAML = `# grimoire game configuration
version: 1

game:
  # id: leave empty for a fresh UUID per run
  seats:
    - {id: p1, name: Ada, role: Imp, kind: internal}
    - {id: p2, name: Bo, role: Chef, kind: internal}
    - {id: p3, name: Cy, role: Empath, kind: internal}
    - {id: p4, name: Di, role: Monk, kind: internal}
    - {id: p5, name: Ed, role: Poisoner, kind: internal}

loop:
  max_iterations: 500
  poll_interval: 250ms
  idle_delay: 1s
  recent_events: 50
  action_timeout: 30s

# kind: script plays a YAML playbook; kind: http posts the game context to url.
authority:
  kind: script
  script: playbook.yaml
  timeout: 60s

bridge:
  disabled: false
  host: 127.0.0.1
  port: 8765
  ping_interval: 30s
  backlog: 50

audit:
  sqlite: state/audit.db

telemetry:
  endpoint: ""

policies_dir: policies
`

// SeatConfig declares one seat.
type SeatConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name,omitempty"`
	Role   string `yaml:"role"`
	Kind   string `yaml:"kind"`
	Policy string `yaml:"policy,omitempty"`
}

// GameConfig names the game and its seating.
type GameConfig struct {
	ID    string       `yaml:"id,omitempty" env:"GAME_ID"`
	Seats []SeatConfig `yaml:"seats"`
}

// LoopConfig bounds the orchestration loop.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	IdleDelay     time.Duration `yaml:"idle_delay" env:"IDLE_DELAY"`
	RecentEvents  int           `yaml:"recent_events" env:"RECENT_EVENTS"`
	ActionTimeout time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT"`
	AwaitTimeout  time.Duration `yaml:"await_timeout,omitempty" env:"AWAIT_TIMEOUT"`
}

// AuthorityConfig selects the decision authority.
type AuthorityConfig struct {
	Kind    string        `yaml:"kind" env:"KIND"`
	URL     string        `yaml:"url,omitempty" env:"URL"`
	Script  string        `yaml:"script,omitempty" env:"SCRIPT"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// BridgeConfig controls the external participant bridge.
type BridgeConfig struct {
	Disabled bool   `yaml:"disabled,omitempty" env:"DISABLED"`
	Host     string `yaml:"host,omitempty" env:"HOST"`
	Port     int    `yaml:"port,omitempty" env:"PORT"`
	// PingInterval is how often connected seats are pinged; a seat that
	// misses two pongs is disconnected.
	PingInterval time.Duration `yaml:"ping_interval,omitempty" env:"PING_INTERVAL"`
	// Backlog bounds the envelopes held for a disconnected seat.
	Backlog int `yaml:"backlog,omitempty" env:"BACKLOG"`
	// DedupeWindow is how many recent envelope ids the hub remembers.
	DedupeWindow int `yaml:"dedupe_window,omitempty" env:"DEDUPE_WINDOW"`
}

// AuditConfig points at the audit database. An empty path disables it.
type AuditConfig struct {
	SQLite string `yaml:"sqlite" env:"SQLITE"`
}

// TelemetryConfig mirrors telemetry.Settings so config stays import-free.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Disabled bool   `yaml:"disabled,omitempty" env:"DISABLED"`
}

// ProjectConfig models .grimoire/config.yaml.
type ProjectConfig struct {
	Version     int             `yaml:"version"`
	Game        GameConfig      `yaml:"game"`
	Loop        LoopConfig      `yaml:"loop" envPrefix:"LOOP_"`
	Authority   AuthorityConfig `yaml:"authority" envPrefix:"AUTHORITY_"`
	Bridge      BridgeConfig    `yaml:"bridge" envPrefix:"BRIDGE_"`
	Audit       AuditConfig     `yaml:"audit" envPrefix:"AUDIT_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
	PoliciesDir string          `yaml:"policies_dir" env:"POLICIES_DIR"`
}

// Config holds the runtime configuration for a hosted game.
type Config struct {
	// ProjectDir is the directory grimoire was started from.
	ProjectDir string

	// GrimoireProjectDir is ProjectDir/.grimoire
	GrimoireProjectDir string

	Project ProjectConfig
}

// InitGrimoireDir creates the .grimoire directory structure in projectDir and
// writes a default config.yaml when none exists.
//
// .grimoire/
// ├── logs/      <- engine and bridge logs
// ├── state/     <- audit database
// └── policies/  <- YAML and Go participant policies
func InitGrimoireDir(projectDir string) error {
	dir := filepath.Join(projectDir, GrimoireDir)
	for _, sub := range []string{"logs", "state", "policies"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(dir, "config.yaml"))
}

// NewConfig loads .grimoire/config.yaml from projectDir, falling back to
// defaults when the file is missing, then applies GRIMOIRE_* overrides.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:         projectDir,
		GrimoireProjectDir: filepath.Join(projectDir, GrimoireDir),
		Project:            defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectConfigPath returns the config.yaml location.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.GrimoireProjectDir, "config.yaml")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.GrimoireProjectDir, "logs")
}

// StateDir returns the path to the state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.GrimoireProjectDir, "state")
}

// PoliciesDir returns the resolved policies directory.
func (c *Config) PoliciesDir() string {
	return c.resolvePath(c.Project.PoliciesDir)
}

// AuditPath returns the resolved audit database path, or "" when disabled.
func (c *Config) AuditPath() string {
	if strings.TrimSpace(c.Project.Audit.SQLite) == "" {
		return ""
	}
	return c.resolvePath(c.Project.Audit.SQLite)
}

// ScriptPath returns the resolved playbook path.
func (c *Config) ScriptPath() string {
	if strings.TrimSpace(c.Project.Authority.Script) == "" {
		return ""
	}
	return c.resolvePath(c.Project.Authority.Script)
}

// BridgeEnabled reports whether the bridge should be started.
func (c *Config) BridgeEnabled() bool {
	return c != nil && !c.Project.Bridge.Disabled
}

// ExternalSeats reports whether any seat needs the bridge.
func (c *Config) ExternalSeats() bool {
	for _, s := range c.Project.Game.Seats {
		if s.Kind == SeatExternal {
			return true
		}
	}
	return false
}

// resolvePath anchors relative paths inside .grimoire.
func (c *Config) resolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.GrimoireProjectDir, p)
}

func defaultProjectConfig() ProjectConfig {
	cfg := ProjectConfig{}
	cfg.applyDefaults()
	return cfg
}

func (p *ProjectConfig) applyDefaults() {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Loop.MaxIterations <= 0 {
		p.Loop.MaxIterations = 500
	}
	if p.Loop.PollInterval <= 0 {
		p.Loop.PollInterval = 250 * time.Millisecond
	}
	if p.Loop.IdleDelay <= 0 {
		p.Loop.IdleDelay = time.Second
	}
	if p.Loop.RecentEvents <= 0 {
		p.Loop.RecentEvents = 50
	}
	if p.Loop.ActionTimeout <= 0 {
		p.Loop.ActionTimeout = 30 * time.Second
	}
	if p.Authority.Kind == "" {
		p.Authority.Kind = AuthorityScript
	}
	if p.Authority.Timeout <= 0 {
		p.Authority.Timeout = 60 * time.Second
	}
	if p.Authority.Kind == AuthorityScript && p.Authority.Script == "" {
		p.Authority.Script = "playbook.yaml"
	}
	if p.PoliciesDir == "" {
		p.PoliciesDir = "policies"
	}
	for i := range p.Game.Seats {
		if p.Game.Seats[i].Kind == "" {
			p.Game.Seats[i].Kind = SeatInternal
		}
		if p.Game.Seats[i].Kind == SeatInternal && p.Game.Seats[i].Policy == "" {
			p.Game.Seats[i].Policy = defaultPolicy
		}
	}
}

func (p *ProjectConfig) normalize() {
	p.Game.ID = strings.TrimSpace(p.Game.ID)
	p.Authority.Kind = strings.ToLower(strings.TrimSpace(p.Authority.Kind))
	p.Authority.URL = strings.TrimSpace(p.Authority.URL)
	p.Authority.Script = strings.TrimSpace(p.Authority.Script)
	p.Bridge.Host = strings.TrimSpace(p.Bridge.Host)
	p.Audit.SQLite = strings.TrimSpace(p.Audit.SQLite)
	p.Telemetry.Endpoint = strings.TrimSpace(p.Telemetry.Endpoint)
	p.PoliciesDir = strings.TrimSpace(p.PoliciesDir)
	for i := range p.Game.Seats {
		s := &p.Game.Seats[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Name = strings.TrimSpace(s.Name)
		s.Role = strings.TrimSpace(s.Role)
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		s.Policy = strings.TrimSpace(s.Policy)
	}
}

func (p ProjectConfig) validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported config version %d", p.Version)
	}
	switch p.Authority.Kind {
	case AuthorityHTTP:
		if p.Authority.URL == "" {
			return errors.New("authority.url is required for kind http")
		}
	case AuthorityScript:
		if p.Authority.Script == "" {
			return errors.New("authority.script is required for kind script")
		}
	default:
		return fmt.Errorf("authority.kind %q must be %s or %s", p.Authority.Kind, AuthorityHTTP, AuthorityScript)
	}
	if p.Loop.AwaitTimeout < 0 {
		return errors.New("loop.await_timeout must not be negative")
	}
	if p.Bridge.Port < 0 || p.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port %d out of range", p.Bridge.Port)
	}
	if p.Bridge.PingInterval < 0 || p.Bridge.Backlog < 0 || p.Bridge.DedupeWindow < 0 {
		return fmt.Errorf("bridge.ping_interval, bridge.backlog and bridge.dedupe_window must not be negative")
	}
	seen := make(map[string]struct{}, len(p.Game.Seats))
	for i, s := range p.Game.Seats {
		if s.ID == "" {
			return fmt.Errorf("game.seats[%d]: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("game.seats[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Role == "" {
			return fmt.Errorf("game.seats[%d]: role is required", i)
		}
		if s.Kind != SeatInternal && s.Kind != SeatExternal {
			return fmt.Errorf("game.seats[%d]: kind %q must be %s or %s", i, s.Kind, SeatInternal, SeatExternal)
		}
	}
	return nil
}

func (c *Config) loadProjectConfig() error {
	data, err := os.ReadFile(c.ProjectConfigPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("config: read %s: %w", c.ProjectConfigPath(), err)
	default:
		parsed := ProjectConfig{}
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", c.ProjectConfigPath(), err)
		}
		c.Project = parsed
	}
	if err := env.ParseWithOptions(&c.Project, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	c.Project.normalize()
	c.Project.applyDefaults()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
