// internal/tui/spectator.go
//
// The spectator is a read-only bubbletea view of a running game. It follows
// The Elm Architecture like any bubbletea program:
//
// 1. Model: the latest snapshot, pending actions, and log tail
// 2. Update: refresh ticks, key presses, and the final outcome
// 3. View: grimoire panel, event viewport, and log panel

package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/grimoire/internal/logbook"
	"github.com/kingrea/grimoire/internal/roles"
	"github.com/kingrea/grimoire/internal/state"
)

const (
	defaultRefreshInterval = 500 * time.Millisecond
	logPanelLines          = 8
)

// Source is what the spectator watches. orchestrator.Game satisfies it.
type Source interface {
	Snapshot() state.Snapshot
	Pending() map[string][]string
	Logbook() *logbook.Logbook
}

// FinishedMsg tells the spectator the loop has returned.
type FinishedMsg struct {
	Summary string
}

type refreshMsg time.Time

// Option customizes the spectator.
type Option func(*Spectator)

// WithRefreshInterval changes how often the source is polled.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Spectator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTitle overrides the header text.
func WithTitle(title string) Option {
	return func(s *Spectator) {
		if strings.TrimSpace(title) != "" {
			s.title = title
		}
	}
}

// Spectator is the bubbletea model.
type Spectator struct {
	source   Source
	interval time.Duration
	title    string

	snap    state.Snapshot
	pending map[string][]string
	logs    []logbook.Entry
	events  viewport.Model
	summary string
	follow  bool

	width  int
	height int
}

// New builds a spectator over src.
func New(src Source, opts ...Option) *Spectator {
	s := &Spectator{
		source:   src,
		interval: defaultRefreshInterval,
		title:    "✦ GRIMOIRE",
		events:   viewport.New(80, 12),
		follow:   true,
		width:    100,
		height:   32,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.refresh()
	return s
}

// Init starts the refresh ticker.
func (s *Spectator) Init() tea.Cmd {
	return s.tick()
}

func (s *Spectator) tick() tea.Cmd {
	return tea.Tick(s.interval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update handles ticks, keys, window sizes, and the finish message.
func (s *Spectator) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return s, tea.Quit
		case "f":
			s.follow = !s.follow
			if s.follow {
				s.events.GotoBottom()
			}
			return s, nil
		}
		var cmd tea.Cmd
		s.events, cmd = s.events.Update(msg)
		s.follow = s.events.AtBottom()
		return s, cmd
	case tea.WindowSizeMsg:
		s.width, s.height = msg.Width, msg.Height
		s.resize()
		return s, nil
	case refreshMsg:
		s.refresh()
		if s.summary != "" {
			return s, nil
		}
		return s, s.tick()
	case FinishedMsg:
		s.summary = msg.Summary
		s.refresh()
		return s, nil
	}
	return s, nil
}

func (s *Spectator) resize() {
	w := max(40, s.width-4)
	// header, grimoire panel, log panel, and footer take the rest
	h := s.height - len(s.snap.Participants) - logPanelLines - 12
	s.events.Width = w
	s.events.Height = max(4, h)
	s.events.SetContent(s.renderEvents())
}

func (s *Spectator) refresh() {
	if s.source == nil {
		return
	}
	s.snap = s.source.Snapshot()
	s.pending = s.source.Pending()
	if book := s.source.Logbook(); book != nil {
		s.logs = book.Tail(logPanelLines)
	}
	s.events.SetContent(s.renderEvents())
	if s.follow {
		s.events.GotoBottom()
	}
}

// View renders the whole screen.
func (s *Spectator) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render(s.title)
	phase := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("%s · day %d", s.snap.Phase, s.snap.Day))

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)

	sections := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, header, "  ", phase),
		box.Render(s.renderGrimoire()),
		box.Render(s.panelTitle("EVENTS") + "\n" + s.events.View()),
	}
	if logs := s.renderLogs(); logs != "" {
		sections = append(sections, box.Render(s.panelTitle("LOG")+"\n"+logs))
	}
	footer := "q quit · ↑/↓ scroll · f follow"
	if s.summary != "" {
		footer = s.summary + " · " + footer
	}
	sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render(footer))
	return strings.Join(sections, "\n")
}

func (s *Spectator) panelTitle(text string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Render(text)
}

func (s *Spectator) renderGrimoire() string {
	if s.snap.Cleared {
		return "game cleared"
	}
	if len(s.snap.Participants) == 0 {
		return "no one is seated yet"
	}
	dead := lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).Strikethrough(true)
	evil := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	good := lipgloss.NewStyle().Foreground(lipgloss.Color("#7FD77F"))
	waiting := s.waitingOn()

	lines := []string{s.panelTitle("GRIMOIRE")}
	for _, p := range s.snap.Participants {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		line := fmt.Sprintf("%-6s %-12s %-16s %s", p.ID, name, p.Role, formatStatuses(p.Statuses))
		if p.ID == s.snap.Nominee {
			line += " ← nominated"
		}
		if actions := waiting[p.ID]; len(actions) > 0 {
			line += fmt.Sprintf(" ⏳ %s", strings.Join(actions, ","))
		}
		switch {
		case !p.Alive:
			line = dead.Render(line)
		case p.Alignment == roles.AlignmentEvil:
			line = evil.Render(line)
		default:
			line = good.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// waitingOn inverts the pending summary to seat → action ids.
func (s *Spectator) waitingOn() map[string][]string {
	out := map[string][]string{}
	for action, ids := range s.pending {
		for _, id := range ids {
			out[id] = append(out[id], action)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

func (s *Spectator) renderEvents() string {
	if len(s.snap.Events) == 0 {
		return "no events yet"
	}
	lines := make([]string, 0, len(s.snap.Events))
	for _, ev := range s.snap.Events {
		lines = append(lines, fmt.Sprintf("#%-4d %-18s %s", ev.Seq, ev.Category, formatPayload(ev.Payload)))
	}
	return strings.Join(lines, "\n")
}

func (s *Spectator) renderLogs() string {
	if len(s.logs) == 0 {
		return ""
	}
	lines := make([]string, len(s.logs))
	for i, e := range s.logs {
		lines[i] = e.String()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render(strings.Join(lines, "\n"))
}

func formatStatuses(statuses map[string]any) string {
	if len(statuses) == 0 {
		return ""
	}
	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := statuses[k].(type) {
		case bool:
			if v {
				parts = append(parts, k)
			}
		case nil:
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}
