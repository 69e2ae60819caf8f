package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/grimoire/internal/audit"
	"github.com/kingrea/grimoire/internal/config"
	"github.com/kingrea/grimoire/internal/logbook"
	"github.com/kingrea/grimoire/internal/state"
	"github.com/kingrea/grimoire/internal/tui"
)

var replayCmd = &cobra.Command{
	Use:   "replay [game-id]",
	Short: "Print a recorded game from the audit database",
	Long: `Print a recorded game. Without a game id, list the recorded games.
The audit database is read only; a replayed game is never resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

var watchCmd = &cobra.Command{
	Use:   "watch [game-id]",
	Short: "Follow a game's audit trail in the spectator view",
	Long:  `Follow a game from another process. Without a game id, the most recent game is watched.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	replayCmd.Flags().Bool("json", false, "print events and traces as JSON")
	replayCmd.Flags().Bool("traces", false, "include directive traces")
	watchCmd.Flags().Duration("interval", time.Second, "how often to poll the audit database")
}

func openReader(cmd *cobra.Command) (*audit.SQLite, error) {
	dir, err := projectDir(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return nil, err
	}
	path := cfg.AuditPath()
	if path == "" {
		return nil, errors.New("audit.sqlite is not configured")
	}
	return audit.OpenSQLite(path)
}

func runReplay(cmd *cobra.Command, args []string) error {
	db, err := openReader(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		games, err := db.Games(ctx)
		if err != nil {
			return err
		}
		for _, id := range games {
			fmt.Fprintln(out, id)
		}
		return nil
	}
	gameID := args[0]
	events, err := db.Events(ctx, gameID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for game %s", gameID)
	}
	withTraces, _ := cmd.Flags().GetBool("traces")
	var traces []audit.Trace
	if withTraces {
		if traces, err = db.Traces(ctx, gameID); err != nil {
			return err
		}
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			GameID string         `json:"game_id"`
			Final  state.Snapshot `json:"final"`
			Traces []audit.Trace  `json:"traces,omitempty"`
		}{gameID, state.Replay(events, 0), traces})
	}
	printReplay(out, gameID, events, traces)
	return nil
}

func printReplay(w io.Writer, gameID string, events []state.Event, traces []audit.Trace) {
	fmt.Fprintf(w, "game %s\n\n", gameID)
	for _, ev := range events {
		fmt.Fprintf(w, "#%-4d %s %-18s %s\n", ev.Seq, ev.At.Format(time.RFC3339), ev.Category, payloadLine(ev.Payload))
	}
	if len(traces) > 0 {
		fmt.Fprintln(w, "\ntraces")
		for _, tr := range traces {
			status := "ok"
			if tr.Failed() {
				status = "FAILED: " + tr.Error
			}
			fmt.Fprintf(w, "  it %-3d #%-2d %-16s %s\n", tr.Iteration, tr.Index, tr.Kind, status)
		}
	}
	final := state.Replay(events, 0)
	fmt.Fprintf(w, "\nfinal: %s day %d\n", final.Phase, final.Day)
	for _, p := range final.Participants {
		life := "alive"
		if !p.Alive {
			life = "dead"
		}
		fmt.Fprintf(w, "  %-6s %-12s %-16s %-5s %s\n", p.ID, p.Name, p.Role, p.Alignment, life)
	}
}

func payloadLine(payload map[string]any) string {
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

func runWatch(cmd *cobra.Command, args []string) error {
	db, err := openReader(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := cmd.Context()
	gameID := ""
	if len(args) == 1 {
		gameID = args[0]
	} else {
		games, err := db.Games(ctx)
		if err != nil {
			return err
		}
		if len(games) == 0 {
			return errors.New("no games recorded yet")
		}
		gameID = games[len(games)-1]
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	src := &auditSource{ctx: ctx, reader: db, gameID: gameID, book: logbook.Memory()}
	program := tea.NewProgram(
		tui.New(src, tui.WithRefreshInterval(interval), tui.WithTitle("✦ GRIMOIRE · watching "+gameID)),
		tea.WithAltScreen(),
	)
	_, err = program.Run()
	return err
}

// auditSource rebuilds a game's view from its recorded events. Pending
// actions are not recorded, so none are shown.
type auditSource struct {
	ctx    context.Context
	reader audit.Reader
	gameID string
	book   *logbook.Logbook

	mu      sync.Mutex
	lastErr string
}

func (a *auditSource) Snapshot() state.Snapshot {
	events, err := a.reader.Events(a.ctx, a.gameID)
	if err != nil {
		a.noteError(err)
		return state.Snapshot{}
	}
	return state.Replay(events, 50)
}

func (a *auditSource) Pending() map[string][]string { return nil }

func (a *auditSource) Logbook() *logbook.Logbook { return a.book }

// noteError logs each distinct read failure once.
func (a *auditSource) noteError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err.Error() == a.lastErr {
		return
	}
	a.lastErr = err.Error()
	a.book.Error("audit read: %v", err)
}
