package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/grimoire/internal/audit"
	"github.com/kingrea/grimoire/internal/authority"
	"github.com/kingrea/grimoire/internal/config"
	"github.com/kingrea/grimoire/internal/eventbridge"
	"github.com/kingrea/grimoire/internal/logbook"
	"github.com/kingrea/grimoire/internal/logging"
	"github.com/kingrea/grimoire/internal/orchestrator"
	"github.com/kingrea/grimoire/internal/participant"
	"github.com/kingrea/grimoire/internal/state"
	"github.com/kingrea/grimoire/internal/telemetry"
	"github.com/kingrea/grimoire/internal/tui"
	"github.com/kingrea/grimoire/plugins"
)

const serviceName = "grimoire"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play a game from .grimoire/config.yaml",
	Long: `Play a game. The decision authority configured under authority: drives
the loop; external seats connect to the bridge at /seats/{id}.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("tui", false, "show the spectator view while the game runs")
	runCmd.Flags().String("game-id", "", "override game.id")
	runCmd.Flags().Int64("seed", 0, "seed for random policies (0 uses the clock)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}
	withTUI, _ := cmd.Flags().GetBool("tui")
	gameID, _ := cmd.Flags().GetString("game-id")
	seed, _ := cmd.Flags().GetInt64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	cfg, err := config.NewConfig(dir)
	if err != nil {
		return err
	}
	if gameID != "" {
		cfg.Project.Game.ID = gameID
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(dir)
	if err != nil {
		return err
	}
	defer logger.Close()

	var mirror io.Writer = cmd.ErrOrStderr()
	if withTUI {
		mirror = nil
	}
	book, err := logbook.New(filepath.Join(cfg.LogsDir(), "game.log"), logbook.WithMirror(mirror))
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, telemetry.Settings{
		Endpoint: cfg.Project.Telemetry.Endpoint,
		Disabled: cfg.Project.Telemetry.Disabled,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	sink, closeSink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	auth, err := buildAuthority(cfg)
	if err != nil {
		return err
	}

	library := plugins.LibraryFromConfig(cfg, seed)
	defaultPolicy, err := library.Policy(plugins.BuiltinRandom)
	if err != nil {
		return err
	}
	bridgeSettings := eventbridge.SettingsFromConfig(cfg)
	hub := eventbridge.NewHub(append(bridgeSettings.HubOptions(), eventbridge.HubWithLogger(logger.Component("hub")))...)
	game := orchestrator.New(auth,
		orchestrator.WithID(cfg.Project.Game.ID),
		orchestrator.WithSettings(loopSettings(cfg)),
		orchestrator.WithChannel(hub),
		orchestrator.WithDefaultPolicy(defaultPolicy),
		orchestrator.WithSink(sink),
		orchestrator.WithLogbook(book),
		orchestrator.WithEventObserver(eventLogger(logger.Component("events"))),
	)
	seats, err := seatSpecs(cfg, library)
	if err != nil {
		return err
	}
	if err := game.Setup(ctx, seats); err != nil {
		return err
	}
	logger.Printf("game %s: %d seats, authority %s", game.ID(), len(seats), cfg.Project.Authority.Kind)

	var server *eventbridge.Server
	if cfg.BridgeEnabled() {
		server = eventbridge.NewServer(bridgeSettings,
			eventbridge.WithHub(hub),
			eventbridge.WithRecorder(game),
			eventbridge.WithSeatFilter(game.HasSeat),
			eventbridge.WithGreeter(game.Greeting),
			eventbridge.WithLogger(logger),
		)
		if err := server.Start(ctx); err != nil {
			return err
		}
		book.Info("bridge listening on %s", server.BaseURL())
		for _, seat := range cfg.Project.Game.Seats {
			if seat.Kind == config.SeatExternal {
				book.Info("seat %s waits on %s", seat.ID, bridgeSettings.SeatURL(seat.ID))
			}
		}
	} else if cfg.ExternalSeats() {
		book.Warn("bridge disabled; external seats will never answer")
	}

	var program *tea.Program
	if withTUI {
		program = tea.NewProgram(tui.New(game, tui.WithTitle("✦ GRIMOIRE · "+game.ID())), tea.WithAltScreen())
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	var outcome orchestrator.Outcome
	group, groupCtx := errgroup.WithContext(loopCtx)
	group.Go(func() error {
		// the bridge goes down with the loop
		defer cancelLoop()
		out, err := game.Run(groupCtx)
		outcome = out
		if program != nil {
			program.Send(tui.FinishedMsg{Summary: summarize(out)})
		}
		return err
	})
	if server != nil {
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	if program != nil {
		// quitting the spectator ends the game
		if _, err := program.Run(); err != nil {
			book.Error("spectator: %v", err)
		}
		cancelLoop()
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	data, _ := json.MarshalIndent(struct {
		GameID string `json:"game_id"`
		orchestrator.Outcome
	}{game.ID(), outcome}, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// eventLogger mirrors every store event into the process log.
func eventLogger(l *logging.Logger) func(state.Event) {
	return func(ev state.Event) {
		l.Printf("#%d %s %v", ev.Seq, ev.Category, ev.Payload)
	}
}

func loopSettings(cfg *config.Config) orchestrator.Settings {
	l := cfg.Project.Loop
	return orchestrator.Settings{
		MaxIterations: l.MaxIterations,
		PollInterval:  l.PollInterval,
		IdleDelay:     l.IdleDelay,
		RecentEvents:  l.RecentEvents,
		ActionTimeout: l.ActionTimeout,
		AwaitTimeout:  l.AwaitTimeout,
	}
}

// buildAuthority picks the storyteller named by authority.kind.
func buildAuthority(cfg *config.Config) (authority.Authority, error) {
	a := cfg.Project.Authority
	switch a.Kind {
	case config.AuthorityHTTP:
		return authority.NewHTTP(a.URL, authority.WithTimeout(a.Timeout))
	case config.AuthorityScript:
		return authority.LoadScript(cfg.ScriptPath())
	}
	return nil, fmt.Errorf("unknown authority kind %q", a.Kind)
}

// seatSpecs turns configured seats into setup specs, resolving each internal
// seat's policy through the library.
func seatSpecs(cfg *config.Config, library *plugins.Library) ([]orchestrator.SeatSpec, error) {
	specs := make([]orchestrator.SeatSpec, 0, len(cfg.Project.Game.Seats))
	for _, s := range cfg.Project.Game.Seats {
		spec := orchestrator.SeatSpec{
			Seat: state.Seat{ID: s.ID, Name: s.Name, Role: s.Role},
			Kind: participant.Kind(s.Kind),
		}
		if spec.Kind == participant.KindInternal {
			policy, err := library.Policy(s.Policy)
			if err != nil {
				return nil, fmt.Errorf("seat %s: %w", s.ID, err)
			}
			spec.Policy = policy
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// openSink opens the audit database when one is configured.
func openSink(cfg *config.Config) (audit.Sink, func(), error) {
	path := cfg.AuditPath()
	if path == "" {
		return audit.Discard{}, func() {}, nil
	}
	db, err := audit.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

func summarize(out orchestrator.Outcome) string {
	if out.Reason == orchestrator.ExitTerminated {
		return fmt.Sprintf("%s wins after %d iterations (%s)", out.Winner, out.Iterations, out.Detail)
	}
	return fmt.Sprintf("stopped after %d iterations: %s", out.Iterations, out.Reason)
}
