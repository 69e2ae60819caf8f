package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/grimoire/internal/audit"
	"github.com/kingrea/grimoire/internal/authority"
	"github.com/kingrea/grimoire/internal/config"
	"github.com/kingrea/grimoire/internal/participant"
	"github.com/kingrea/grimoire/internal/state"
	"github.com/kingrea/grimoire/plugins"
)

func TestInitWritesConfigAndPlaybook(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init", "--dir", dir})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out.String(), "Initialized") {
		t.Fatalf("unexpected output %q", out.String())
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(cfg.ScriptPath()); err != nil {
		t.Fatalf("playbook missing: %v", err)
	}

	names, err := plugins.LibraryFromConfig(cfg, 1).Names()
	if err != nil || len(names) != 2 || names[1] != "cautious.yaml" {
		t.Fatalf("expected random and cautious.yaml, got %v (%v)", names, err)
	}

	auth, err := buildAuthority(cfg)
	if err != nil {
		t.Fatalf("build authority: %v", err)
	}
	script, ok := auth.(*authority.Script)
	if !ok {
		t.Fatalf("expected script authority, got %T", auth)
	}
	if script.Name() != "demo night" {
		t.Fatalf("unexpected playbook name %q", script.Name())
	}

	specs, err := seatSpecs(cfg, plugins.LibraryFromConfig(cfg, 1))
	if err != nil {
		t.Fatalf("seat specs: %v", err)
	}
	if len(specs) != 5 {
		t.Fatalf("expected 5 seats, got %d", len(specs))
	}
	for _, spec := range specs {
		if spec.Kind != participant.KindInternal || spec.Policy == nil {
			t.Fatalf("seat %s should be internal with a policy", spec.Seat.ID)
		}
	}
}

func TestSeatSpecsRejectsUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := config.InitGrimoireDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Project.Game.Seats[0].Policy = "missing.yaml"
	if _, err := seatSpecs(cfg, plugins.LibraryFromConfig(cfg, 1)); err == nil {
		t.Fatalf("expected error for missing policy file")
	}
	cfg.Project.Game.Seats[0].Kind = config.SeatExternal
	if _, err := seatSpecs(cfg, plugins.LibraryFromConfig(cfg, 1)); err != nil {
		t.Fatalf("external seats need no policy: %v", err)
	}
}

func TestBuildAuthorityUnknownKind(t *testing.T) {
	cfg := &config.Config{ProjectDir: t.TempDir()}
	cfg.Project.Authority.Kind = "oracle"
	if _, err := buildAuthority(cfg); err == nil {
		t.Fatalf("expected error for unknown authority kind")
	}
}

func TestOpenSinkWithoutAuditPath(t *testing.T) {
	cfg := &config.Config{ProjectDir: t.TempDir(), GrimoireProjectDir: filepath.Join(t.TempDir(), config.GrimoireDir)}
	sink, closeSink, err := openSink(cfg)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer closeSink()
	if _, ok := sink.(audit.Discard); !ok {
		t.Fatalf("expected discard sink, got %T", sink)
	}
}

func TestPrintReplay(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []state.Event{
		{Seq: 1, Category: state.CategoryParticipantAdded, At: at, Payload: map[string]any{
			"participant_id": "p1", "name": "Ada", "role": "Imp", "alignment": "evil",
		}},
		{Seq: 2, Category: state.CategoryPhaseChange, At: at, Payload: map[string]any{"phase": "NIGHT", "day": 1}},
	}
	traces := []audit.Trace{{Iteration: 1, Index: 0, Kind: "STATE_MUTATE"}, {Iteration: 1, Index: 1, Kind: "AWAIT", Error: "unknown action"}}
	var out bytes.Buffer
	printReplay(&out, "g1", events, traces)
	text := out.String()
	for _, want := range []string{"game g1", state.CategoryPhaseChange, "FAILED: unknown action", "p1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("replay output missing %q:\n%s", want, text)
		}
	}
}

func TestAuditSourceSnapshot(t *testing.T) {
	mem := audit.NewMemory()
	ctx := t.Context()
	if err := mem.RecordEvent(ctx, "g1", state.Event{Seq: 1, Category: state.CategoryPhaseChange, Payload: map[string]any{"phase": "NIGHT", "day": 2}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	src := &auditSource{ctx: ctx, reader: mem, gameID: "g1"}
	snap := src.Snapshot()
	if snap.Phase != state.PhaseNight || snap.Day != 2 {
		t.Fatalf("unexpected projection %+v", snap)
	}
	if src.Pending() != nil {
		t.Fatalf("recorded games have no pending actions")
	}
}
