package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/grimoire/internal/config"
)

// defaultPlaybook seats nobody; it plays the default five-seat config.
const defaultPlaybook = `name: demo night
steps:
  - name: first night
    directives:
      - kind: STATE_MUTATE
        params: {target: phase, phase: FIRST_NIGHT, day: 0}
      - kind: BROADCAST
        params: {message_type: NIGHT_FALLS, payload: {text: "Close your eyes."}}
      - kind: REQUEST_ACTION
        params: {action_id: N1-poisoner, participant_id: p5, category: NIGHT_CHOICE}
      - kind: REQUEST_ACTION
        params: {action_id: N1-monk, participant_id: p4, category: NIGHT_CHOICE}
      - kind: AWAIT
        params: {action_id: N1-poisoner, expected: [p5]}
  - name: dawn
    after: [N1-poisoner, N1-monk]
    directives:
      - kind: STATE_MUTATE
        params: {target: phase, phase: DAY_DISCUSSION, day: 1}
      - kind: REQUEST_ACTION
        params: {action_id: D1-vote, participant_id: p2, category: VOTE}
      - kind: REQUEST_ACTION
        params: {action_id: D1-vote, participant_id: p3, category: VOTE}
      - kind: AWAIT
        params: {action_id: D1-vote, expected: [p2, p3]}
  - name: execution
    after: [D1-vote]
    directives:
      - kind: STATE_MUTATE
        params: {target: nominee, participant_id: p1}
      - kind: STATE_MUTATE
        params: {target: alive, participant_id: p1, alive: false, reason: executed}
      - kind: CHECK_VICTORY
        params: {}
`

// samplePolicy is written next to the playbook as a starting point for
// custom seats.
const samplePolicy = `name: cautious
rules:
  - {category: VOTE, answer: {vote: false}}
  - {category: NIGHT_CHOICE, target: first}
fallback: random
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .grimoire/ with a default config and playbook",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, _ []string) error {
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}
	if err := config.InitGrimoireDir(dir); err != nil {
		return fmt.Errorf("init .grimoire: %w", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return err
	}
	if path := cfg.ScriptPath(); path != "" {
		if err := writeIfMissing(path, defaultPlaybook); err != nil {
			return fmt.Errorf("write playbook: %w", err)
		}
	}
	if err := writeIfMissing(filepath.Join(cfg.PoliciesDir(), "cautious.yaml"), samplePolicy); err != nil {
		return fmt.Errorf("write sample policy: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", cfg.GrimoireProjectDir)
	return nil
}

func writeIfMissing(path, body string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}
