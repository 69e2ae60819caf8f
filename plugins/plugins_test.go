package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kingrea/grimoire/internal/participant"
)

const samplePolicy = `name: cautious
rules:
  - category: VOTE
    answer: {vote: false}
  - category: night_choice
    target: first
fallback: pass
`

const goPolicySource = `package main

import "fmt"

func Decide(category, self string, context map[string]any) (map[string]any, error) {
	switch category {
	case "VOTE":
		return map[string]any{"vote": true, "by": self}, nil
	case "BOOM":
		return nil, fmt.Errorf("no opinion on %s", category)
	}
	return map[string]any{"target": "p1"}, nil
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func request(category, self string, alive ...string) participant.Request {
	return participant.Request{ActionID: "A1", ParticipantID: self, Category: category, Context: map[string]any{"alive": alive}}
}

func TestParsePolicyYAML(t *testing.T) {
	p, err := ParsePolicyYAML([]byte(samplePolicy), 1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Name() != "cautious" {
		t.Fatalf("unexpected name %q", p.Name())
	}
	ctx := context.Background()
	vote, err := p.Decide(ctx, request("VOTE", "p2"))
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if vote.(map[string]any)["vote"] != false {
		t.Fatalf("expected fixed vote answer, got %v", vote)
	}
	choice, _ := p.Decide(ctx, request("NIGHT_CHOICE", "p2", "p2", "p3", "p4"))
	if choice.(map[string]any)["target"] != "p3" {
		t.Fatalf("expected first non-self target p3, got %v", choice)
	}
	other, _ := p.Decide(ctx, request("NOMINATION", "p2", "p3"))
	if other.(map[string]any)["pass"] != true {
		t.Fatalf("expected fallback pass, got %v", other)
	}
}

func TestParsePolicyYAMLErrors(t *testing.T) {
	bad := []string{
		"",
		"rules: []",
		"name: x\nrules:\n  - {answer: {vote: true}}",
		"name: x\nrules:\n  - {category: VOTE}",
		"name: x\nrules:\n  - {category: VOTE, target: everyone}",
		"name: x\nrules:\n  - {category: VOTE, target: first}\n  - {category: vote, target: last}",
		"name: x\nfallback: chaos",
	}
	for i, body := range bad {
		if _, err := ParsePolicyYAML([]byte(body), 1); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestRulePolicyWithoutFallbackUsesRandom(t *testing.T) {
	p, err := ParsePolicyYAML([]byte("name: bare\n"), 7)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := p.Decide(context.Background(), request("NIGHT_CHOICE", "p1", "p1", "p2"))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.(map[string]any)["target"] != "p2" {
		t.Fatalf("expected the only candidate p2, got %v", got)
	}
}

func TestLoadGoPolicyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "eager.go", goPolicySource)
	p, err := LoadGoPolicyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := p.Decide(context.Background(), request("VOTE", "p4"))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	answer := got.(map[string]any)
	if answer["vote"] != true || answer["by"] != "p4" {
		t.Fatalf("unexpected answer %v", answer)
	}
	if _, err := p.Decide(context.Background(), request("BOOM", "p4")); err == nil {
		t.Fatalf("expected policy error to surface")
	}
}

func TestLoadGoPolicyFileMissingFunc(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.go", "package main\n")
	if _, err := LoadGoPolicyFile(path); err == nil {
		t.Fatalf("expected error for missing Decide function")
	}
}

func TestLibraryResolvesAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cautious.yaml", samplePolicy)
	writeFile(t, dir, "eager.go", goPolicySource)
	writeFile(t, dir, "notes.txt", "ignored")
	lib := NewLibrary(dir, 3)

	names, err := lib.Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	want := []string{BuiltinRandom, "cautious.yaml", "eager.go"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}

	first, err := lib.Policy("cautious.yaml")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	again, _ := lib.Policy("cautious.yaml")
	if first != again {
		t.Fatalf("expected cached policy")
	}
	if _, ok := first.(*RulePolicy); !ok {
		t.Fatalf("expected rule policy, got %T", first)
	}
	if p, _ := lib.Policy(""); p == nil {
		t.Fatalf("empty name should resolve to random")
	}
	if _, err := lib.Policy("oracle.json"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
	all, err := lib.LoadAll()
	if err != nil || len(all) != 3 {
		t.Fatalf("load all: %v (%d)", err, len(all))
	}
}

func TestLibraryMissingDir(t *testing.T) {
	names, err := NewLibrary(filepath.Join(t.TempDir(), "missing"), 1).Names()
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(names) != 1 || names[0] != BuiltinRandom {
		t.Fatalf("expected only random, got %v", names)
	}
}
