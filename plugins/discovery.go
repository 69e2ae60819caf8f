// Package plugins loads participant policies for internal seats from the
// game's policies directory: YAML rule files and interpreted Go sources.
package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/grimoire/internal/config"
	"github.com/kingrea/grimoire/internal/participant"
)

// BuiltinRandom names the policy every internal seat gets by default.
const BuiltinRandom = "random"

// Library resolves policy names to loaded policies and caches them, so seats
// naming the same file share one policy.
type Library struct {
	dir  string
	seed int64

	mu    sync.Mutex
	cache map[string]participant.Policy
}

// NewLibrary reads policies from dir. seed feeds every random choice.
func NewLibrary(dir string, seed int64) *Library {
	return &Library{dir: strings.TrimSpace(dir), seed: seed, cache: map[string]participant.Policy{}}
}

// LibraryFromConfig uses the configured policies directory.
func LibraryFromConfig(cfg *config.Config, seed int64) *Library {
	if cfg == nil {
		return NewLibrary("", seed)
	}
	return NewLibrary(cfg.PoliciesDir(), seed)
}

// Policy returns the policy called name: "random", a YAML file, or a .go
// file relative to the library directory.
func (l *Library) Policy(name string) (participant.Policy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = BuiltinRandom
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.cache[name]; ok {
		return p, nil
	}
	p, err := l.load(name)
	if err != nil {
		return nil, err
	}
	l.cache[name] = p
	return p, nil
}

func (l *Library) load(name string) (participant.Policy, error) {
	if name == BuiltinRandom {
		return participant.NewRandomPolicy(l.seed), nil
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.dir, name)
	}
	switch {
	case isYAMLFile(name):
		return LoadPolicyFile(path, l.seed)
	case filepath.Ext(name) == ".go":
		return LoadGoPolicyFile(path)
	}
	return nil, fmt.Errorf("plugin: unknown policy %q (want %s, *.yaml, or *.go)", name, BuiltinRandom)
}

// Names lists the policy files available in the library directory.
// A missing directory means no plugins.
func (l *Library) Names() ([]string, error) {
	if l.dir == "" {
		return []string{BuiltinRandom}, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{BuiltinRandom}, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", l.dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if isYAMLFile(name) || filepath.Ext(name) == ".go" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{BuiltinRandom}, names...), nil
}

// LoadAll loads every policy in the directory, failing on the first bad file.
func (l *Library) LoadAll() (map[string]participant.Policy, error) {
	names, err := l.Names()
	if err != nil {
		return nil, err
	}
	out := make(map[string]participant.Policy, len(names))
	for _, name := range names {
		p, err := l.Policy(name)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}
