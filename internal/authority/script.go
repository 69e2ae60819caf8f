package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/grimoire/internal/directive"
)

// Playbook is the YAML form of a scripted storyteller.
type Playbook struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is emitted once none of its After action ids are pending.
type Step struct {
	Name       string           `yaml:"name"`
	After      []string         `yaml:"after,omitempty"`
	Directives []map[string]any `yaml:"directives"`
}

type compiledStep struct {
	name       string
	after      []string
	directives []directive.Directive
	rejected   []directive.Rejection
}

// Script replays a playbook one step per iteration.
type Script struct {
	name string

	mu    sync.Mutex
	steps []compiledStep
	next  int
}

// LoadScript reads a playbook file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authority: read script %s: %w", path, err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML playbook. Directive entries that do not decode
// are kept as rejections and surface with their step.
func ParseScript(data []byte) (*Script, error) {
	var book Playbook
	if err := yaml.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("authority: parse script: %w", err)
	}
	if len(book.Steps) == 0 {
		return nil, fmt.Errorf("authority: script %q has no steps", book.Name)
	}
	s := &Script{name: book.Name}
	for i, step := range book.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}
		cs := compiledStep{name: name, after: step.After}
		for j, entry := range step.Directives {
			raw, err := json.Marshal(entry)
			if err != nil {
				cs.rejected = append(cs.rejected, directive.Rejection{Index: j, Err: err})
				continue
			}
			d, err := directive.Decode(raw)
			if err != nil {
				cs.rejected = append(cs.rejected, directive.Rejection{Index: j, Raw: string(raw), Err: err})
				continue
			}
			cs.directives = append(cs.directives, d)
		}
		s.steps = append(s.steps, cs)
	}
	return s, nil
}

// Name returns the playbook name.
func (s *Script) Name() string { return s.name }

// Decide emits the next step when its gates are clear and an empty batch
// otherwise. After the last step every batch is empty.
func (s *Script) Decide(_ context.Context, gc Context) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.steps) {
		return Batch{}, nil
	}
	step := s.steps[s.next]
	for _, id := range step.after {
		if gc.IsPending(id) {
			return Batch{}, nil
		}
	}
	s.next++
	out := Batch{
		Directives: append([]directive.Directive(nil), step.directives...),
		Rejected:   append([]directive.Rejection(nil), step.rejected...),
	}
	return out, nil
}

// Done reports whether every step has been emitted.
func (s *Script) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next >= len(s.steps)
}

// Position reports the name of the next step, or "" when finished.
func (s *Script) Position() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.steps) {
		return ""
	}
	return s.steps[s.next].name
}
