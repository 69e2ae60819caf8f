package plugins

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/grimoire/internal/participant"
)

// Target strategies for rules without a fixed answer.
const (
	TargetRandom = "random"
	TargetFirst  = "first"
	TargetLast   = "last"
	TargetPass   = "pass"
)

// Rule answers one action category.
type Rule struct {
	Category string         `yaml:"category"`
	Answer   map[string]any `yaml:"answer,omitempty"`
	Target   string         `yaml:"target,omitempty"`
}

// PolicyDefinition models a YAML policy file.
//
//	name: cautious
//	rules:
//	  - {category: VOTE, answer: {vote: false}}
//	  - {category: NIGHT_CHOICE, target: first}
//	fallback: random
type PolicyDefinition struct {
	Name     string `yaml:"name"`
	Rules    []Rule `yaml:"rules"`
	Fallback string `yaml:"fallback,omitempty"`
}

// Validate checks every rule names a category and a way to answer.
func (d PolicyDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("plugin: policy name is required")
	}
	seen := map[string]struct{}{}
	for i, r := range d.Rules {
		cat := strings.ToUpper(strings.TrimSpace(r.Category))
		if cat == "" {
			return fmt.Errorf("plugin: policy %s rule[%d]: category is required", d.Name, i)
		}
		if _, dup := seen[cat]; dup {
			return fmt.Errorf("plugin: policy %s rule[%d]: duplicate category %s", d.Name, i, cat)
		}
		seen[cat] = struct{}{}
		if r.Answer == nil && r.Target == "" {
			return fmt.Errorf("plugin: policy %s rule[%d]: answer or target is required", d.Name, i)
		}
		if r.Target != "" && !validTarget(r.Target) {
			return fmt.Errorf("plugin: policy %s rule[%d]: unknown target %q", d.Name, i, r.Target)
		}
	}
	if d.Fallback != "" && !validTarget(d.Fallback) {
		return fmt.Errorf("plugin: policy %s: unknown fallback %q", d.Name, d.Fallback)
	}
	return nil
}

func validTarget(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case TargetRandom, TargetFirst, TargetLast, TargetPass:
		return true
	}
	return false
}

// RulePolicy answers requests from a PolicyDefinition. Categories without a
// rule go to the fallback; with no fallback they go to a RandomPolicy.
type RulePolicy struct {
	def      PolicyDefinition
	rules    map[string]Rule
	fallback participant.Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// ParsePolicyYAML decodes and validates a policy payload.
func ParsePolicyYAML(data []byte, seed int64) (*RulePolicy, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("plugin: policy payload is empty")
	}
	var def PolicyDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("plugin: decode policy: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return NewRulePolicy(def, seed), nil
}

// LoadPolicyFile reads a YAML policy from disk.
func LoadPolicyFile(path string, seed int64) (*RulePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	p, err := ParsePolicyYAML(data, seed)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", filepath.Clean(path), err)
	}
	return p, nil
}

// NewRulePolicy builds a policy from an already validated definition.
func NewRulePolicy(def PolicyDefinition, seed int64) *RulePolicy {
	p := &RulePolicy{
		def:      def,
		rules:    make(map[string]Rule, len(def.Rules)),
		fallback: participant.NewRandomPolicy(seed),
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, r := range def.Rules {
		p.rules[strings.ToUpper(strings.TrimSpace(r.Category))] = r
	}
	return p
}

// Name returns the policy name.
func (p *RulePolicy) Name() string { return p.def.Name }

// Decide implements participant.Policy.
func (p *RulePolicy) Decide(ctx context.Context, req participant.Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rule, ok := p.rules[strings.ToUpper(req.Category)]
	if !ok {
		if p.def.Fallback == "" {
			return p.fallback.Decide(ctx, req)
		}
		rule = Rule{Target: p.def.Fallback}
	}
	if rule.Answer != nil {
		return rule.Answer, nil
	}
	return p.pick(req, rule.Target), nil
}

func (p *RulePolicy) pick(req participant.Request, strategy string) map[string]any {
	targets := participant.Candidates(req)
	if len(targets) == 0 {
		return map[string]any{"pass": true}
	}
	switch strings.ToLower(strategy) {
	case TargetFirst:
		return map[string]any{"target": targets[0]}
	case TargetLast:
		return map[string]any{"target": targets[len(targets)-1]}
	case TargetPass:
		return map[string]any{"pass": true}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{"target": targets[p.rng.Intn(len(targets))]}
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
