// Package roles describes the character catalog seats are dealt from: each
// role's type, the alignment that type implies, and any role-specific
// status flags the grimoire tracks for it.
package roles

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type groups roles the way the script does.
type Type string

const (
	TypeTownsfolk Type = "townsfolk"
	TypeOutsider  Type = "outsider"
	TypeMinion    Type = "minion"
	TypeDemon     Type = "demon"
)

// Alignment is the team a seat plays for.
type Alignment string

const (
	AlignmentGood Alignment = "Good"
	AlignmentEvil Alignment = "Evil"
)

// Alignment returns the default team for a role type.
func (t Type) Alignment() Alignment {
	switch t {
	case TypeMinion, TypeDemon:
		return AlignmentEvil
	default:
		return AlignmentGood
	}
}

// Role is a single catalog entry.
type Role struct {
	Name        string         `yaml:"name"`
	Type        Type           `yaml:"type"`
	Description string         `yaml:"description,omitempty"`
	FirstNight  bool           `yaml:"first_night,omitempty"`
	OtherNights bool           `yaml:"other_nights,omitempty"`
	Statuses    map[string]any `yaml:"statuses,omitempty"`
}

// Alignment returns the role's default alignment.
func (r Role) Alignment() Alignment {
	return r.Type.Alignment()
}

// Catalog indexes roles by case-insensitive name.
type Catalog struct {
	roles map[string]Role
}

//go:embed roles.yaml
var builtinYAML []byte

var defaultStatuses = map[string]any{
	"poisoned":        false,
	"drunk":           false,
	"protected":       false,
	"nominated_today": false,
	"can_nominate":    true,
	"can_vote":        true,
}

// ParseCatalogYAML decodes a catalog document.
func ParseCatalogYAML(data []byte) (*Catalog, error) {
	var doc struct {
		Roles []Role `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("roles: decode catalog: %w", err)
	}
	cat := &Catalog{roles: make(map[string]Role, len(doc.Roles))}
	for i, role := range doc.Roles {
		role.Name = strings.TrimSpace(role.Name)
		if role.Name == "" {
			return nil, fmt.Errorf("roles: entry %d missing name", i)
		}
		role.Type = Type(strings.ToLower(strings.TrimSpace(string(role.Type))))
		switch role.Type {
		case TypeTownsfolk, TypeOutsider, TypeMinion, TypeDemon:
		default:
			return nil, fmt.Errorf("roles: %s has unknown type %q", role.Name, role.Type)
		}
		key := normalize(role.Name)
		if _, dup := cat.roles[key]; dup {
			return nil, fmt.Errorf("roles: duplicate role %s", role.Name)
		}
		cat.roles[key] = role
	}
	return cat, nil
}

// Builtin returns the embedded catalog. It panics only if the embedded
// document is broken, which the package tests guard against.
func Builtin() *Catalog {
	cat, err := ParseCatalogYAML(builtinYAML)
	if err != nil {
		panic(err)
	}
	return cat
}

// Lookup finds a role by name.
func (c *Catalog) Lookup(name string) (Role, bool) {
	if c == nil {
		return Role{}, false
	}
	role, ok := c.roles[normalize(name)]
	return role, ok
}

// IsDemon reports whether the named role is a demon.
func (c *Catalog) IsDemon(name string) bool {
	role, ok := c.Lookup(name)
	return ok && role.Type == TypeDemon
}

// AlignmentOf returns the catalog alignment for a role, or "" when unknown.
func (c *Catalog) AlignmentOf(name string) Alignment {
	role, ok := c.Lookup(name)
	if !ok {
		return ""
	}
	return role.Alignment()
}

// DefaultStatuses returns a fresh status map for a seat holding the role.
// Unknown roles still receive the common flags.
func (c *Catalog) DefaultStatuses(name string) map[string]any {
	out := make(map[string]any, len(defaultStatuses)+2)
	for k, v := range defaultStatuses {
		out[k] = v
	}
	if role, ok := c.Lookup(name); ok {
		for k, v := range role.Statuses {
			out[k] = v
		}
	}
	return out
}

// Names lists the catalog in alphabetical order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.roles))
	for _, role := range c.roles {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
