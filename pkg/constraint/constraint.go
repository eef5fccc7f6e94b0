package constraint

import (
	"fmt"
	"regexp"
	"strings"
)

// Def is the declarative form of a constraint, as found in profile files and
// RPC params.
type Def struct {
	Kind    Kind   `yaml:"kind" json:"kind"`
	Payload string `yaml:"payload" json:"payload"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Constraint is a validated, immutable rule. Constraints are compared by
// pointer identity within a Set.
type Constraint struct {
	kind      Kind
	payload   string
	name      string
	pattern   *regexp.Regexp
	predicate Predicate
}

// Kind returns the constraint kind.
func (c *Constraint) Kind() Kind { return c.kind }

// Payload returns the literal, pattern or predicate name.
func (c *Constraint) Payload() string { return c.payload }

// Label is the human-readable identifier used in explanations.
func (c *Constraint) Label() string {
	if c.name != "" {
		return c.name
	}
	return c.payload
}

// Def returns the declarative form of c.
func (c *Constraint) Def() Def {
	return Def{Kind: c.kind, Payload: c.payload, Name: c.name}
}

// Pattern returns the compiled pattern for pattern kinds, nil otherwise.
func (c *Constraint) Pattern() *regexp.Regexp { return c.pattern }

// Predicate returns the resolved predicate for CUSTOM_PREDICATE, nil otherwise.
func (c *Constraint) Predicate() Predicate { return c.predicate }

func (c *Constraint) String() string {
	return fmt.Sprintf("%s(%s)", c.kind, c.Label())
}

// Set is an ordered, immutable sequence of constraints. The zero value and
// nil are both empty sets.
type Set struct {
	items []*Constraint
}

// NewSet validates defs and builds a Set. reg may be nil when no
// CUSTOM_PREDICATE constraints are used. Any invalid definition fails the
// whole set with a *ConfigurationError.
func NewSet(reg *Registry, defs ...Def) (*Set, error) {
	items := make([]*Constraint, 0, len(defs))
	for i, def := range defs {
		c, err := build(reg, def)
		if err != nil {
			err.Index = i
			return nil, err
		}
		items = append(items, c)
	}
	return &Set{items: items}, nil
}

// Substrings builds a set of FORBID_SUBSTRING constraints from literal payloads.
func Substrings(payloads ...string) (*Set, error) {
	defs := make([]Def, len(payloads))
	for i, p := range payloads {
		defs[i] = Def{Kind: KindForbidSubstring, Payload: p}
	}
	return NewSet(nil, defs...)
}

func build(reg *Registry, def Def) (*Constraint, *ConfigurationError) {
	c := &Constraint{kind: def.Kind, payload: def.Payload, name: strings.TrimSpace(def.Name)}

	switch def.Kind {
	case KindForbidSubstring:
		// An empty payload is contained in every token and rejects it.

	case KindForbidPattern, KindRequirePattern:
		re, err := regexp.Compile(def.Payload)
		if err != nil {
			return nil, &ConfigurationError{Def: def, Reason: "malformed pattern", Err: err}
		}
		c.pattern = re

	case KindCustomPredicate:
		if reg == nil {
			return nil, &ConfigurationError{Def: def, Reason: "no predicate registry available"}
		}
		p, ok := reg.Lookup(def.Payload)
		if !ok {
			return nil, &ConfigurationError{Def: def, Reason: fmt.Sprintf("unregistered predicate %q", def.Payload)}
		}
		c.predicate = p

	default:
		return nil, &ConfigurationError{Def: def, Reason: fmt.Sprintf("unknown constraint kind %q", def.Kind)}
	}

	return c, nil
}

// Len returns the number of constraints.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// At returns the constraint at position i.
func (s *Set) At(i int) *Constraint {
	return s.items[i]
}

// All returns a copy of the constraints in evaluation order.
func (s *Set) All() []*Constraint {
	if s == nil {
		return nil
	}
	out := make([]*Constraint, len(s.items))
	copy(out, s.items)
	return out
}

// Defs returns the declarative form of every constraint, in order.
func (s *Set) Defs() []Def {
	if s == nil {
		return nil
	}
	defs := make([]Def, len(s.items))
	for i, c := range s.items {
		defs[i] = c.Def()
	}
	return defs
}

// Concat returns a new set holding s's constraints followed by other's.
// Constraint identities are preserved.
func (s *Set) Concat(other *Set) *Set {
	items := make([]*Constraint, 0, s.Len()+other.Len())
	if s != nil {
		items = append(items, s.items...)
	}
	if other != nil {
		items = append(items, other.items...)
	}
	return &Set{items: items}
}
