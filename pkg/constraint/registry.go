package constraint

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Predicate is a pure function of token content. It returns true when the
// content is acceptable.
type Predicate func(content string) bool

// Registry maps predicate names to implementations. Sets resolve names
// against a registry when they are built, so registering after a Set is
// built does not affect it.
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{predicates: make(map[string]Predicate)}
}

// DefaultRegistry creates a registry pre-populated with the built-in predicates.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("non_empty", nonEmpty)
	r.MustRegister("printable", printable)
	r.MustRegister("balanced_brackets", balancedBrackets)
	r.MustRegister("single_line", singleLine)
	return r
}

// Register adds a predicate. Names are unique.
func (r *Registry) Register(name string, p Predicate) error {
	if name == "" {
		return fmt.Errorf("predicate name is required")
	}
	if p == nil {
		return fmt.Errorf("predicate %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("predicate already registered: %s", name)
	}
	r.predicates[name] = p
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(name string, p Predicate) {
	if err := r.Register(name, p); err != nil {
		panic(err)
	}
}

// Lookup returns the predicate registered under name.
func (r *Registry) Lookup(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// Names returns all registered predicate names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.predicates))
	for name := range r.predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nonEmpty(content string) bool {
	return strings.TrimSpace(content) != ""
}

func printable(content string) bool {
	for _, r := range content {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func singleLine(content string) bool {
	return !strings.ContainsAny(content, "\r\n")
}

// balancedBrackets checks (), [] and {} nesting.
func balancedBrackets(content string) bool {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	for _, r := range content {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}
