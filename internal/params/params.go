// Package params provides a typed view over the host's flat custom-parameter map.
package params

import (
	"iter"
	"sync"
)

// Declaration describes one custom parameter known to the node server.
type Declaration struct {
	Name     string // Key in the host's custom parameter map
	Default  string // Placeholder value shown until the user supplies one
	Required bool   // Whether configuration is incomplete while unset
	Notice   string // Message shown to the user while unset (optional)
}

// Parameter is the recorded state of a declared parameter.
type Parameter struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	Default    string `json:"default"`
	IsSet      bool   `json:"isSet"`
	IsRequired bool   `json:"isRequired"`
	Notice     string `json:"notice,omitempty"`
}

// Store tracks declared parameters and whether each has been given a non-default value.
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	order  []string // declaration order
	params map[string]Parameter
}

// New creates a Store holding the given declarations.
func New(decls ...Declaration) *Store {
	s := &Store{params: make(map[string]Parameter)}
	s.Declare(decls...)
	return s
}

// Declare adds parameters to the store. Declaring a name twice keeps the
// recorded value and only refreshes default, required flag and notice.
func (s *Store) Declare(decls ...Declaration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range decls {
		if d.Name == "" {
			continue
		}
		p, exists := s.params[d.Name]
		if !exists {
			s.order = append(s.order, d.Name)
			p = Parameter{Name: d.Name}
		}
		p.Default = d.Default
		p.IsRequired = d.Required
		p.Notice = d.Notice
		s.params[d.Name] = p
	}
}

// Reconcile folds a host configuration snapshot into the store.
//
// For every declared parameter present in snapshot: the pass is marked changed
// when the supplied value differs from both the default and the value recorded
// before this pass; a value that differs from the default is recorded and the
// parameter becomes set. Values equal to the default are ignored.
//
// The next state is computed in full before it is committed, so the outcome
// does not depend on iteration order. valid reports whether every required
// parameter is set afterwards.
func (s *Store) Reconcile(snapshot map[string]string) (valid, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Parameter, len(s.params))
	for name, prev := range s.params {
		p := prev
		if v, ok := snapshot[name]; ok {
			if v != prev.Default && v != prev.Value {
				changed = true
			}
			if v != prev.Default {
				p.Value = v
				p.IsSet = true
			}
		}
		next[name] = p
	}

	s.params = next
	return s.validLocked(), changed
}

// Valid reports whether every required parameter is set.
func (s *Store) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Store) validLocked() bool {
	for _, p := range s.params {
		if p.IsRequired && !p.IsSet {
			return false
		}
	}
	return true
}

// Get returns the recorded value if set, otherwise the default.
// Unknown names yield an empty string.
func (s *Store) Get(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.params[name]
	if !ok {
		return ""
	}
	if p.IsSet {
		return p.Value
	}
	return p.Default
}

// Lookup returns the recorded value and whether it is set.
func (s *Store) Lookup(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.params[name]
	if !ok || !p.IsSet {
		return "", false
	}
	return p.Value, true
}

// IsSet reports whether a non-default value has been observed for name.
func (s *Store) IsSet(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params[name].IsSet
}

// MissingRequiredNotices yields (notice, name) for every required parameter
// that is still unset, in declaration order. Each range over the sequence
// observes the store as it is at that moment.
func (s *Store) MissingRequiredNotices() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, p := range s.Parameters() {
			if !p.IsRequired || p.IsSet {
				continue
			}
			if !yield(p.Notice, p.Name) {
				return
			}
		}
	}
}

// Parameters returns a copy of all parameters in declaration order.
func (s *Store) Parameters() []Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Parameter, 0, len(s.order))
	for _, name := range s.order {
		result = append(result, s.params[name])
	}
	return result
}

// Snapshot returns the effective value (recorded or default) of every parameter.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string, len(s.params))
	for name, p := range s.params {
		if p.IsSet {
			result[name] = p.Value
		} else {
			result[name] = p.Default
		}
	}
	return result
}

// Reset returns the named parameters to their unset state.
// With no names, every parameter is reset.
func (s *Store) Reset(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(names) == 0 {
		names = s.order
	}
	for _, name := range names {
		p, ok := s.params[name]
		if !ok {
			continue
		}
		p.Value = ""
		p.IsSet = false
		s.params[name] = p
	}
}
