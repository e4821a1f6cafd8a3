// Package facts turns a claim and its related entities into a flat,
// path-addressable fact map that trigger predicates query.
//
// Nested maps become dotted paths (claim.depreciation.total). Arrays become
// indexed paths (photos[2].category) plus a path.length aggregate. Nil
// values are dropped, so a field that was never set and a field that was
// never fetched both resolve to "absent" rather than to a comparable null.
package facts

import (
	"fmt"
	"sort"
	"strings"
)

// FactMap is an immutable set of facts for one evaluation. It is safe for
// concurrent reads.
type FactMap struct {
	values      map[string]any
	unavailable map[string]bool
}

// New builds a FactMap from already-flat values. Entities listed in
// unavailable make every path under them resolve as absent.
func New(values map[string]any, unavailable ...string) FactMap {
	m := FactMap{
		values:      make(map[string]any, len(values)),
		unavailable: make(map[string]bool, len(unavailable)),
	}
	for k, v := range values {
		if v == nil {
			continue
		}
		m.values[k] = v
	}
	for _, e := range unavailable {
		m.unavailable[e] = true
	}
	return m
}

// Lookup returns the value at path and whether it is present.
func (m FactMap) Lookup(path string) (any, bool) {
	if m.Unavailable(path) {
		return nil, false
	}
	v, ok := m.values[path]
	return v, ok
}

// Unavailable reports whether path belongs to an entity that failed to load.
func (m FactMap) Unavailable(path string) bool {
	if len(m.unavailable) == 0 {
		return false
	}
	return m.unavailable[Entity(path)]
}

// UnavailableEntities returns the entities that failed to load, sorted.
func (m FactMap) UnavailableEntities() []string {
	out := make([]string, 0, len(m.unavailable))
	for e := range m.unavailable {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// PartialData returns a *PartialDataError when any entity was unavailable.
func (m FactMap) PartialData() error {
	if len(m.unavailable) == 0 {
		return nil
	}
	return &PartialDataError{Entities: m.UnavailableEntities()}
}

// Len returns the number of present facts.
func (m FactMap) Len() int { return len(m.values) }

// Paths returns every present path in lexical order.
func (m FactMap) Paths() []string {
	out := make([]string, 0, len(m.values))
	for k := range m.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies facts into a plain map for storage alongside a fired
// action. With no paths it copies everything; otherwise only the listed
// paths that are present.
func (m FactMap) Snapshot(paths ...string) map[string]any {
	if len(paths) == 0 {
		out := make(map[string]any, len(m.values))
		for k, v := range m.values {
			out[k] = copyValue(v)
		}
		return out
	}
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		if v, ok := m.Lookup(p); ok {
			out[p] = copyValue(v)
		}
	}
	return out
}

func copyValue(v any) any {
	if list, ok := v.([]any); ok {
		return append([]any(nil), list...)
	}
	return v
}

// Entity returns the top-level entity a path belongs to:
// "claim" for claim.status, "photos" for photos[0].category.
func Entity(path string) string {
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}

// PartialDataError reports related entities that could not be loaded.
// Evaluation continues in degraded mode; callers log it and move on.
type PartialDataError struct {
	Entities []string
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("facts: partial data: %s unavailable", strings.Join(e.Entities, ", "))
}
