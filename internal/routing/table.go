// Package routing implements the gateway's route table: an ordered set of
// path-prefix-to-backend mappings resolved by longest-prefix match.
package routing

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Route is a single compiled prefix-to-backend mapping. Routes are immutable
// once the table is built; reloads replace the whole table.
type Route struct {
	Prefix       string
	Backend      *url.URL
	Methods      []string
	AuthRequired bool
	TimeoutMs    int

	// order is the declaration index, used to break length ties.
	order int
}

// Spec is the raw route definition the table is built from. It mirrors the
// route entries in the gateway configuration.
type Spec struct {
	Prefix       string
	Backend      string
	Methods      []string
	AuthRequired bool
	TimeoutMs    int
}

// Table resolves request paths to backends by longest-prefix match.
// A Table is immutable after construction and safe for concurrent use.
type Table struct {
	routes []Route
}

// NewTable compiles route specs into a Table. Routes are ordered by prefix
// length (longest first) so the first match is always the most specific;
// equal-length prefixes keep their declaration order.
func NewTable(specs []Spec) (*Table, error) {
	routes := make([]Route, 0, len(specs))
	seen := make(map[string]bool, len(specs))

	for i, s := range specs {
		if s.Prefix == "" {
			return nil, fmt.Errorf("route %d: prefix is required", i)
		}
		if !strings.HasPrefix(s.Prefix, "/") {
			return nil, fmt.Errorf("route %d: prefix %q must start with /", i, s.Prefix)
		}
		if seen[s.Prefix] {
			return nil, fmt.Errorf("route %d: duplicate prefix %q", i, s.Prefix)
		}
		seen[s.Prefix] = true

		u, err := url.Parse(s.Backend)
		if err != nil {
			return nil, fmt.Errorf("route %q: invalid backend URL %q: %w", s.Prefix, s.Backend, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("route %q: backend scheme must be http or https, got %q", s.Prefix, u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("route %q: backend host is required", s.Prefix)
		}

		routes = append(routes, Route{
			Prefix:       s.Prefix,
			Backend:      u,
			Methods:      s.Methods,
			AuthRequired: s.AuthRequired,
			TimeoutMs:    s.TimeoutMs,
			order:        i,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].Prefix) != len(routes[j].Prefix) {
			return len(routes[i].Prefix) > len(routes[j].Prefix)
		}
		return routes[i].order < routes[j].order
	})

	return &Table{routes: routes}, nil
}

// Match returns the most specific route for path along with the path
// remainder after the matched prefix. The remainder always starts with "/"
// (an exact prefix hit yields "/").
func (t *Table) Match(path string) (Route, string, bool) {
	for _, r := range t.routes {
		if MatchesPrefix(path, r.Prefix) {
			rest := strings.TrimPrefix(path, strings.TrimSuffix(r.Prefix, "/"))
			if rest == "" {
				rest = "/"
			}
			return r, rest, true
		}
	}
	return Route{}, "", false
}

// Routes returns the compiled routes in match order. The returned slice
// must not be mutated.
func (t *Table) Routes() []Route {
	return t.routes
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	return len(t.routes)
}

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}
