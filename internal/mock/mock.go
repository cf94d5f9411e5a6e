// Package mock implements the gateway's mock endpoint table: statically
// configured substitute responses that intercept request paths before any
// backend routing happens. A single parameterized entry can serve a whole
// family of paths by substituting path captures into its body template.
package mock

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Spec is the raw mock entry definition from the gateway configuration.
// Exactly one of Path, Pattern, or PathRegex selects the matching mode:
//
//   - Path: exact string match.
//   - Pattern: path segments with {name} parameters and */** wildcards,
//     e.g. "/v1/models/{namespace}/{name}".
//   - PathRegex: anchored RE2 with named capture groups.
type Spec struct {
	Path        string            `yaml:"path" json:"path,omitempty"`
	Pattern     string            `yaml:"pattern" json:"pattern,omitempty"`
	PathRegex   string            `yaml:"path_regex" json:"path_regex,omitempty"`
	Status      int               `yaml:"status" json:"status"`
	ContentType string            `yaml:"content_type" json:"content_type"`
	Headers     map[string]string `yaml:"headers" json:"headers,omitempty"`
	Body        string            `yaml:"body" json:"body"`
}

// Response is a fully rendered mock response, ready to be written.
// Pattern is the matched entry's selector (path, pattern, or path_regex),
// suitable as a bounded metric label where the request path is not.
type Response struct {
	Status      int
	ContentType string
	Headers     map[string]string
	Body        []byte
	Pattern     string
}

// selector returns whichever of Path, Pattern, or PathRegex is set.
func (s Spec) selector() string {
	switch {
	case s.Path != "":
		return s.Path
	case s.Pattern != "":
		return s.Pattern
	default:
		return s.PathRegex
	}
}

// entry is a compiled mock definition. Exactly one of re/glob is set for
// parameterized entries; exact entries live in the table's index instead.
type entry struct {
	spec Spec
	re   *regexp.Regexp // param or regex mode
	glob string         // wildcard-only pattern mode
}

// Table resolves request paths to mock responses. Matching is a pure
// function of the path and the static table; a Table is immutable after
// construction and safe for concurrent use.
type Table struct {
	exact   map[string]*entry // exact-path entries, checked first
	ordered []*entry          // parameterized entries in declaration order
	all     []*entry          // every entry in declaration order
}

// paramRe matches {name} segments in patterns and body templates.
var paramRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// NewTable compiles mock specs into a Table. All pattern and template
// errors are surfaced here so a request can never hit a malformed entry.
func NewTable(specs []Spec) (*Table, error) {
	t := &Table{
		exact: make(map[string]*entry),
		all:   make([]*entry, 0, len(specs)),
	}

	for i, s := range specs {
		if err := validateSelector(s); err != nil {
			return nil, fmt.Errorf("mock %d: %w", i, err)
		}
		s = applyDefaults(s)
		if s.Status < 100 || s.Status > 599 {
			return nil, fmt.Errorf("mock %d: status must be between 100 and 599, got %d", i, s.Status)
		}

		e := &entry{spec: s}

		switch {
		case s.Path != "":
			if !strings.HasPrefix(s.Path, "/") {
				return nil, fmt.Errorf("mock %d: path %q must start with /", i, s.Path)
			}
			if err := validateTemplate(s.Body, nil); err != nil {
				return nil, fmt.Errorf("mock %d (path %s): %w", i, s.Path, err)
			}
			if _, dup := t.exact[s.Path]; dup {
				return nil, fmt.Errorf("mock %d: duplicate exact path %q", i, s.Path)
			}
			t.exact[s.Path] = e

		case s.Pattern != "":
			if !strings.HasPrefix(s.Pattern, "/") {
				return nil, fmt.Errorf("mock %d: pattern %q must start with /", i, s.Pattern)
			}
			if paramRe.MatchString(s.Pattern) {
				re, err := compileParamPattern(s.Pattern)
				if err != nil {
					return nil, fmt.Errorf("mock %d: %w", i, err)
				}
				e.re = re
				if err := validateTemplate(s.Body, captureNames(re)); err != nil {
					return nil, fmt.Errorf("mock %d (pattern %s): %w", i, s.Pattern, err)
				}
			} else {
				if !doublestar.ValidatePattern(s.Pattern) {
					return nil, fmt.Errorf("mock %d: invalid wildcard pattern %q", i, s.Pattern)
				}
				e.glob = s.Pattern
				if err := validateTemplate(s.Body, nil); err != nil {
					return nil, fmt.Errorf("mock %d (pattern %s): %w", i, s.Pattern, err)
				}
			}
			t.ordered = append(t.ordered, e)

		case s.PathRegex != "":
			re, err := compileAnchored(s.PathRegex)
			if err != nil {
				return nil, fmt.Errorf("mock %d: invalid path_regex %q: %w", i, s.PathRegex, err)
			}
			e.re = re
			if err := validateTemplate(s.Body, captureNames(re)); err != nil {
				return nil, fmt.Errorf("mock %d (path_regex %s): %w", i, s.PathRegex, err)
			}
			t.ordered = append(t.ordered, e)
		}
		t.all = append(t.all, e)
	}

	return t, nil
}

// Match returns the rendered response for path. Exact entries win over
// parameterized ones; parameterized entries are tried in declaration
// order and the first match wins.
func (t *Table) Match(path string) (Response, bool) {
	if e, ok := t.exact[path]; ok {
		return e.render(nil), true
	}

	for _, e := range t.ordered {
		if e.re != nil {
			m := e.re.FindStringSubmatch(path)
			if m == nil {
				continue
			}
			captures := make(map[string]string)
			for i, name := range e.re.SubexpNames() {
				if i > 0 && name != "" {
					captures[name] = m[i]
				}
			}
			return e.render(captures), true
		}
		if matched, err := doublestar.Match(e.glob, path); err == nil && matched {
			return e.render(nil), true
		}
	}

	return Response{}, false
}

// Entries returns the specs in declaration order. Used by the admin API,
// so the output must be stable between calls.
func (t *Table) Entries() []Spec {
	out := make([]Spec, 0, len(t.all))
	for _, e := range t.all {
		out = append(out, e.spec)
	}
	return out
}

// Len returns the number of mock entries in the table.
func (t *Table) Len() int {
	return len(t.all)
}

func (e *entry) render(captures map[string]string) Response {
	body := e.spec.Body
	if len(captures) > 0 {
		body = paramRe.ReplaceAllStringFunc(body, func(m string) string {
			name := m[1 : len(m)-1]
			if v, ok := captures[name]; ok {
				return v
			}
			return m
		})
	}
	return Response{
		Status:      e.spec.Status,
		ContentType: e.spec.ContentType,
		Headers:     e.spec.Headers,
		Body:        []byte(body),
		Pattern:     e.spec.selector(),
	}
}

func validateSelector(s Spec) error {
	n := 0
	for _, v := range []string{s.Path, s.Pattern, s.PathRegex} {
		if v != "" {
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("one of path, pattern, or path_regex is required")
	}
	if n > 1 {
		return fmt.Errorf("path, pattern, and path_regex are mutually exclusive")
	}
	return nil
}

func applyDefaults(s Spec) Spec {
	if s.Status == 0 {
		s.Status = http.StatusOK
	}
	if s.ContentType == "" {
		s.ContentType = "application/json"
	}
	return s
}

// compileParamPattern converts a segment pattern like
// "/v1/models/{namespace}/{name}" into an anchored regex with named
// capture groups. A "*" segment matches one segment, "**" matches any
// remainder.
func compileParamPattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	seen := make(map[string]bool)
	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	for i, seg := range segments {
		switch {
		case seg == "**":
			if i != len(segments)-1 {
				return nil, fmt.Errorf("pattern %q: ** is only allowed as the final segment", pattern)
			}
			b.WriteString("/.*")
			continue
		case seg == "*":
			b.WriteString("/[^/]+")
			continue
		case paramRe.MatchString(seg):
			if m := paramRe.FindString(seg); m != seg {
				return nil, fmt.Errorf("pattern %q: segment %q must be a bare {param}", pattern, seg)
			}
			name := seg[1 : len(seg)-1]
			if seen[name] {
				return nil, fmt.Errorf("pattern %q: duplicate parameter {%s}", pattern, name)
			}
			seen[name] = true
			fmt.Fprintf(&b, "/(?P<%s>[^/]+)", name)
		default:
			b.WriteString("/" + regexp.QuoteMeta(seg))
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}

// compileAnchored compiles a user-supplied regex, forcing full-path
// anchoring so a partial match never intercepts an unintended path.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern = pattern + "$"
	}
	return regexp.Compile(pattern)
}

func captureNames(re *regexp.Regexp) map[string]bool {
	names := make(map[string]bool)
	for _, n := range re.SubexpNames() {
		if n != "" {
			names[n] = true
		}
	}
	return names
}

// validateTemplate rejects body templates that reference a capture the
// pattern does not define. Caught at load time, never at request time.
func validateTemplate(body string, captures map[string]bool) error {
	for _, m := range paramRe.FindAllStringSubmatch(body, -1) {
		name := m[1]
		if !captures[name] {
			return fmt.Errorf("body references {%s} but the pattern defines no such capture", name)
		}
	}
	return nil
}
