package routing

import "testing"

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/v1/models/meta", "/v1/models", true},
		{"/v1/models", "/v1/models", true},
		{"/v1/", "/v1/", true},
		{"/v1/datasets", "/v1/", true},
		{"/v1.evil.com/steal", "/v1", false},
		{"/v1-extended", "/v1", false},
		{"/v1models", "/v1", false},
		{"/v1", "/v1", true},
		{"/other", "/v1", false},
		{"/v1/models", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path+"_vs_"+tt.prefix, func(t *testing.T) {
			got := MatchesPrefix(tt.path, tt.prefix)
			if got != tt.want {
				t.Errorf("MatchesPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}

func mustTable(t *testing.T, specs []Spec) *Table {
	t.Helper()
	tbl, err := NewTable(specs)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestTable_LongestPrefixWins(t *testing.T) {
	tbl := mustTable(t, []Spec{
		{Prefix: "/v1/models", Backend: "http://backend-a:8000"},
		{Prefix: "/v1/models/meta", Backend: "http://backend-b:8000"},
	})

	route, rest, ok := tbl.Match("/v1/models/meta/llama")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.Backend.Host != "backend-b:8000" {
		t.Errorf("expected backend-b, got %s", route.Backend.Host)
	}
	if rest != "/llama" {
		t.Errorf("expected remainder /llama, got %q", rest)
	}
}

func TestTable_DeclarationOrderBreaksTies(t *testing.T) {
	// Same-length prefixes: first declared wins.
	tbl := mustTable(t, []Spec{
		{Prefix: "/v1/aa", Backend: "http://first:8000"},
		{Prefix: "/v1/bb", Backend: "http://second:8000"},
	})

	route, _, ok := tbl.Match("/v1/aa/x")
	if !ok || route.Backend.Host != "first:8000" {
		t.Errorf("expected first backend, got %+v ok=%v", route, ok)
	}
}

func TestTable_Remainder(t *testing.T) {
	tbl := mustTable(t, []Spec{
		{Prefix: "/v1/datasets", Backend: "http://datastore:3000"},
	})

	tests := []struct {
		path     string
		wantRest string
	}{
		{"/v1/datasets", "/"},
		{"/v1/datasets/default/squad", "/default/squad"},
	}
	for _, tt := range tests {
		_, rest, ok := tbl.Match(tt.path)
		if !ok {
			t.Fatalf("Match(%q): expected match", tt.path)
		}
		if rest != tt.wantRest {
			t.Errorf("Match(%q) remainder = %q, want %q", tt.path, rest, tt.wantRest)
		}
	}
}

func TestTable_NoMatch(t *testing.T) {
	tbl := mustTable(t, []Spec{
		{Prefix: "/v1/models", Backend: "http://entity-store:8000"},
	})
	if _, _, ok := tbl.Match("/v2/other"); ok {
		t.Error("expected no match for /v2/other")
	}
}

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
	}{
		{"empty prefix", []Spec{{Prefix: "", Backend: "http://x:1"}}},
		{"no leading slash", []Spec{{Prefix: "v1", Backend: "http://x:1"}}},
		{"duplicate prefix", []Spec{
			{Prefix: "/v1", Backend: "http://x:1"},
			{Prefix: "/v1", Backend: "http://y:1"},
		}},
		{"bad scheme", []Spec{{Prefix: "/v1", Backend: "ftp://x:1"}}},
		{"no host", []Spec{{Prefix: "/v1", Backend: "http://"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(tt.specs); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTable_TenIndependentPrefixes(t *testing.T) {
	prefixes := []string{
		"/v1/datasets",
		"/v1/customization",
		"/v1/evaluation",
		"/v1/guardrail",
		"/v1/entity-store",
		"/v1/models",
		"/v1/namespaces",
		"/v1/hf",
		"/v1/datastore",
		"/v1/repos",
	}
	specs := make([]Spec, len(prefixes))
	for i, p := range prefixes {
		specs[i] = Spec{Prefix: p, Backend: "http://backend-" + string(rune('a'+i)) + ":8000"}
	}
	tbl := mustTable(t, specs)

	for i, p := range prefixes {
		route, _, ok := tbl.Match(p + "/x")
		if !ok {
			t.Fatalf("expected match for %s", p)
		}
		want := "backend-" + string(rune('a'+i)) + ":8000"
		if route.Backend.Host != want {
			t.Errorf("prefix %s resolved to %s, want %s", p, route.Backend.Host, want)
		}
	}
}
