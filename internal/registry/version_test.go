package registry

import (
	"testing"
)

var scenarioTags = []string{"v1.0.0", "v1.1.0", "v1.1.2", "v2.0.0-rc.1", "v2.0.0"}

func TestResolveLatestSkipsPrerelease(t *testing.T) {
	got, err := Resolve(scenarioTags, Latest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "2.0.0" {
		t.Errorf("latest = %s, want 2.0.0", got)
	}
}

func TestResolveConstraints(t *testing.T) {
	cases := []struct {
		constraint string
		want       string
	}{
		{"^1.0.0", "1.1.2"},
		{"~1.1.0", "1.1.2"},
		{">=1.0.0,<2.0.0", "1.1.2"},
		{"1.1.0", "1.1.0"},
	}
	for _, tc := range cases {
		c, err := ParseConstraint(tc.constraint)
		if err != nil {
			t.Fatalf("ParseConstraint(%q): %v", tc.constraint, err)
		}
		got, err := Resolve(scenarioTags, Query{Kind: QueryConstraint, Constraint: c})
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.constraint, err)
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %s, want %s", tc.constraint, got, tc.want)
		}
	}
}

func TestResolveMajorAndMinor(t *testing.T) {
	got, err := Resolve(scenarioTags, Major(1))
	if err != nil || got != "1.1.2" {
		t.Errorf("Major(1) = %s, %v; want 1.1.2", got, err)
	}
	got, err = Resolve(scenarioTags, MinorOf(1, 0))
	if err != nil || got != "1.0.0" {
		t.Errorf("MinorOf(1,0) = %s, %v; want 1.0.0", got, err)
	}
}

func TestResolveNoMatch(t *testing.T) {
	_, err := Resolve(scenarioTags, Major(9))
	rerr, ok := err.(*Error)
	if !ok || rerr.Kind != ErrKindNotFound {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestResolveIgnoresJunkTags(t *testing.T) {
	got, err := Resolve([]string{"garbage", "v1.0.0", "latest"}, Latest())
	if err != nil || got != "1.0.0" {
		t.Errorf("got %s, %v; want 1.0.0", got, err)
	}
}

func TestConstraintSatisfies(t *testing.T) {
	cases := []struct {
		constraint string
		version    string
		want       bool
	}{
		{"^1.2.0", "1.2.0", true},
		{"^1.2.0", "1.9.9", true},
		{"^1.2.0", "2.0.0", false},
		{"^1.2.0", "1.1.9", false},
		{"~1.2.0", "1.2.0", true},
		{"~1.2.0", "1.2.5", true},
		{"~1.2.0", "1.3.0", false},
		{">=1.0.0,<2.0.0", "1.5.0", true},
		{">=1.0.0,<2.0.0", "2.0.0", false},
		{">=1.0.0,<2.0.0", "0.9.0", false},
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.2.4", false},
		{">=2.0.0-rc.1", "2.0.0-rc.2", true},
		{">=2.0.0", "2.0.0-rc.1", false},
	}
	for _, tc := range cases {
		c, err := ParseConstraint(tc.constraint)
		if err != nil {
			t.Fatalf("ParseConstraint(%q): %v", tc.constraint, err)
		}
		if got := c.Satisfies(tc.version); got != tc.want {
			t.Errorf("Satisfies(%q, %q) = %v, want %v", tc.constraint, tc.version, got, tc.want)
		}
	}
}

func TestParseQueryForms(t *testing.T) {
	q, err := ParseQuery("latest")
	if err != nil || q.Kind != QueryLatest {
		t.Errorf("latest: %+v, %v", q, err)
	}
	q, err = ParseQuery("1.2.3")
	if err != nil || q.Kind != QueryExact || q.Exact != "1.2.3" {
		t.Errorf("exact: %+v, %v", q, err)
	}
	q, err = ParseQuery("sha256:deadbeef")
	if err != nil || q.Kind != QueryDigest || q.Digest != "deadbeef" {
		t.Errorf("digest: %+v, %v", q, err)
	}
	q, err = ParseQuery("^1.0.0")
	if err != nil || q.Kind != QueryConstraint {
		t.Errorf("constraint: %+v, %v", q, err)
	}
	if _, err := ParseQuery("not a version"); err == nil {
		t.Error("junk query must fail")
	}
}

func TestSuggestBump(t *testing.T) {
	cases := []struct {
		change ChangeClass
		want   string
	}{
		{ChangeRemovesAllowPath, "2.0.0"},
		{ChangeAltersDecision, "2.0.0"},
		{ChangeAddsAllowPath, "1.3.0"},
		{ChangeNonSemantic, "1.2.4"},
	}
	for _, tc := range cases {
		got, err := SuggestBump("1.2.3", tc.change)
		if err != nil {
			t.Fatalf("SuggestBump: %v", err)
		}
		if got != tc.want {
			t.Errorf("SuggestBump(1.2.3, %d) = %s, want %s", tc.change, got, tc.want)
		}
	}
}
