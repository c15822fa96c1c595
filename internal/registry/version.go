package registry

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// QueryKind selects the version resolution behavior.
type QueryKind int

const (
	// QueryLatest resolves to the highest stable version.
	QueryLatest QueryKind = iota
	// QueryMajor resolves to the highest version within a major line.
	QueryMajor
	// QueryMinorOf resolves to the highest patch of a major.minor line.
	QueryMinorOf
	// QueryExact matches one version.
	QueryExact
	// QueryConstraint applies a parsed constraint expression.
	QueryConstraint
	// QueryDigest bypasses tag resolution entirely.
	QueryDigest
)

// Query is a version selection request against a service's tag set.
type Query struct {
	Kind       QueryKind
	Major      int
	Minor      int
	Exact      string
	Digest     string
	Constraint *Constraint
}

// Latest returns the latest-stable query.
func Latest() Query { return Query{Kind: QueryLatest} }

// Major returns a major-line query.
func Major(m int) Query { return Query{Kind: QueryMajor, Major: m} }

// MinorOf returns a minor-line query.
func MinorOf(m, n int) Query { return Query{Kind: QueryMinorOf, Major: m, Minor: n} }

// Exact returns an exact-version query.
func Exact(v string) Query { return Query{Kind: QueryExact, Exact: v} }

// ByDigest returns a digest query.
func ByDigest(digest string) Query { return Query{Kind: QueryDigest, Digest: digest} }

// ParseQuery parses a CLI version argument: "latest", an exact version, a
// digest ("sha256:..."), or a constraint expression.
func ParseQuery(s string) (Query, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "latest":
		return Latest(), nil
	case strings.HasPrefix(s, "sha256:"):
		return ByDigest(strings.TrimPrefix(s, "sha256:")), nil
	}
	if semver.IsValid("v" + s) {
		return Exact(s), nil
	}
	c, err := ParseConstraint(s)
	if err != nil {
		return Query{}, err
	}
	return Query{Kind: QueryConstraint, Constraint: c}, nil
}

// String returns the display form.
func (q Query) String() string {
	switch q.Kind {
	case QueryLatest:
		return "latest"
	case QueryMajor:
		return fmt.Sprintf("major=%d", q.Major)
	case QueryMinorOf:
		return fmt.Sprintf("minor=%d.%d", q.Major, q.Minor)
	case QueryExact:
		return q.Exact
	case QueryConstraint:
		return q.Constraint.String()
	default:
		return "sha256:" + q.Digest
	}
}

// Resolve picks the version a query selects from a tag list. Tags that do
// not parse as "v"-prefixed semver are ignored.
func Resolve(tags []string, q Query) (string, error) {
	if q.Kind == QueryDigest {
		return "", &Error{Kind: ErrKindConflict, Message: "digest queries do not resolve against tags"}
	}

	best := ""
	for _, tag := range tags {
		if !semver.IsValid(tag) {
			continue
		}
		v := strings.TrimPrefix(tag, "v")
		if !q.matches(v) {
			continue
		}
		if best == "" || semver.Compare("v"+v, "v"+best) > 0 {
			best = v
		}
	}
	if best == "" {
		return "", &Error{Kind: ErrKindNotFound, Message: fmt.Sprintf("no version satisfies %s", q)}
	}
	return best, nil
}

func (q Query) matches(v string) bool {
	switch q.Kind {
	case QueryLatest:
		// Pre-releases never win a latest query.
		return semver.Prerelease("v"+v) == ""
	case QueryMajor:
		return majorOf(v) == q.Major && semver.Prerelease("v"+v) == ""
	case QueryMinorOf:
		return majorOf(v) == q.Major && minorOf(v) == q.Minor && semver.Prerelease("v"+v) == ""
	case QueryExact:
		return semver.Compare("v"+v, "v"+q.Exact) == 0
	case QueryConstraint:
		return q.Constraint.Satisfies(v)
	default:
		return false
	}
}

func majorOf(v string) int {
	m := strings.TrimPrefix(semver.Major("v"+v), "v")
	n, _ := strconv.Atoi(m)
	return n
}

func minorOf(v string) int {
	mm := semver.MajorMinor("v" + v)
	idx := strings.LastIndexByte(mm, '.')
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(mm[idx+1:])
	return n
}

func patchOf(v string) int {
	core := v
	if idx := strings.IndexAny(core, "-+"); idx >= 0 {
		core = core[:idx]
	}
	parts := strings.Split(core, ".")
	if len(parts) < 3 {
		return 0
	}
	n, _ := strconv.Atoi(parts[2])
	return n
}

// constraintOp is one comparison in a constraint conjunction.
type constraintOp struct {
	op      string // "=", ">=", "<", "^", "~"
	version string // without "v" prefix
}

// Constraint is a comma-separated conjunction of version comparisons.
type Constraint struct {
	ops []constraintOp
	src string
}

// ParseConstraint parses forms like "1.2.3", ">=1.0.0,<2.0.0", "^1.2.0",
// "~1.2.0".
func ParseConstraint(s string) (*Constraint, error) {
	c := &Constraint{src: s}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		op := "="
		switch {
		case strings.HasPrefix(part, ">="):
			op, part = ">=", part[2:]
		case strings.HasPrefix(part, "<"):
			op, part = "<", part[1:]
		case strings.HasPrefix(part, "^"):
			op, part = "^", part[1:]
		case strings.HasPrefix(part, "~"):
			op, part = "~", part[1:]
		}
		part = strings.TrimSpace(part)
		if !semver.IsValid("v" + part) {
			return nil, &Error{Kind: ErrKindConflict, Message: fmt.Sprintf("invalid version %q in constraint %q", part, s)}
		}
		c.ops = append(c.ops, constraintOp{op: op, version: part})
	}
	if len(c.ops) == 0 {
		return nil, &Error{Kind: ErrKindConflict, Message: fmt.Sprintf("empty constraint %q", s)}
	}
	return c, nil
}

// String returns the source form.
func (c *Constraint) String() string { return c.src }

// Satisfies reports whether a version meets every comparison. A pre-release
// version satisfies only a constraint that itself names a pre-release.
func (c *Constraint) Satisfies(v string) bool {
	if !semver.IsValid("v" + v) {
		return false
	}
	if semver.Prerelease("v"+v) != "" {
		named := false
		for _, op := range c.ops {
			if semver.Prerelease("v"+op.version) != "" {
				named = true
			}
		}
		if !named {
			return false
		}
	}
	for _, op := range c.ops {
		if !op.satisfies(v) {
			return false
		}
	}
	return true
}

func (o constraintOp) satisfies(v string) bool {
	cmp := semver.Compare("v"+v, "v"+o.version)
	switch o.op {
	case "=":
		return cmp == 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "^":
		// >=X.Y.Z and same major.
		return cmp >= 0 && majorOf(v) == majorOf(o.version)
	case "~":
		// >=X.Y.Z and same major.minor.
		return cmp >= 0 && majorOf(v) == majorOf(o.version) && minorOf(v) == minorOf(o.version)
	default:
		return false
	}
}

// ChangeClass categorizes a policy change for version bump suggestions.
type ChangeClass int

const (
	// ChangeNonSemantic covers comment, formatting, and performance changes.
	ChangeNonSemantic ChangeClass = iota
	// ChangeAddsAllowPath adds an allow path or a new operation.
	ChangeAddsAllowPath
	// ChangeRemovesAllowPath removes or tightens an allow path.
	ChangeRemovesAllowPath
	// ChangeAltersDecision changes the decision for an existing input.
	ChangeAltersDecision
)

// SuggestBump applies the mechanical bump table to a current version.
func SuggestBump(current string, change ChangeClass) (string, error) {
	if !semver.IsValid("v" + current) {
		return "", &Error{Kind: ErrKindConflict, Message: fmt.Sprintf("invalid version %q", current)}
	}
	major, minor, patch := majorOf(current), minorOf(current), patchOf(current)
	switch change {
	case ChangeRemovesAllowPath, ChangeAltersDecision:
		return fmt.Sprintf("%d.0.0", major+1), nil
	case ChangeAddsAllowPath:
		return fmt.Sprintf("%d.%d.0", major, minor+1), nil
	default:
		return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
	}
}
