// ABOUTME: Semantic version parsing, comparison, and range matching
// ABOUTME: Supports constraint lists like ">=1.0.0,<2.0.0" for discovery queries

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed MAJOR.MINOR.PATCH semantic version.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses a "MAJOR.MINOR.PATCH" string. A leading "v" is allowed.
func ParseVersion(s string) (Version, error) {
	trimmed := strings.TrimPrefix(s, "v")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: want MAJOR.MINOR.PATCH", s)
	}

	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: component %q is not a non-negative integer", s, part)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String formats the version as MAJOR.MINOR.PATCH.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	for _, pair := range [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}
	return 0
}

// constraint is a single comparison against a version.
type constraint struct {
	op  string
	ver Version
}

func (c constraint) matches(v Version) bool {
	cmp := v.Compare(c.ver)
	switch c.op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case "=", "==", "":
		return cmp == 0
	case "!=":
		return cmp != 0
	default:
		return false
	}
}

// Range is a conjunction of version constraints.
type Range struct {
	constraints []constraint
}

// ParseRange parses a comma-separated constraint list, e.g. ">=1.0.0,<2.0.0".
// An empty string or "*" matches every version.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Range{}, nil
	}

	var r Range
	for _, raw := range strings.Split(s, ",") {
		part := strings.TrimSpace(raw)
		if part == "" {
			return Range{}, fmt.Errorf("invalid version range %q: empty constraint", s)
		}

		op := ""
		for _, candidate := range []string{">=", "<=", "==", "!=", ">", "<", "="} {
			if strings.HasPrefix(part, candidate) {
				op = candidate
				part = strings.TrimSpace(part[len(candidate):])
				break
			}
		}

		ver, err := ParseVersion(part)
		if err != nil {
			return Range{}, fmt.Errorf("invalid version range %q: %w", s, err)
		}
		r.constraints = append(r.constraints, constraint{op: op, ver: ver})
	}
	return r, nil
}

// Matches reports whether the version satisfies every constraint.
func (r Range) Matches(v Version) bool {
	for _, c := range r.constraints {
		if !c.matches(v) {
			return false
		}
	}
	return true
}

// MaxCommon returns the highest version present in both lists, parsing each
// entry; unparseable entries are skipped. ok is false when there is no
// common version.
func MaxCommon(a, b []string) (string, bool) {
	inB := make(map[Version]bool, len(b))
	for _, s := range b {
		if v, err := ParseVersion(s); err == nil {
			inB[v] = true
		}
	}

	var best Version
	found := false
	for _, s := range a {
		v, err := ParseVersion(s)
		if err != nil || !inB[v] {
			continue
		}
		if !found || v.Compare(best) > 0 {
			best = v
			found = true
		}
	}
	if !found {
		return "", false
	}
	return best.String(), true
}

// MaxOf returns the highest parseable version in the list, or "" if none.
func MaxOf(versions []string) string {
	var best Version
	found := false
	for _, s := range versions {
		v, err := ParseVersion(s)
		if err != nil {
			continue
		}
		if !found || v.Compare(best) > 0 {
			best = v
			found = true
		}
	}
	if !found {
		return ""
	}
	return best.String()
}
