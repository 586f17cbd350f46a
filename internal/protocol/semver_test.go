// ABOUTME: Tests for semantic version parsing and range matching
// ABOUTME: Covers constraint lists, common-version selection, malformed input

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, Version{1, 2, 3}, v)
	assert.Equal(t, "1.2.3", v.String())

	v, err = ParseVersion("v2.0.10")
	require.NoError(t, err)
	assert.Equal(t, Version{2, 0, 10}, v)

	for _, bad := range []string{"", "1", "1.2", "1.2.3.4", "a.b.c", "1.-2.3"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.1.0", "1.0.9", 1},
		{"2.0.0", "1.9.9", 1},
		{"0.9.0", "1.0.0", -1},
	}
	for _, tc := range cases {
		a, err := ParseVersion(tc.a)
		require.NoError(t, err)
		b, err := ParseVersion(tc.b)
		require.NoError(t, err)
		assert.Equal(t, tc.want, a.Compare(b), "%s vs %s", tc.a, tc.b)
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange(">=1.0.0,<2.0.0")
	require.NoError(t, err)

	for v, want := range map[string]bool{
		"1.0.0": true,
		"1.5.3": true,
		"1.9.9": true,
		"2.0.0": false,
		"0.9.9": false,
	} {
		ver, err := ParseVersion(v)
		require.NoError(t, err)
		assert.Equal(t, want, r.Matches(ver), "version %s", v)
	}

	// Empty and wildcard ranges match everything
	for _, s := range []string{"", "*"} {
		r, err := ParseRange(s)
		require.NoError(t, err)
		assert.True(t, r.Matches(Version{9, 9, 9}))
	}

	// Exact constraint without operator
	r, err = ParseRange("1.2.3")
	require.NoError(t, err)
	assert.True(t, r.Matches(Version{1, 2, 3}))
	assert.False(t, r.Matches(Version{1, 2, 4}))

	_, err = ParseRange(">=1.0.0,,<2.0.0")
	assert.Error(t, err)
	_, err = ParseRange(">=banana")
	assert.Error(t, err)
}

func TestMaxCommon(t *testing.T) {
	got, ok := MaxCommon([]string{"1.0.0", "1.1.0"}, []string{"1.0.0"})
	require.True(t, ok)
	assert.Equal(t, "1.0.0", got)

	got, ok = MaxCommon([]string{"1.0.0", "1.1.0", "2.0.0"}, []string{"2.0.0", "1.1.0"})
	require.True(t, ok)
	assert.Equal(t, "2.0.0", got)

	_, ok = MaxCommon([]string{"1.0.0"}, []string{"2.0.0"})
	assert.False(t, ok)

	_, ok = MaxCommon(nil, []string{"1.0.0"})
	assert.False(t, ok)
}

func TestMaxOf(t *testing.T) {
	assert.Equal(t, "2.1.0", MaxOf([]string{"1.0.0", "2.1.0", "2.0.5"}))
	assert.Equal(t, "", MaxOf(nil))
	assert.Equal(t, "1.0.0", MaxOf([]string{"garbage", "1.0.0"}))
}
