package artifact

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.5", "2.0", -1},
		{"2.0", "2.0.0", 0},
		{"2.1", "2.0", 1},
		{"1.10", "1.9", 1},
		{"v1.2.3", "1.2.3", 0},
		{"1.0.0-rc.1", "1.0.0", -1},
		{"1.0.0-rc.2", "1.0.0-rc.10", -1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0+build.7", "1.0.0", 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s vs %s", tc.a, tc.b), func(t *testing.T) {
			assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b))
			assert.Equal(t, -tc.want, CompareVersions(tc.b, tc.a))
		})
	}
}

func TestParseVersionRejectsGarbage(t *testing.T) {
	for _, text := range []string{"", "v", "1..2", "a.b", "1.0-", "-1"} {
		_, err := ParseVersion(text)
		require.Error(t, err, text)
	}
}

func TestLatest(t *testing.T) {
	_, ok := Latest(nil)
	require.False(t, ok)

	ids := []ID{MustParseID("a:b:1.2"), MustParseID("a:b:1.10"), MustParseID("a:b:1.9.9")}
	latest, ok := Latest(ids)
	require.True(t, ok)
	require.Equal(t, "1.10", latest.Version)
}

func versionGen() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		n := rapid.IntRange(1, 4).Draw(t, "segments")
		v := ""
		for i := 0; i < n; i++ {
			if i > 0 {
				v += "."
			}
			v += fmt.Sprint(rapid.IntRange(0, 20).Draw(t, "segment"))
		}
		if rapid.Bool().Draw(t, "pre") {
			v += "-" + rapid.SampledFrom([]string{"alpha", "beta", "rc.1", "rc.2", "1"}).Draw(t, "label")
		}
		return v
	})
}

func TestCompareVersionsIsATotalOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := versionGen().Draw(t, "a")
		b := versionGen().Draw(t, "b")
		c := versionGen().Draw(t, "c")

		if CompareVersions(a, a) != 0 {
			t.Fatalf("%s is not equal to itself", a)
		}
		if CompareVersions(a, b) != -CompareVersions(b, a) {
			t.Fatalf("compare(%s, %s) is not antisymmetric", a, b)
		}
		if CompareVersions(a, b) <= 0 && CompareVersions(b, c) <= 0 && CompareVersions(a, c) > 0 {
			t.Fatalf("%s <= %s <= %s but %s > %s", a, b, c, a, c)
		}
	})
}

func TestTrailingZerosDoNotChangeOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := versionGen().Draw(t, "v")
		if CompareVersions(v, v) != 0 {
			t.Fatalf("self compare")
		}
		base := v
		pre := ""
		for i := range v {
			if v[i] == '-' {
				base, pre = v[:i], v[i:]
				break
			}
		}
		if CompareVersions(v, base+".0"+pre) != 0 {
			t.Fatalf("%s != %s", v, base+".0"+pre)
		}
	})
}

func TestIdentifierRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z][a-z0-9.\-]{0,12}`)
		id := NewID(name.Draw(t, "package"), name.Draw(t, "artifact"), versionGen().Draw(t, "version"))
		parsed, err := ParseID(id.String())
		if err != nil {
			t.Fatalf("parse %s: %v", id, err)
		}
		if parsed != id {
			t.Fatalf("round trip: got %v want %v", parsed, id)
		}
		if parsed.WithoutVersion() != id.Manifest {
			t.Fatalf("manifest projection mismatch")
		}
	})
}
