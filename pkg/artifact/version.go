package artifact

import (
	"strconv"
	"strings"

	xerrors "PluginHost/internal/errors"
)

// Version is a parsed dotted version such as 1.5, 2.0.1 or 1.0.0-rc.1.
// Missing trailing components compare as zero, so 2.0 == 2.0.0.
type Version struct {
	raw        string
	segments   []int
	prerelease string
}

// ParseVersion parses a dotted numeric version with an optional -prerelease
// and ignored +build suffix.
func ParseVersion(text string) (Version, error) {
	raw := strings.TrimSpace(text)
	s := strings.TrimPrefix(raw, "v")
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	var pre string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s, pre = s[:i], s[i+1:]
		if pre == "" {
			return Version{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid version %q: empty prerelease", text)
		}
	}
	if s == "" {
		return Version{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid version %q", text)
	}
	fields := strings.Split(s, ".")
	segments := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return Version{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid version %q: segment %q is not a number", text, f)
		}
		segments = append(segments, n)
	}
	return Version{raw: raw, segments: segments, prerelease: pre}, nil
}

func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(other Version) int {
	n := max(len(v.segments), len(other.segments))
	for i := 0; i < n; i++ {
		a, b := segment(v.segments, i), segment(other.segments, i)
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return comparePrerelease(v.prerelease, other.prerelease)
}

func segment(s []int, i int) int {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// A release sorts after any of its prereleases. Prerelease identifiers compare
// numerically when both are numbers, lexically otherwise.
func comparePrerelease(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an < bn {
				return -1
			}
			return 1
		case aerr == nil:
			return -1
		case berr == nil:
			return 1
		}
		return strings.Compare(as[i], bs[i])
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

// CompareVersions compares two version strings. Unparseable versions sort
// before parseable ones and lexically among themselves.
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// Latest returns the highest of the given IDs, or false when ids is empty.
func Latest(ids []ID) (ID, bool) {
	if len(ids) == 0 {
		return ID{}, false
	}
	best := ids[0]
	for _, id := range ids[1:] {
		if CompareVersions(id.Version, best.Version) > 0 {
			best = id
		}
	}
	return best, true
}
