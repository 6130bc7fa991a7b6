package artifact

import (
	"fmt"
	"strings"

	xerrors "PluginHost/internal/errors"
)

// ManifestID identifies a plugin independently of its version.
type ManifestID struct {
	Package  string
	Artifact string
}

// NewManifestID builds a ManifestID.
func NewManifestID(pkg, name string) ManifestID {
	return ManifestID{Package: pkg, Artifact: name}
}

// ParseManifestID parses "package:artifact".
func ParseManifestID(text string) (ManifestID, error) {
	parts := strings.Split(strings.TrimSpace(text), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ManifestID{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid manifest identifier %q, expected package:artifact", text)
	}
	m := ManifestID{Package: parts[0], Artifact: parts[1]}
	if err := m.Validate(); err != nil {
		return ManifestID{}, err
	}
	return m, nil
}

// Validate checks that both segments can name a single directory: not
// empty, not "." or "..", and free of path separators.
func (m ManifestID) Validate() error {
	if err := checkSegment("package", m.Package); err != nil {
		return err
	}
	return checkSegment("artifact", m.Artifact)
}

func checkSegment(kind, segment string) error {
	switch {
	case segment == "", segment == ".", segment == "..":
	case strings.ContainsAny(segment, "/\\\x00"):
	default:
		return nil
	}
	return xerrors.Newf(xerrors.CodeInvalidArgument, "invalid %s segment %q", kind, segment)
}

func (m ManifestID) String() string {
	return m.Package + ":" + m.Artifact
}

// IsZero reports whether m is the zero value.
func (m ManifestID) IsZero() bool {
	return m.Package == "" && m.Artifact == ""
}

// MarshalText encodes m as "package:artifact".
func (m ManifestID) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ManifestID) UnmarshalText(text []byte) error {
	parsed, err := ParseManifestID(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// WithVersion attaches a version.
func (m ManifestID) WithVersion(version string) ID {
	return ID{Manifest: m, Version: version}
}

// ID is a manifest plus a concrete version. It is immutable by convention.
type ID struct {
	Manifest ManifestID
	Version  string
}

// NewID builds an ID.
func NewID(pkg, name, version string) ID {
	return ID{Manifest: ManifestID{Package: pkg, Artifact: name}, Version: version}
}

// ParseID parses "package:artifact:version". The version must itself be parseable.
func ParseID(text string) (ID, error) {
	parts := strings.Split(strings.TrimSpace(text), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ID{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid artifact identifier %q, expected package:artifact:version", text)
	}
	id := NewID(parts[0], parts[1], parts[2])
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	if _, err := ParseVersion(parts[2]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Validate checks every segment the way ManifestID.Validate does.
func (id ID) Validate() error {
	if err := id.Manifest.Validate(); err != nil {
		return err
	}
	return checkSegment("version", id.Version)
}

// MustParseID is ParseID for literals known to be valid.
func MustParseID(text string) ID {
	id, err := ParseID(text)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Manifest.Package, id.Manifest.Artifact, id.Version)
}

// MarshalText encodes id as "package:artifact:version".
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// WithoutVersion projects the ID to its manifest.
func (id ID) WithoutVersion() ManifestID {
	return id.Manifest
}

// Compare orders IDs by manifest, then by semantic version.
func (id ID) Compare(other ID) int {
	if c := strings.Compare(id.Manifest.Package, other.Manifest.Package); c != 0 {
		return c
	}
	if c := strings.Compare(id.Manifest.Artifact, other.Manifest.Artifact); c != 0 {
		return c
	}
	return CompareVersions(id.Version, other.Version)
}
