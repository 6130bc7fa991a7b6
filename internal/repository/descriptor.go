package repository

import (
	"fmt"

	"gopkg.in/yaml.v3"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
)

// DescriptorFile is the per-version metadata file of the local layout.
const DescriptorFile = "artifact.yaml"

// ContentDir holds the artifact payload next to the descriptor.
const ContentDir = "content"

// Descriptor is the YAML form of an artifact's declared dependencies.
type Descriptor struct {
	Description  string               `yaml:"description"`
	Dependencies []DependencyDocument `yaml:"dependencies"`
}

// DependencyDocument is one declared edge.
type DependencyDocument struct {
	ID       string `yaml:"id"`
	Scope    string `yaml:"scope"`
	Optional bool   `yaml:"optional"`
}

// Edge is a declared dependency without its parent, used to build artifacts.
type Edge struct {
	Child    artifact.ID
	Scope    artifact.Scope
	Optional bool
}

// Provided returns a required provided-scope edge.
func Provided(child string) Edge {
	return Edge{Child: artifact.MustParseID(child), Scope: artifact.ScopeProvided}
}

// Compile returns a required compile-scope edge.
func Compile(child string) Edge {
	return Edge{Child: artifact.MustParseID(child), Scope: artifact.ScopeCompile}
}

// AsOptional marks the edge as not required.
func (e Edge) AsOptional() Edge {
	e.Optional = true
	return e
}

func parseDescriptor(raw []byte) (Descriptor, error) {
	var doc Descriptor
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, xerrors.Wrap(xerrors.CodeConfiguration, err, "decode "+DescriptorFile)
	}
	return doc, nil
}

// edges converts the document into typed edges. Unknown scopes and malformed
// identifiers fail the whole descriptor.
func (d Descriptor) edges(parent artifact.ID) ([]artifact.Dependency, error) {
	deps := make([]artifact.Dependency, 0, len(d.Dependencies))
	for i, doc := range d.Dependencies {
		child, err := artifact.ParseID(doc.ID)
		if err != nil {
			return nil, xerrors.Wrapf(xerrors.CodeConfiguration, err, "%s dependency #%d", parent, i)
		}
		scope, err := artifact.ParseScope(doc.Scope)
		if err != nil {
			return nil, xerrors.Wrapf(xerrors.CodeConfiguration, err, "%s dependency %s", parent, child)
		}
		deps = append(deps, artifact.Dependency{Parent: parent, Child: child, Scope: scope, Required: !doc.Optional})
	}
	return deps, nil
}

func edgesToDependencies(parent artifact.ID, edges []Edge) []artifact.Dependency {
	deps := make([]artifact.Dependency, 0, len(edges))
	for _, e := range edges {
		deps = append(deps, artifact.Dependency{Parent: parent, Child: e.Child, Scope: e.Scope, Required: !e.Optional})
	}
	return deps
}

func notFound(what fmt.Stringer) error {
	return xerrors.Newf(xerrors.CodeArtifactNotFound, "%s not found", what)
}
