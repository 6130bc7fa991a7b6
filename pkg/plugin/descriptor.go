package plugin

import (
	"errors"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
)

// DescriptorFile is read from the root of a plugin artifact's content.
const DescriptorFile = "plugin.yaml"

// DefaultSymbol is looked up in the plugin code when the descriptor names none.
const DefaultSymbol = "Plugin"

type descriptorDocument struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Authors      []string     `yaml:"authors"`
	Entry        string       `yaml:"entry"`
	Symbol       string       `yaml:"symbol"`
	Capabilities []Capability `yaml:"capabilities"`
}

// ReadInfo parses the plugin descriptor of an obtained artifact.
func ReadInfo(local artifact.LocalArtifact) (Info, error) {
	id := local.ID()
	content := local.Content()
	if content == nil {
		return Info{}, xerrors.Newf(xerrors.CodePluginLoad, "%s has no content", id)
	}
	raw, err := fs.ReadFile(content, DescriptorFile)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, xerrors.Newf(xerrors.CodePluginLoad, "%s is missing %s", id, DescriptorFile)
	}
	if err != nil {
		return Info{}, xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "read %s of %s", DescriptorFile, id)
	}
	var doc descriptorDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Info{}, xerrors.Wrapf(xerrors.CodePluginLoad, err, "decode %s of %s", DescriptorFile, id)
	}
	if strings.TrimSpace(doc.Entry) == "" {
		return Info{}, xerrors.Newf(xerrors.CodePluginLoad, "%s of %s declares no entry", DescriptorFile, id)
	}
	if doc.Symbol == "" {
		doc.Symbol = DefaultSymbol
	}
	return Info{
		ID:           id,
		Name:         doc.Name,
		Description:  doc.Description,
		Authors:      doc.Authors,
		Entry:        strings.TrimSpace(doc.Entry),
		Symbol:       doc.Symbol,
		Capabilities: doc.Capabilities,
	}, nil
}

// entryScheme splits "scheme:target". Without a scheme the file extension
// decides, and a bare name refers to a native plugin.
func entryScheme(entry string) (scheme, target string) {
	if i := strings.Index(entry, ":"); i > 0 {
		return entry[:i], entry[i+1:]
	}
	switch path.Ext(entry) {
	case ".so":
		return SchemeShared, entry
	case ".lua":
		return "lua", entry
	}
	return SchemeNative, entry
}
