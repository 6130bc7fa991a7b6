package plugin

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
)

// DefaultAPI is the reserved manifest and version of the host API.
const DefaultAPI = "pluginhost:api:1.0.0"

// ManagerConfig describes how the plugin manager should behave.
type ManagerConfig struct {
	// API is the host API artifact. Provided edges on its manifest are
	// version-checked and never loaded.
	API string `yaml:"api_version" mapstructure:"api_version"`
	// Aliases map short names to artifact identifiers.
	Aliases map[string]string `yaml:"aliases" mapstructure:"aliases"`
	// LoadTimeoutSeconds bounds entry points and hooks. Zero waits forever.
	LoadTimeoutSeconds int `yaml:"load_timeout_seconds" mapstructure:"load_timeout_seconds"`
	// EnableOnInstall enables a plugin right after a successful install.
	EnableOnInstall bool `yaml:"enable_on_install" mapstructure:"enable_on_install"`

	Defaults IsolationPolicy            `yaml:"defaults" mapstructure:"defaults"`
	Policies map[string]IsolationPolicy `yaml:"policies" mapstructure:"policies"`
}

// IsolationPolicy governs the security restrictions enforced for a plugin.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities" mapstructure:"allowed_capabilities"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities" mapstructure:"denied_capabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, xerrors.New(xerrors.CodeConfiguration, "config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Wrap(xerrors.CodeConfiguration, err, "read plugin config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, xerrors.Wrap(xerrors.CodeConfiguration, err, "unmarshal plugin config")
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	if c.API != "" {
		if _, err := artifact.ParseID(c.API); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "api_version")
		}
	}
	for alias, target := range c.Aliases {
		if alias == "" {
			return xerrors.New(xerrors.CodeConfiguration, "alias cannot be empty")
		}
		if _, err := artifact.ParseID(target); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("alias %s", alias))
		}
	}
	for manifest := range c.Policies {
		if _, err := artifact.ParseManifestID(manifest); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "policies")
		}
	}
	if c.LoadTimeoutSeconds < 0 {
		return xerrors.New(xerrors.CodeConfiguration, "load_timeout_seconds cannot be negative")
	}
	return nil
}

func (c ManagerConfig) apiID() artifact.ID {
	if c.API == "" {
		return artifact.MustParseID(DefaultAPI)
	}
	return artifact.MustParseID(c.API)
}

func (c ManagerConfig) timeout() time.Duration {
	return time.Duration(c.LoadTimeoutSeconds) * time.Second
}

func (c ManagerConfig) policyFor(id artifact.ManifestID) IsolationPolicy {
	if p, ok := c.Policies[id.String()]; ok {
		return MergePolicies(c.Defaults, &p)
	}
	return c.Defaults
}
