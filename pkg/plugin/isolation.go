package plugin

import (
	"slices"

	xerrors "PluginHost/internal/errors"
)

// IsolationStrategy enforces security restrictions for plugins at runtime.
// Validate runs at load, Prepare before the enable hook and Cleanup after
// the disable hook.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// NoopIsolationStrategy performs only capability validation.
type NoopIsolationStrategy struct{}

// Validate ensures the plugin requested capabilities are allowed.
func (NoopIsolationStrategy) Validate(info Info, policy IsolationPolicy) error {
	allowed := map[Capability]struct{}{}
	for _, c := range policy.AllowedCapabilities {
		allowed[c] = struct{}{}
	}
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(info.Capabilities, c) {
			return xerrors.Newf(xerrors.CodePluginLoad, "%s: capability %s is explicitly denied", info.ID, c)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, c := range info.Capabilities {
		if _, ok := allowed[c]; !ok {
			return xerrors.Newf(xerrors.CodePluginLoad, "%s: capability %s not permitted", info.ID, c)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy returns a default isolation strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return NoopIsolationStrategy{}
	}
	return strategy
}

// MergePolicies combines the default and plugin specific isolation policies.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy rejects plugins that request capabilities when no policy is configured.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return xerrors.Newf(xerrors.CodePluginLoad, "%s declares capabilities but no isolation policy is configured", info.ID)
	}
	return nil
}
