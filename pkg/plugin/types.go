package plugin

import (
	"strings"

	"PluginHost/pkg/artifact"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation, read from
// its plugin.yaml.
type Info struct {
	ID           artifact.ID
	Name         string
	Description  string
	Authors      []string
	Entry        string
	Symbol       string
	Capabilities []Capability
}

// ShortName is the name used to refer to a loaded plugin without its package.
func (i Info) ShortName() string {
	if i.Name != "" {
		return strings.ToLower(i.Name)
	}
	return strings.ToLower(i.ID.Manifest.Artifact)
}

// InstanceState is the load position of a plugin instance.
type InstanceState string

const (
	StateUnloaded InstanceState = "unloaded"
	StateLoading  InstanceState = "loading"
	StateLoaded   InstanceState = "loaded"
)

// EventType names a lifecycle transition reported to an EventSink.
type EventType string

const (
	EventLoaded      EventType = "plugin.loaded"
	EventInstalled   EventType = "plugin.installed"
	EventUninstalled EventType = "plugin.uninstalled"
	EventEnabled     EventType = "plugin.enabled"
	EventDisabled    EventType = "plugin.disabled"
	EventEnableFail  EventType = "plugin.enable_failed"
	EventShadowed    EventType = "plugin.shadowed"
	EventAutoRemoved EventType = "plugin.autoremoved"
	EventUpdated     EventType = "plugin.updated"
)
