package api

import (
	"time"

	"PluginHost/pkg/plugin"
)

// PluginView is the JSON form of a registration.
type PluginView struct {
	ID           string            `json:"id"`
	Manifest     string            `json:"manifest"`
	Version      string            `json:"version"`
	Required     bool              `json:"required"`
	AutoStart    bool              `json:"auto_start"`
	Elevated     bool              `json:"elevated"`
	Loaded       bool              `json:"loaded"`
	Enabled      bool              `json:"enabled"`
	Resident     string            `json:"resident,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Info         *InfoView         `json:"info,omitempty"`
	Dependencies []EdgeView        `json:"dependencies,omitempty"`
	Dependers    []EdgeView        `json:"dependers,omitempty"`
	Commands     []string          `json:"commands,omitempty"`
}

// InfoView is the plugin descriptor of a loaded plugin.
type InfoView struct {
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Authors      []string `json:"authors,omitempty"`
	Entry        string   `json:"entry"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// EdgeView is one side of a provided dependency.
type EdgeView struct {
	Plugin   string `json:"plugin"`
	Declared string `json:"declared"`
	Enabled  bool   `json:"enabled"`
	Required bool   `json:"required"`
}

// InstallRequest installs an artifact typed the way a user would.
type InstallRequest struct {
	ID         string            `json:"id"`
	Elevated   bool              `json:"elevated,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// PropertyRequest sets one property.
type PropertyRequest struct {
	Value string `json:"value"`
}

// UpdateResponse reports the outcome of an update.
type UpdateResponse struct {
	ID      string `json:"id"`
	Changed bool   `json:"changed"`
}

// AutoRemoveResponse lists what auto-remove uninstalled.
type AutoRemoveResponse struct {
	Removed []string `json:"removed"`
}

// SearchResponse lists matching manifests.
type SearchResponse struct {
	Manifests []string `json:"manifests"`
}

// CommandRequest carries the arguments of a command invocation.
type CommandRequest struct {
	Args []string `json:"args"`
}

// CommandResponse is a command's reply.
type CommandResponse struct {
	Output string `json:"output"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewPluginView renders a registration. Detailed views include descriptor
// info and graph edges of the loaded plugin.
func NewPluginView(reg *plugin.Registration, detailed bool) PluginView {
	rec := reg.Record()
	view := PluginView{
		ID:        rec.ID.String(),
		Manifest:  rec.ID.Manifest.String(),
		Version:   rec.ID.Version,
		Required:  rec.Required,
		AutoStart: rec.Enabled,
		Elevated:  rec.Elevated,
		UpdatedAt: rec.UpdatedAt,
	}
	if detailed {
		view.Properties = rec.Properties
	}
	live := reg.Plugin()
	if live == nil {
		return view
	}
	view.Loaded = true
	view.Enabled = live.Enabled()
	if live.ID() != rec.ID {
		view.Resident = live.ID().String()
	}
	if !detailed {
		return view
	}
	info := live.Info()
	caps := make([]string, len(info.Capabilities))
	for i, c := range info.Capabilities {
		caps[i] = string(c)
	}
	view.Info = &InfoView{
		Name:         info.Name,
		Description:  info.Description,
		Authors:      info.Authors,
		Entry:        info.Entry,
		Capabilities: caps,
	}
	view.Dependencies = edgeViews(live.Dependencies())
	view.Dependers = edgeViews(live.Dependers())
	view.Commands = live.Contributions().CommandLabels()
	return view
}

func edgeViews(edges []plugin.Edge) []EdgeView {
	out := make([]EdgeView, len(edges))
	for i, e := range edges {
		out[i] = EdgeView{
			Plugin:   e.Plugin.ID().String(),
			Declared: e.Declared.String(),
			Enabled:  e.Plugin.Enabled(),
			Required: e.Required,
		}
	}
	return out
}
