package artifact

import (
	"fmt"
	"strings"

	xerrors "PluginHost/internal/errors"
)

// Scope classifies a dependency edge.
type Scope string

const (
	ScopeCompile  Scope = "compile"
	ScopeRuntime  Scope = "runtime"
	ScopeProvided Scope = "provided"
	ScopeTest     Scope = "test"
	ScopeSystem   Scope = "system"
)

// ParseScope maps a scope string to the enum. An empty string is compile.
// Unknown scopes are configuration errors; callers must not skip the edge.
func ParseScope(text string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(text))) {
	case "", ScopeCompile:
		return ScopeCompile, nil
	case ScopeRuntime:
		return ScopeRuntime, nil
	case ScopeProvided:
		return ScopeProvided, nil
	case ScopeTest:
		return ScopeTest, nil
	case ScopeSystem:
		return ScopeSystem, nil
	}
	return "", xerrors.Newf(xerrors.CodeConfiguration, "unknown dependency scope %q", text)
}

// Library reports whether edges of this scope contribute to a plugin's private
// library set.
func (s Scope) Library() bool {
	return s == ScopeCompile || s == ScopeRuntime
}

// Dependency is a directed, scoped edge between two artifacts.
type Dependency struct {
	Parent   ID    `json:"parent"`
	Child    ID    `json:"child"`
	Scope    Scope `json:"scope"`
	Required bool  `json:"required"`
}

func (d Dependency) String() string {
	opt := ""
	if !d.Required {
		opt = " (optional)"
	}
	return fmt.Sprintf("%s -> %s [%s]%s", d.Parent, d.Child, d.Scope, opt)
}
