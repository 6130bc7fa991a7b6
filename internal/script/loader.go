package script

import (
	"context"
	"errors"
	"io/fs"

	lua "github.com/yuin/gopher-lua"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/plugin"
)

// Scheme is the entry scheme served by Loader, as in "lua:main.lua".
const Scheme = "lua"

// Loader opens Lua entry points.
type Loader struct{}

// Open runs the entry script. The script returns a module table whose
// optional on_load, on_enable and on_disable functions become the plugin
// hooks; its other fields are the symbols it exports.
func (Loader) Open(_ context.Context, local artifact.LocalArtifact, target string, lc *plugin.LoadingContext) (plugin.CodeSource, error) {
	source, err := fs.ReadFile(local.Content(), target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Newf(xerrors.CodePluginLoad, "%s: entry script %s not found", local.ID(), target)
	}
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "read %s of %s", target, local.ID())
	}
	s := newState(lc)
	module, err := s.run(target, string(source))
	if err != nil {
		s.Close()
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "run %s of %s", target, local.ID())
	}
	table, ok := module.(*lua.LTable)
	if !ok {
		s.Close()
		return nil, xerrors.Newf(xerrors.CodePluginLoad, "%s: %s must return a module table, got %s", local.ID(), target, module.Type())
	}
	s.mu.Lock()
	s.module = table
	s.mu.Unlock()
	exports := map[string]any{}
	table.ForEach(func(k, v lua.LValue) {
		if name, ok := k.(lua.LString); ok {
			exports[string(name)] = fromLua(v, s)
		}
	})
	return &Source{state: s, module: table, exports: exports}, nil
}

// Source is a loaded Lua module. Its exports are converted once, when the
// entry script returns, so lookups never take the interpreter lock.
type Source struct {
	state   *State
	module  *lua.LTable
	exports map[string]any
}

// Lookup returns the plugin adapter for plugin.DefaultSymbol and otherwise
// the converted module field.
func (s *Source) Lookup(symbol string) (any, error) {
	if symbol == plugin.DefaultSymbol {
		return plugin.Plugin(&luaPlugin{state: s.state, module: s.module}), nil
	}
	v, ok := s.exports[symbol]
	if !ok || v == nil {
		return nil, &plugin.NotFoundError{Kind: "symbol", Name: symbol, Owner: s.state.lc.Owner()}
	}
	return v, nil
}

type luaPlugin struct {
	state  *State
	module *lua.LTable
}

func (p *luaPlugin) hook(ctx *plugin.ExecutionContext, name string) error {
	p.state.mu.Lock()
	fn := p.module.RawGetString(name)
	p.state.mu.Unlock()
	if fn == lua.LNil {
		// bind the context so host functions work even without the hook
		p.state.mu.Lock()
		p.state.exec = ctx
		p.state.mu.Unlock()
		return nil
	}
	if fn.Type() != lua.LTFunction {
		return xerrors.Newf(xerrors.CodePluginLoad, "%s.%s is not a function", ctx.ID, name)
	}
	results, err := p.state.call(ctx.C, ctx, fn)
	if err != nil {
		return err
	}
	// a hook may return false, "reason" to fail without raising
	if len(results) > 0 && results[0] == lua.LFalse {
		msg := "hook returned false"
		if len(results) > 1 {
			msg = results[1].String()
		}
		return errors.New(msg)
	}
	return nil
}

func (p *luaPlugin) Load(ctx *plugin.ExecutionContext) error    { return p.hook(ctx, "on_load") }
func (p *luaPlugin) Enable(ctx *plugin.ExecutionContext) error  { return p.hook(ctx, "on_enable") }
func (p *luaPlugin) Disable(ctx *plugin.ExecutionContext) error { return p.hook(ctx, "on_disable") }
