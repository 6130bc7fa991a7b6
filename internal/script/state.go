package script

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"PluginHost/pkg/plugin"
)

// State is a mutex guarded Lua interpreter bound to one loading context.
// gopher-lua states are not goroutine safe; every entry goes through mu.
type State struct {
	mu     sync.Mutex
	L      *lua.LState
	lc     *plugin.LoadingContext
	loaded map[string]lua.LValue
	exec   *plugin.ExecutionContext
	// module is the table the entry script returned, nil while it runs.
	module *lua.LTable
}

func newState(lc *plugin.LoadingContext) *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	// io, os, debug and package stay closed; modules come through require

	s := &State{L: L, lc: lc, loaded: map[string]lua.LValue{}}
	L.SetGlobal("require", L.NewFunction(s.require))
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("host", s.hostTable())
	return s
}

// Close releases the interpreter.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.L.Close()
}

// run executes a chunk and returns its first result.
func (s *State) run(name, source string) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, err := s.L.Load(strings.NewReader(source), name)
	if err != nil {
		return nil, err
	}
	results, err := s.pcall(fn)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return lua.LNil, nil
	}
	return results[0], nil
}

// call invokes fn with ctx as the interpreter context. A cancelled ctx
// aborts the running script.
func (s *State) call(ctx context.Context, exec *plugin.ExecutionContext, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx != nil {
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}
	if exec != nil {
		s.exec = exec
	}
	return s.pcall(fn, args...)
}

func (s *State) pcall(fn lua.LValue, args ...lua.LValue) (results []lua.LValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	top := s.L.GetTop()
	s.L.Push(fn)
	for _, a := range args {
		s.L.Push(a)
	}
	if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}
	n := s.L.GetTop() - top
	results = make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.Pop(n)
	return results, nil
}

// require resolves a module name through the loading context: first a Lua
// resource named after the module, then an exported symbol.
func (s *State) require(L *lua.LState) int {
	name := L.CheckString(1)
	if v, ok := s.loaded[name]; ok {
		L.Push(v)
		return 1
	}
	file := strings.ReplaceAll(name, ".", "/") + ".lua"
	source, err := s.lc.Resource(file)
	switch {
	case err == nil:
		fn, err := L.Load(strings.NewReader(string(source)), file)
		if err != nil {
			L.RaiseError("module %q: %v", name, err)
			return 0
		}
		L.Push(fn)
		L.Call(0, 1)
		v := L.Get(-1)
		if v == lua.LNil {
			v = lua.LTrue
			L.Pop(1)
			L.Push(v)
		}
		s.loaded[name] = v
		return 1
	case !plugin.IsNotFound(err):
		L.RaiseError("module %q: %v", name, err)
		return 0
	}
	v, err := s.symbol(L, name)
	if err != nil {
		L.RaiseError("module %q not found: %v", name, err)
		return 0
	}
	s.loaded[name] = v
	L.Push(v)
	return 1
}

// symbol resolves name for code running on this interpreter. Fields of the
// own module are returned as they are, since going through the exported
// copy would call back into the interpreter that is already running.
func (s *State) symbol(L *lua.LState, name string) (lua.LValue, error) {
	if s.module != nil && !s.lc.Hosted(name) {
		if v := s.module.RawGetString(name); v != lua.LNil {
			return v, nil
		}
	}
	v, err := s.lc.Symbol(name)
	if err != nil {
		return nil, err
	}
	return toLua(L, v), nil
}

func (s *State) hostTable() *lua.LTable {
	t := s.L.NewTable()
	s.L.SetFuncs(t, map[string]lua.LGFunction{
		"id": func(L *lua.LState) int {
			L.Push(lua.LString(s.lc.Owner().String()))
			return 1
		},
		"log": func(L *lua.LState) int {
			level, msg := L.CheckString(1), L.CheckString(2)
			if s.exec == nil {
				return 0
			}
			switch level {
			case "debug":
				s.exec.Logger.Debug(msg)
			case "warn":
				s.exec.Logger.Warn(msg)
			case "error":
				s.exec.Logger.Error(msg)
			default:
				s.exec.Logger.Info(msg)
			}
			return 0
		},
		"property": func(L *lua.LState) int {
			key := L.CheckString(1)
			if s.exec == nil {
				L.Push(lua.LNil)
				return 1
			}
			if v, ok := s.exec.Properties[key]; ok {
				L.Push(lua.LString(v))
			} else {
				L.Push(lua.LString(L.OptString(2, "")))
			}
			return 1
		},
		"symbol": func(L *lua.LState) int {
			v, err := s.symbol(L, L.CheckString(1))
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(v)
			return 1
		},
		"resource": func(L *lua.LState) int {
			data, err := s.lc.Resource(L.CheckString(1))
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LString(data))
			return 1
		},
		"command": func(L *lua.LState) int {
			label, fn := L.CheckString(1), L.CheckFunction(2)
			if s.exec == nil {
				L.RaiseError("no plugin context to declare %q in", label)
				return 0
			}
			s.exec.Contribute.Command(label, s.command(fn))
			return 0
		},
	})
	return t
}

func (s *State) command(fn *lua.LFunction) plugin.CommandFunc {
	return func(ctx context.Context, args []string) (string, error) {
		values := make([]lua.LValue, len(args))
		for i, a := range args {
			values[i] = lua.LString(a)
		}
		results, err := s.call(ctx, nil, fn, values...)
		if err != nil {
			return "", err
		}
		if len(results) == 0 || results[0] == lua.LNil {
			return "", nil
		}
		if len(results) > 1 && results[1] != lua.LNil {
			return "", fmt.Errorf("%s", results[1].String())
		}
		return results[0].String(), nil
	}
}
