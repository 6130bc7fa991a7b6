package script

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Func is how a Lua function is exported to other plugins. Calls run on the
// interpreter that defined the function.
type Func func(args ...any) ([]any, error)

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []string:
		t := L.NewTable()
		for _, s := range x {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, s := range x {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	case Func:
		return goFunction(L, x)
	case func(args ...any) ([]any, error):
		return goFunction(L, x)
	case func(string) string:
		return L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LString(x(L.CheckString(1))))
			return 1
		})
	}
	ud := L.NewUserData()
	ud.Value = v
	return ud
}

func goFunction(L *lua.LState, fn Func) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		args := make([]any, L.GetTop())
		for i := range args {
			args[i] = fromLua(L.Get(i+1), nil)
		}
		results, err := fn(args...)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		for _, r := range results {
			L.Push(toLua(L, r))
		}
		return len(results)
	})
}

// fromLua converts a value leaving an interpreter. Functions become Func
// bound to owner; without an owner they cannot be called and are dropped.
func fromLua(v lua.LValue, owner *State) any {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case lua.LBool:
		return bool(x)
	case *lua.LUserData:
		return x.Value
	case *lua.LFunction:
		if owner == nil {
			return nil
		}
		return owner.export(x)
	case *lua.LTable:
		if n := x.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i), owner))
			}
			return out
		}
		out := map[string]any{}
		x.ForEach(func(k, e lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				out[string(ks)] = fromLua(e, owner)
			}
		})
		return out
	}
	return nil
}

func (s *State) export(fn *lua.LFunction) Func {
	return func(args ...any) ([]any, error) {
		values := make([]lua.LValue, len(args))
		for i, a := range args {
			values[i] = toLua(s.L, a)
		}
		results, err := s.call(context.Background(), nil, fn, values...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.lc.Owner(), err)
		}
		out := make([]any, len(results))
		for i, r := range results {
			out[i] = fromLua(r, s)
		}
		return out, nil
	}
}
