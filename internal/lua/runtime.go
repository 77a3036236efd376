// Package lua evaluates scripted launch definitions in a sandboxed Lua state.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/towerops/internal/models"
	"github.com/mpataki/towerops/internal/spec"
)

// ErrScriptFailed is wrapped by errors raised through fail() in a script.
var ErrScriptFailed = errors.New("script failed")

// Runtime executes Lua launch scripts. A script must define a global
// launch(args) function returning a table shaped like a YAML definition.
type Runtime struct {
	logger *slog.Logger
	logs   []string

	// failReason is set when fail() is called
	failReason string
	failed     bool
}

func NewRuntime(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runtime{logger: logger, logs: make([]string, 0)}
}

// Evaluate runs the script at scriptPath with args. The definition name
// defaults to the script's file name.
func (r *Runtime) Evaluate(ctx context.Context, scriptPath string, args map[string]string) (*models.Definition, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	return r.EvaluateString(ctx, name, string(script), args)
}

func (r *Runtime) EvaluateString(ctx context.Context, name, source string, args map[string]string) (*models.Definition, error) {
	r.failed, r.failReason = false, ""

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(source); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	launch := L.GetGlobal("launch")
	if launch.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a 'launch' function")
	}

	argTable := L.NewTable()
	for k, v := range args {
		L.SetField(argTable, k, lua.LString(v))
	}

	L.Push(launch)
	L.Push(argTable)
	if err := L.PCall(1, 1, nil); err != nil {
		if r.failed {
			return nil, fmt.Errorf("%w: %s", ErrScriptFailed, r.failReason)
		}
		return nil, fmt.Errorf("launch execution failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("launch must return a table, got %s", ret.Type())
	}

	value, err := luaToGo(tbl)
	if err != nil {
		return nil, err
	}
	// Round-trip through YAML so scripts and files share one decoder.
	data, err := yaml.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode launch table: %w", err)
	}
	def, err := spec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid launch table: %w", err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return def, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Definitions must be reproducible from their arguments.
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("fail", L.NewFunction(r.luaFail))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaFail implements fail(reason?), aborting the script.
func (r *Runtime) luaFail(L *lua.LState) int {
	r.failReason = L.OptString(1, "launch rejected")
	r.failed = true
	L.RaiseError("fail: %s", r.failReason)
	return 0
}

func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Debug("lua", "message", message)
	return 0
}

// GetLogs returns the messages logged by scripts run so far.
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// luaToGo converts a Lua value into plain Go values. Tables with only
// sequence keys become slices; other tables become string-keyed maps.
// Empty tables become nil.
func luaToGo(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		return tableToGo(val)
	default:
		return nil, fmt.Errorf("unsupported Lua value of type %s", v.Type())
	}
}

func tableToGo(tbl *lua.LTable) (any, error) {
	keys := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { keys++ })
	if keys == 0 {
		return nil, nil
	}

	if n := tbl.MaxN(); n == keys {
		list := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := luaToGo(tbl.RawGetInt(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list = append(list, item)
		}
		return list, nil
	}

	out := make(map[string]any, keys)
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("table key %v is not a string", k)
			return
		}
		item, err := luaToGo(v)
		if err != nil {
			convErr = fmt.Errorf("%s: %w", key, err)
			return
		}
		out[string(key)] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

// IsLuaSpec checks if a file is a Lua spec
func IsLuaSpec(path string) bool {
	return filepath.Ext(path) == ".lua"
}
