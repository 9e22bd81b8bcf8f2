// Package script implements the Script Engine Binding: compiling
// on_update register scripts and running them with a host interface the
// scripting runtime calls back into (spec.md §4.8).
//
// The scripting runtime itself is treated as an opaque interpreter invoked
// synchronously from the poll loop between bursts (spec.md §9); this
// package only specifies and implements the binding contract, using
// github.com/yuin/gopher-lua as the concrete embedded interpreter.
package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// stepBudget bounds a single on_update invocation so a runaway script
// cannot stall the poll loop (spec.md §9: "prohibit long-running scripts").
// gopher-lua has no public instruction counter, so the budget is enforced
// as a wall-clock deadline checked by the VM at each instruction via
// LState.SetContext, which is the interpreter's own cancellation hook.
const stepBudget = 50 * time.Millisecond

// Compiled is a parsed, not-yet-bound on_update script.
type Compiled struct {
	proto *lua.FunctionProto
}

// Compile parses source and returns a Compiled script, or a syntax error.
// It does not execute anything, so it is safe to call at catalogue load
// time for every on_update definition before the poll loop starts.
func Compile(source string) (*Compiled, error) {
	chunk, err := parse.Parse(strings.NewReader(source), "on_update")
	if err != nil {
		return nil, fmt.Errorf("script: parse: %w", err)
	}
	proto, err := lua.Compile(chunk, "on_update")
	if err != nil {
		return nil, fmt.Errorf("script: compile: %w", err)
	}
	return &Compiled{proto: proto}, nil
}

// Register is the subset of the Snapshot Store the script host needs:
// read registers coerced to string/int/float/bool, and write with access
// mode enforcement. Implemented by snapshot.ScriptView.
type Register interface {
	GetString(name string) (string, error)
	GetInt(name string) (int64, error)
	GetFloat(name string) (float64, error)
	GetBool(name string) (bool, error)
	Set(name string, value any) error
}

// Engine runs compiled on_update scripts against a bound Register host and
// a process-start-relative clock.
type Engine struct {
	start time.Time
	reg   Register
}

// NewEngine captures the process start instant used by C_Time.
func NewEngine(reg Register) *Engine {
	return &Engine{start: time.Now(), reg: reg}
}

// Run executes a compiled script once. Errors are ScriptErrors: callers
// should log them and continue, never treat them as fatal (spec.md §7).
func (e *Engine) Run(c *Compiled) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenString, lua.OpenMath, lua.OpenTable} {
		open(L)
	}

	e.installTimeModule(L)
	e.installRegisterModule(L)

	ctx, cancel := context.WithTimeout(context.Background(), stepBudget)
	defer cancel()
	L.SetContext(ctx)

	lfunc := L.NewFunctionFromProto(c.proto)
	L.Push(lfunc)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("script: runtime: %w", err)
	}
	return nil
}

func (e *Engine) installTimeModule(L *lua.LState) {
	mod := L.NewTable()
	mod.RawSetString("Get", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(int64(time.Since(e.start).Seconds())))
		return 1
	}))
	mod.RawSetString("GetMs", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Since(e.start).Milliseconds()))
		return 1
	}))
	L.SetGlobal("C_Time", mod)
}

func (e *Engine) installRegisterModule(L *lua.LState) {
	mod := L.NewTable()
	mod.RawSetString("GetString", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, err := e.reg.GetString(name)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lua.LString(v))
		return 1
	}))
	mod.RawSetString("GetInt", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, err := e.reg.GetInt(name)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
	mod.RawSetString("GetFloat", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, err := e.reg.GetFloat(name)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
	mod.RawSetString("GetBool", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, err := e.reg.GetBool(name)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lua.LBool(v))
		return 1
	}))
	mod.RawSetString("Set", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		lv := L.Get(2)
		var val any
		switch v := lv.(type) {
		case lua.LString:
			val = string(v)
		case lua.LNumber:
			val = float64(v)
		case lua.LBool:
			val = bool(v)
		default:
			L.RaiseError("script: unsupported Set value type %T", lv)
			return 0
		}
		if err := e.reg.Set(name, val); err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		return 0
	}))
	L.SetGlobal("C_Register", mod)
}
