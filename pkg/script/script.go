// Package script implements the sandbox that compiles and runs user-supplied function bodies.
//
// The sandbox contract is small: compile a function from its source text, call it with JSON
// arguments, and expose host functions to the scripts. Values cross the boundary as canonical JSON
// (maps, slices, float64, string, bool, nil); a JavaScript undefined is represented by
// Undefined.
package script

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/robertkrimen/otto"
)

// HostFunc is a Go function exposed to scripts. It receives the JSON-converted arguments. A
// returned error is thrown into the script as an exception.
type HostFunc func(args []any) (any, error)

// Callable is a compiled function.
type Callable interface {
	// Source returns the function text.
	Source() string
}

// Sandbox compiles and calls user functions.
type Sandbox interface {
	// Compile compiles a function expression.
	Compile(source string) (Callable, error)
	// Call invokes a compiled function.
	Call(fn Callable, args ...any) (any, error)
	// Bind exposes a host function to the scripts as a global and as a member of the "jsondb"
	// object.
	Bind(name string, fn HostFunc) error
	// Release frees the resources of the sandbox.
	Release()
}

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined represents the JavaScript undefined value.
var Undefined any = undefined{}

// IsUndefined returns true for the Undefined value.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// Options configures an Engine.
type Options struct {
	// Timeout bounds the outermost call. Zero means no limit.
	Timeout time.Duration
	// Logger receives console output.
	Logger logr.Logger
}

// Engine is an otto-based Sandbox. An Engine is not safe for concurrent use.
type Engine struct {
	vm       *otto.Otto
	jsondb   *otto.Object
	timeout  time.Duration
	depth    int
	gen      atomic.Uint64
	released bool
	log      logr.Logger
}

var _ Sandbox = &Engine{}

type function struct {
	source string
	value  otto.Value
}

func (f *function) Source() string { return f.source }

type halt struct{}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	e := &Engine{
		vm:      otto.New(),
		timeout: opts.Timeout,
		log:     logger.WithName("script"),
	}
	e.vm.Interrupt = make(chan func(), 1)

	jsondb, err := e.vm.Object("({})")
	if err != nil {
		return nil, fmt.Errorf("failed to create host object: %w", err)
	}
	if err := e.vm.Set("jsondb", jsondb); err != nil {
		return nil, fmt.Errorf("failed to set host object: %w", err)
	}
	e.jsondb = jsondb

	if err := e.bindConsole(); err != nil {
		return nil, err
	}

	return e, nil
}

// Compile evaluates the source as a function expression.
func (e *Engine) Compile(source string) (Callable, error) {
	if e.released {
		return nil, ErrReleased
	}
	if strings.TrimSpace(source) == "" {
		return nil, &CompileError{Source: source, Err: fmt.Errorf("empty function")}
	}

	v, err := e.vm.Run("(" + source + ")")
	if err != nil {
		return nil, &CompileError{Source: source, Err: err}
	}
	if !v.IsFunction() {
		return nil, &CompileError{Source: source, Err: ErrNotCallable}
	}

	return &function{source: source, value: v}, nil
}

// Call invokes a compiled function. Calls may nest through host functions; the timeout applies to
// the outermost call.
func (e *Engine) Call(fn Callable, args ...any) (ret any, err error) {
	if e.released {
		return nil, ErrReleased
	}
	f, ok := fn.(*function)
	if !ok {
		return nil, fmt.Errorf("foreign callable %T", fn)
	}

	e.depth++
	defer func() { e.depth-- }()

	if e.depth == 1 {
		gen := e.gen.Add(1)
		if e.timeout > 0 {
			interrupt := e.vm.Interrupt
			timer := time.AfterFunc(e.timeout, func() {
				select {
				case interrupt <- func() {
					if e.gen.Load() == gen {
						panic(halt{})
					}
				}:
				default:
				}
			})
			defer timer.Stop()
		}
		defer func() {
			// later calls must not see a stale interrupt
			e.gen.Add(1)
			if caught := recover(); caught != nil {
				if _, ok := caught.(halt); !ok {
					panic(caught)
				}
				ret, err = nil, &RuntimeError{Err: ErrInterrupted}
			}
		}()
	}

	ottoArgs := make([]any, len(args))
	for i, a := range args {
		v, err := e.toValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		ottoArgs[i] = v
	}

	v, err := f.value.Call(otto.UndefinedValue(), ottoArgs...)
	if err != nil {
		return nil, &RuntimeError{Err: err}
	}

	ret, err = e.toGo(v)
	if err != nil {
		return nil, &RuntimeError{Err: err}
	}
	return ret, nil
}

// Bind exposes a host function.
func (e *Engine) Bind(name string, fn HostFunc) error {
	if e.released {
		return ErrReleased
	}
	native := func(call otto.FunctionCall) otto.Value {
		args := make([]any, len(call.ArgumentList))
		for i, a := range call.ArgumentList {
			v, err := e.toGo(a)
			if err != nil {
				panic(call.Otto.MakeCustomError("Error", err.Error()))
			}
			args[i] = v
		}

		ret, err := fn(args)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}

		v, err := e.toValue(ret)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return v
	}

	if err := e.jsondb.Set(name, native); err != nil {
		return fmt.Errorf("failed to bind %q: %w", name, err)
	}
	if err := e.vm.Set(name, native); err != nil {
		return fmt.Errorf("failed to bind %q: %w", name, err)
	}
	return nil
}

// Release drops the interpreter.
func (e *Engine) Release() {
	e.released = true
	e.vm = nil
	e.jsondb = nil
}

// toValue converts a Go JSON value to an otto value.
func (e *Engine) toValue(v any) (otto.Value, error) {
	switch {
	case IsUndefined(v):
		return otto.UndefinedValue(), nil
	case v == nil:
		return otto.NullValue(), nil
	}
	switch t := v.(type) {
	case string, bool, float64, int, int64:
		return e.vm.ToValue(t)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return otto.UndefinedValue(), err
	}
	return e.vm.Call("JSON.parse", nil, string(b))
}

// toGo converts an otto value to a canonical Go JSON value.
func (e *Engine) toGo(v otto.Value) (any, error) {
	switch {
	case v.IsUndefined():
		return Undefined, nil
	case v.IsNull():
		return nil, nil
	case v.IsFunction():
		return Undefined, nil
	}

	s, err := e.vm.Call("JSON.stringify", nil, v)
	if err != nil {
		return nil, err
	}
	if s.IsUndefined() {
		return Undefined, nil
	}

	var ret any
	if err := json.Unmarshal([]byte(s.String()), &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (e *Engine) bindConsole() error {
	console, err := e.vm.Object("({})")
	if err != nil {
		return fmt.Errorf("failed to create console: %w", err)
	}

	printer := func(level string) func(call otto.FunctionCall) otto.Value {
		return func(call otto.FunctionCall) otto.Value {
			parts := make([]string, 0, len(call.ArgumentList))
			for _, a := range call.ArgumentList {
				if a.IsString() {
					parts = append(parts, a.String())
					continue
				}
				if v, err := e.toGo(a); err == nil && !IsUndefined(v) {
					b, _ := json.Marshal(v)
					parts = append(parts, string(b))
					continue
				}
				parts = append(parts, a.String())
			}
			msg := strings.Join(parts, " ")

			switch level {
			case "error":
				e.log.Error(nil, msg, "source", "console")
			case "debug":
				e.log.V(1).Info(msg, "source", "console")
			case "warn":
				e.log.Info(msg, "source", "console", "level", "warn")
			default:
				e.log.Info(msg, "source", "console")
			}
			return otto.UndefinedValue()
		}
	}

	for _, level := range []string{"log", "debug", "info", "warn", "error"} {
		if err := console.Set(level, printer(level)); err != nil {
			return fmt.Errorf("failed to bind console.%s: %w", level, err)
		}
	}

	return e.vm.Set("console", console)
}
