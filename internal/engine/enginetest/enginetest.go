// Package enginetest provides a scriptable in-process engine so the agent
// loop, pool manager and HTTP facade can be exercised without compiling
// wasm guests. Module functions are plain Go closures with access to the
// worker's sandbox, which keeps the capability surface (logs, timers,
// fetch) on the real code path.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/oriys/pulsar/internal/engine"
	"github.com/oriys/pulsar/internal/sandbox"
)

// Func is one scripted plugin function.
type Func func(ctx context.Context, sb *sandbox.Sandbox, argument json.RawMessage) (json.RawMessage, error)

// Engine builds a fresh module per load, so worker-local state lives in the
// closures Build returns.
type Engine struct {
	// Build produces the function table for one loaded module instance.
	Build func(sb *sandbox.Sandbox) (map[string]Func, error)
	// FailLoads makes the first N loads fail with LoadErr.
	FailLoads int
	// LoadErr is the error failed loads report.
	LoadErr error

	mu    sync.Mutex
	loads int
}

var _ engine.Engine = (*Engine)(nil)

// Loads reports how many loads have been attempted.
func (e *Engine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Load implements engine.Engine.
func (e *Engine) Load(ctx context.Context, module string, sb *sandbox.Sandbox) (engine.Module, error) {
	e.mu.Lock()
	e.loads++
	fail := e.loads <= e.FailLoads
	e.mu.Unlock()

	if fail {
		err := e.LoadErr
		if err == nil {
			err = errors.New("scripted load failure")
		}
		return nil, err
	}
	if e.Build == nil {
		return nil, errors.New("enginetest: no Build function")
	}

	funcs, err := e.Build(sb)
	if err != nil {
		return nil, err
	}
	m := &Module{sb: sb, funcs: funcs}
	for name := range funcs {
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m, nil
}

// Module is one fake plugin instance.
type Module struct {
	sb    *sandbox.Sandbox
	funcs map[string]Func
	names []string
}

var _ engine.Module = (*Module)(nil)

// Functions implements engine.Module.
func (m *Module) Functions() []string { return m.names }

// Call implements engine.Module.
func (m *Module) Call(ctx context.Context, function string, argument json.RawMessage) (json.RawMessage, error) {
	f, ok := m.funcs[function]
	if !ok {
		return nil, errors.New("function not found: " + function)
	}
	return f(ctx, m.sb, argument)
}

// Close implements engine.Module.
func (m *Module) Close(context.Context) error { return nil }
