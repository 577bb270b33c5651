// Package engine defines the seam between the agent runtime and the wasm
// execution backend, mirroring the backend interface split the rest of the
// codebase uses: the agent loop, sandbox and pool are all written against
// Engine/Module so they can be exercised without compiling guest binaries.
package engine

import (
	"context"
	"encoding/json"

	"github.com/oriys/pulsar/internal/sandbox"
)

// Engine loads plugin modules. The sandbox is handed over at load time so
// the engine can bind every ambient capability through its policy surface;
// module top-level code already runs under those policies.
type Engine interface {
	Load(ctx context.Context, module string, sb *sandbox.Sandbox) (Module, error)
}

// Module is one loaded plugin instance.
type Module interface {
	// Functions returns the callable export names, sorted by name.
	Functions() []string
	// Call invokes a named export with a JSON argument and returns its
	// JSON result. Errors raised by plugin code come back as
	// *plugin.ErrorDetails values.
	Call(ctx context.Context, function string, argument json.RawMessage) (json.RawMessage, error)
	// Close releases the instance.
	Close(ctx context.Context) error
}
