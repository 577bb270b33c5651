// Package plugin defines the serializable shapes shared by the host and the
// agent: the plugin descriptor, load and invoke results, and the telemetry
// records (logs, outbound fetches) attached to each invocation.
//
// Everything in this package crosses a process boundary, so every type must
// round-trip through JSON without loss. Errors in particular are carried as
// plain ErrorDetails data, never as live Go error values.
package plugin

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultConcurrency is the worker pool size used when the descriptor does
// not request one.
const DefaultConcurrency = 1

// Descriptor identifies the code a host should load and how to run it.
// It is immutable input to a PluginHost.
type Descriptor struct {
	// Module is the URI of the wasm module to import, typically a file://
	// URI produced by the CLI from a local path.
	Module string `json:"module"`
	// ID is an optional caller-chosen identifier. When set, Name reports it
	// in place of the module URI (metrics labels, operational logs).
	ID string `json:"id,omitempty"`
	// Globals are constants injected into the sandbox before each
	// invocation, keyed by the name the plugin reads them under.
	Globals map[string]json.RawMessage `json:"globals,omitempty"`
	// Concurrency is the worker pool size. Values below 1 mean 1.
	Concurrency int `json:"concurrency,omitempty"`
}

// PoolSize returns the effective worker count for the descriptor.
func (d *Descriptor) PoolSize() int {
	if d == nil || d.Concurrency < DefaultConcurrency {
		return DefaultConcurrency
	}
	return d.Concurrency
}

// Name returns the identifier to report for the plugin: the explicit ID when
// set, otherwise the module URI.
func (d *Descriptor) Name() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Module
}

// ErrorDetails is the serializable form of an error raised by plugin code or
// by the host on its behalf.
type ErrorDetails struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface so details can travel through
// ordinary error returns inside one process.
func (e *ErrorDetails) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Details converts err into ErrorDetails, preserving an existing
// *ErrorDetails anywhere in the chain.
func Details(err error) *ErrorDetails {
	if err == nil {
		return nil
	}
	var d *ErrorDetails
	if errors.As(err, &d) {
		return d
	}
	return &ErrorDetails{Name: "Error", Message: err.Error()}
}

// AbortError is the completion recorded for an invocation cancelled by the
// caller's abort signal.
func AbortError() *ErrorDetails {
	return &ErrorDetails{Name: "AbortError", Message: "Invocation was aborted"}
}

// TerminateError is the completion recorded for invocations still registered
// when the host is terminated.
func TerminateError() *ErrorDetails {
	return &ErrorDetails{Name: "TerminateError", Message: "Worker was terminated"}
}

// LogRecord is one line captured from the agent's default logger during an
// invocation.
type LogRecord struct {
	Logger  string `json:"logger"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// FetchRecord describes one outbound HTTP call made by plugin code. A record
// is emitted when the response body has been fully consumed or when the
// enclosing invocation ends, whichever comes first. StartTime is stamped
// before the request leaves the sandbox.
type FetchRecord struct {
	Scheme        string    `json:"scheme"`
	Host          string    `json:"host"`
	Method        string    `json:"method"`
	Status        int       `json:"status"`
	StatusText    string    `json:"statusText"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	SentBytes     int64     `json:"sentBytes"`
	ReceivedBytes int64     `json:"receivedBytes"`
}

// LoadResult reports the outcome of loading the plugin module into one
// worker. Success implies Error is nil.
type LoadResult struct {
	Success       bool          `json:"success"`
	FunctionNames []string      `json:"functionNames,omitempty"`
	Error         *ErrorDetails `json:"error,omitempty"`
}

// InvokeResult reports the outcome of one invocation. Exactly one of Value
// and Error is meaningful; Logs and Fetches are always present (possibly
// empty) and ordered by emission.
type InvokeResult struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Error   *ErrorDetails   `json:"error,omitempty"`
	Logs    []LogRecord     `json:"logs"`
	Fetches []FetchRecord   `json:"fetches"`
}
