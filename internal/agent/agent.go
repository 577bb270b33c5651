// Package agent implements the worker runtime: the message loop running
// inside each worker process. It imports the plugin module exactly once,
// invokes named exports inside a fresh sandbox per invocation, buffers
// plugin log output, and posts results back over the protocol stream.
//
// The agent never initiates messages; it strictly replies. The host sends
// Load before any Invoke, so LoadResult is the first reply it sees (an
// Invoke that arrives before Load is answered with a "plugin is not loaded"
// error), and because the host serializes invokes per worker, at most one
// InvokeResult is in flight at a time.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/oriys/pulsar/internal/engine"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/plugin"
	"github.com/oriys/pulsar/internal/protocol"
	"github.com/oriys/pulsar/internal/sandbox"
)

// Agent hosts exactly one plugin instance.
type Agent struct {
	engine engine.Engine
	buffer *logging.Buffer
	sb     *sandbox.Sandbox

	descriptor plugin.Descriptor
	module     engine.Module
	functions  []string
}

// Option configures an Agent.
type Option func(*Agent, *[]sandbox.Option)

// WithHTTPClient sets the client backing the sandbox's wrapped fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(_ *Agent, sopts *[]sandbox.Option) {
		*sopts = append(*sopts, sandbox.WithHTTPClient(c))
	}
}

// New creates an agent around the given engine. The agent owns the process
// log buffer; callers that want plugin code's slog output captured install
// Logger as the process default.
func New(e engine.Engine, opts ...Option) *Agent {
	a := &Agent{
		engine: e,
		buffer: logging.NewBuffer(),
	}
	sopts := []sandbox.Option{}
	for _, opt := range opts {
		opt(a, &sopts)
	}
	sopts = append(sopts, sandbox.WithLogger(a.Logger()))
	a.sb = sandbox.New(sopts...)
	return a
}

// Logger returns a logger backed by the agent's log buffer.
func (a *Agent) Logger() *slog.Logger {
	return slog.New(a.buffer)
}

// Serve runs the message loop until the stream closes or ctx is cancelled.
// A closed stream is a normal shutdown, not an error.
func (a *Agent) Serve(ctx context.Context, rw io.ReadWriter) error {
	codec := protocol.NewCodec(rw)
	for {
		msg, err := codec.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.Type {
		case protocol.MsgTypeLoad:
			err = a.handleLoad(ctx, codec, msg.Payload)
		case protocol.MsgTypeInvoke:
			err = a.handleInvoke(ctx, codec, msg.Payload)
		default:
			logging.Op().Warn("agent: unknown message type", "type", msg.Type)
		}
		if err != nil {
			return err
		}
	}
}

func (a *Agent) handleLoad(ctx context.Context, codec *protocol.Codec, payload json.RawMessage) error {
	var lp protocol.LoadPayload
	if err := json.Unmarshal(payload, &lp); err != nil {
		return a.reply(codec, protocol.MsgTypeLoadResult, protocol.LoadResultPayload{
			LoadResult: plugin.LoadResult{Error: plugin.Details(err)},
		})
	}

	if a.module != nil {
		return a.reply(codec, protocol.MsgTypeLoadResult, protocol.LoadResultPayload{
			LoadResult: plugin.LoadResult{Error: &plugin.ErrorDetails{
				Name:    "Error",
				Message: "plugin is already loaded",
			}},
		})
	}

	result := a.load(ctx, lp.Plugin)
	return a.reply(codec, protocol.MsgTypeLoadResult, protocol.LoadResultPayload{LoadResult: result})
}

// load imports the module under sandbox policy: top-level code runs with an
// active context carrying an empty call id, so it is restricted identically
// to invocation-time code.
func (a *Agent) load(ctx context.Context, desc plugin.Descriptor) plugin.LoadResult {
	sctx, err := a.sb.Enter("", desc.Globals, nil)
	if err != nil {
		return plugin.LoadResult{Error: plugin.Details(err)}
	}
	mod, err := a.engine.Load(ctx, desc.Module, a.sb)
	sctx.Close()
	a.buffer.Drain() // top-level log output belongs to no invocation
	if err != nil {
		return plugin.LoadResult{Error: plugin.Details(err)}
	}

	a.descriptor = desc
	a.module = mod
	a.functions = mod.Functions()
	return plugin.LoadResult{Success: true, FunctionNames: a.functions}
}

func (a *Agent) handleInvoke(ctx context.Context, codec *protocol.Codec, payload json.RawMessage) error {
	var ip protocol.InvokePayload
	if err := json.Unmarshal(payload, &ip); err != nil {
		return a.reply(codec, protocol.MsgTypeInvokeResult, protocol.InvokeResultPayload{
			Token:        ip.Token,
			InvokeResult: plugin.InvokeResult{Error: plugin.Details(err), Logs: []plugin.LogRecord{}, Fetches: []plugin.FetchRecord{}},
		})
	}
	result := a.invoke(ctx, &ip)
	return a.reply(codec, protocol.MsgTypeInvokeResult, protocol.InvokeResultPayload{
		Token:        ip.Token,
		InvokeResult: result,
	})
}

func (a *Agent) invoke(ctx context.Context, ip *protocol.InvokePayload) plugin.InvokeResult {
	result := plugin.InvokeResult{
		Logs:    []plugin.LogRecord{},
		Fetches: []plugin.FetchRecord{},
	}

	if a.module == nil {
		result.Error = &plugin.ErrorDetails{Name: "Error", Message: "plugin is not loaded"}
		return result
	}
	if !slices.Contains(a.functions, ip.Function) {
		result.Error = &plugin.ErrorDetails{Name: "Error", Message: "function not found: " + ip.Function}
		return result
	}

	sctx, err := a.sb.Enter(ip.InvocationID, a.descriptor.Globals, func(rec plugin.FetchRecord) {
		result.Fetches = append(result.Fetches, rec)
	})
	if err != nil {
		result.Error = plugin.Details(err)
		return result
	}

	value, callErr := a.module.Call(ctx, ip.Function, ip.Argument)
	sctx.Close()
	if logs := a.buffer.Drain(); len(logs) > 0 {
		result.Logs = logs
	}

	if callErr != nil {
		result.Error = plugin.Details(callErr)
	} else {
		result.Value = value
	}
	return result
}

func (a *Agent) reply(codec *protocol.Codec, msgType int, payload any) error {
	msg, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return codec.Send(msg)
}
