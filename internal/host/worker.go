package host

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/plugin"
	"github.com/oriys/pulsar/internal/protocol"
)

// Worker is the host-side handle to one agent process. It is owned
// exclusively by one Host; once terminated it never rejoins the pool.
//
// A single reader goroutine pumps the transport: the first LoadResult is
// routed to the pending Load call, every InvokeResult is handed to the
// host's correlation callback.
type Worker struct {
	id        string
	transport Transport
	codec     *protocol.Codec

	onResult func(token string, res plugin.InvokeResult)
	onExit   func(w *Worker)

	loadCh   chan plugin.LoadResult
	exited   chan struct{}
	exitOnce sync.Once
	closed   atomic.Bool
}

func newWorker(t Transport, onResult func(string, plugin.InvokeResult), onExit func(*Worker)) *Worker {
	w := &Worker{
		id:        uuid.New().String()[:8],
		transport: t,
		codec:     protocol.NewCodec(t),
		onResult:  onResult,
		onExit:    onExit,
		loadCh:    make(chan plugin.LoadResult, 1),
		exited:    make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Closed reports whether the worker has been terminated or its transport
// has ended.
func (w *Worker) Closed() bool { return w.closed.Load() }

func (w *Worker) readLoop() {
	for {
		msg, err := w.codec.Receive()
		if err != nil {
			w.markExited()
			return
		}

		switch msg.Type {
		case protocol.MsgTypeLoadResult:
			var lr protocol.LoadResultPayload
			if err := json.Unmarshal(msg.Payload, &lr); err != nil {
				lr.LoadResult = plugin.LoadResult{Error: plugin.Details(err)}
			}
			select {
			case w.loadCh <- lr.LoadResult:
			default:
			}
		case protocol.MsgTypeInvokeResult:
			var ir protocol.InvokeResultPayload
			if err := json.Unmarshal(msg.Payload, &ir); err != nil {
				logging.Op().Warn("worker: bad invoke result", "worker", w.id, "error", err)
				continue
			}
			if w.onResult != nil {
				w.onResult(ir.Token, ir.InvokeResult)
			}
		default:
			logging.Op().Warn("worker: unknown message type", "worker", w.id, "type", msg.Type)
		}
	}
}

func (w *Worker) markExited() {
	w.exitOnce.Do(func() {
		w.closed.Store(true)
		close(w.exited)
		if w.onExit != nil {
			w.onExit(w)
		}
	})
}

// Load posts the load request and awaits its result. It is called exactly
// once per worker, before any invoke. cancel aborts the wait (the worker is
// then useless and should be terminated).
func (w *Worker) Load(desc plugin.Descriptor, cancel <-chan struct{}) plugin.LoadResult {
	msg, err := protocol.Encode(protocol.MsgTypeLoad, protocol.LoadPayload{Plugin: desc})
	if err != nil {
		return plugin.LoadResult{Error: plugin.Details(err)}
	}
	if err := w.codec.Send(msg); err != nil {
		return plugin.LoadResult{Error: plugin.Details(err)}
	}

	select {
	case lr := <-w.loadCh:
		return lr
	case <-w.exited:
		return plugin.LoadResult{Error: &plugin.ErrorDetails{
			Name:    "Error",
			Message: "worker exited during load",
		}}
	case <-cancel:
		return plugin.LoadResult{Error: &plugin.ErrorDetails{
			Name:    "Error",
			Message: "load cancelled",
		}}
	}
}

// PostInvoke sends one invocation to the worker. The reply arrives through
// the host's correlation callback.
func (w *Worker) PostInvoke(token, invocationID, function string, argument json.RawMessage, traceParent string) error {
	msg, err := protocol.Encode(protocol.MsgTypeInvoke, protocol.InvokePayload{
		Token:        token,
		InvocationID: invocationID,
		Function:     function,
		Argument:     argument,
		TraceParent:  traceParent,
	})
	if err != nil {
		return err
	}
	return w.codec.Send(msg)
}

// Terminate kills the worker unilaterally. Idempotent.
func (w *Worker) Terminate() {
	if w.closed.Swap(true) {
		return
	}
	w.transport.Kill()
}
