// Package host implements the PluginHost: a pool of agent workers, the
// state machine governing them, the invocation registry correlating
// results, and the maintenance loop that rebuilds crashed or recycled
// workers with backoff.
//
// # Concurrency model
//
// The host itself never runs plugin code. Workers execute at most one
// invocation at a time; parallelism comes from pool size. All pool
// bookkeeping (workers, idle queue, waiter queue, invocation registry)
// lives under one mutex; a sync.Cond on that mutex wakes Shutdown when the
// registry drains.
//
// # Recycling policy
//
// A worker that served an aborted invocation is terminated rather than
// reused: leaked async work inside it must never observe the ambient state
// of a future invocation. The maintenance loop replaces it, delaying
// ReloadDelay between rebuild rounds while at least one worker is alive and
// looping immediately when none are.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/plugin"
)

// State is the host lifecycle state.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

const (
	// MaxLoadFailures is the consecutive-failure ceiling before the host
	// gives up and transitions to failed.
	MaxLoadFailures = 3
	// DefaultReloadDelay is the backoff between rebuild rounds while live
	// workers remain.
	DefaultReloadDelay = 30 * time.Second
)

var (
	// ErrNotReady is returned by Invoke when the host is loading or failed.
	ErrNotReady = errors.New("plugin host is not ready")
	// ErrClosing is returned when the host is shutting down, and by
	// Shutdown itself when called while already closing.
	ErrClosing = errors.New("plugin host is closing")
	// ErrClosed is returned once the host has been terminated.
	ErrClosed = errors.New("plugin host is closed")
)

// InvokeOptions carries per-invocation options.
type InvokeOptions struct {
	// InvocationID is the caller-opaque tracing id propagated into the
	// sandbox's outbound HTTP instrumentation. Distinct from the internal
	// correlation token.
	InvocationID string
	// TraceParent is the W3C trace context propagated to the agent.
	TraceParent string
}

type invocation struct {
	token     string
	done      chan struct{}
	result    plugin.InvokeResult
	completed bool
	worker    *Worker
}

type waiter struct {
	ch        chan *Worker
	abandoned bool
}

// Host owns a pool of workers running one plugin.
type Host struct {
	desc        plugin.Descriptor
	spawner     Spawner
	reloadDelay time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	state       State
	workers     map[string]*Worker
	idle        []*Worker
	waiters     []*waiter
	invocations map[string]*invocation

	failureCount int
	lastLoad     *plugin.LoadResult

	loadedCh   chan struct{}
	loadedOnce sync.Once
	reloadCh   chan struct{}
	shutdownCh chan struct{}
	downOnce   sync.Once

	invoked atomic.Uint64
}

// Option configures a Host.
type Option func(*Host)

// WithSpawner overrides the agent spawner.
func WithSpawner(s Spawner) Option {
	return func(h *Host) { h.spawner = s }
}

// WithReloadDelay overrides the rebuild backoff.
func WithReloadDelay(d time.Duration) Option {
	return func(h *Host) { h.reloadDelay = d }
}

// New creates a host for the descriptor and starts its maintenance loop in
// the background. The host begins loading immediately; use EnsureLoaded to
// wait for the first transition out of loading.
func New(desc plugin.Descriptor, opts ...Option) *Host {
	h := &Host{
		desc:        desc,
		spawner:     &ProcessSpawner{},
		reloadDelay: DefaultReloadDelay,
		state:       StateLoading,
		workers:     make(map[string]*Worker),
		invocations: make(map[string]*invocation),
		loadedCh:    make(chan struct{}),
		reloadCh:    make(chan struct{}, 1),
		shutdownCh:  make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	for _, opt := range opts {
		opt(h)
	}
	go h.maintain()
	return h
}

// Descriptor returns the plugin descriptor the host was built with.
func (h *Host) Descriptor() plugin.Descriptor { return h.desc }

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastLoad returns the most recent LoadResult observed by the maintenance
// loop: the last success while the host is healthy, the last failure after
// it has given up.
func (h *Host) LastLoad() *plugin.LoadResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLoad
}

// FunctionNames returns the discovered callable exports, or nil before the
// first successful load.
func (h *Host) FunctionNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastLoad == nil || !h.lastLoad.Success {
		return nil
	}
	return h.lastLoad.FunctionNames
}

// WorkerCount returns the number of live workers.
func (h *Host) WorkerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers)
}

// Invocations returns the number of invocations accepted so far.
func (h *Host) Invocations() uint64 { return h.invoked.Load() }

// EnsureLoaded blocks until the host first leaves loading (to ready or
// failed), or until ctx is cancelled. Inspect State and LastLoad for the
// outcome.
func (h *Host) EnsureLoaded(ctx context.Context) error {
	select {
	case <-h.loadedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke calls a named export with a JSON argument on some pool worker.
// Cancelling ctx is the caller's abort signal: the invocation completes
// with an AbortError result and the assigned worker is recycled.
//
// Invoke returns an error only for state preconditions (not ready, closing,
// closed); every other outcome, including plugin errors and aborts, arrives
// inside the InvokeResult.
func (h *Host) Invoke(ctx context.Context, function string, argument json.RawMessage, opts *InvokeOptions) (plugin.InvokeResult, error) {
	h.mu.Lock()
	switch h.state {
	case StateReady:
	case StateClosing:
		h.mu.Unlock()
		return plugin.InvokeResult{}, ErrClosing
	case StateClosed:
		h.mu.Unlock()
		return plugin.InvokeResult{}, ErrClosed
	default:
		h.mu.Unlock()
		return plugin.InvokeResult{}, ErrNotReady
	}

	token := uuid.New().String()
	inv := &invocation{token: token, done: make(chan struct{})}
	h.invocations[token] = inv
	h.mu.Unlock()
	h.invoked.Add(1)

	// The caller's abort signal completes the invocation immediately;
	// whatever the worker eventually reports for this token is dropped.
	stop := context.AfterFunc(ctx, func() {
		h.complete(token, abortedResult())
	})
	defer stop()

	var invocationID, traceParent string
	if opts != nil {
		invocationID = opts.InvocationID
		traceParent = opts.TraceParent
	}

	w, err := h.reserve(ctx)
	if w == nil {
		// Aborted (or starved by shutdown) while waiting for a worker.
		logging.Op().Debug("invocation aborted while waiting for worker",
			"function", function, "reason", err)
		h.complete(token, abortedResult())
		<-inv.done
		return inv.result, nil
	}

	h.mu.Lock()
	inv.worker = w
	h.mu.Unlock()

	if err := w.PostInvoke(token, invocationID, function, argument, traceParent); err != nil {
		h.complete(token, plugin.InvokeResult{
			Error:   plugin.Details(err),
			Logs:    []plugin.LogRecord{},
			Fetches: []plugin.FetchRecord{},
		})
	}

	<-inv.done

	if ctx.Err() != nil {
		// Aborted at completion time: the worker may still be running
		// leaked plugin work, so it is discarded rather than reused.
		h.workerFailed(w)
	} else {
		h.workerReady(w)
	}
	return inv.result, nil
}

// complete resolves one invocation exactly once and removes it from the
// registry.
func (h *Host) complete(token string, result plugin.InvokeResult) {
	h.mu.Lock()
	inv, ok := h.invocations[token]
	if !ok || inv.completed {
		h.mu.Unlock()
		return
	}
	inv.completed = true
	inv.result = result
	delete(h.invocations, token)
	h.cond.Broadcast()
	h.mu.Unlock()
	close(inv.done)
}

// Shutdown transitions to closing, waits for every registered invocation to
// complete, then terminates. Calling Shutdown while another shutdown is in
// progress fails fast with ErrClosing; after the host is closed it returns
// nil.
func (h *Host) Shutdown() error {
	h.mu.Lock()
	switch h.state {
	case StateClosed:
		h.mu.Unlock()
		return nil
	case StateClosing:
		h.mu.Unlock()
		return ErrClosing
	}
	h.state = StateClosing
	h.signalDown()

	for len(h.invocations) > 0 {
		h.cond.Wait()
	}
	h.mu.Unlock()

	return h.Terminate()
}

// Terminate closes the host unilaterally: every registered invocation is
// completed with a TerminateError, every worker is killed, and the idle and
// waiter queues are dropped. Idempotent.
func (h *Host) Terminate() error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosed
	h.signalDown()
	h.loadedOnce.Do(func() { close(h.loadedCh) })

	tokens := make([]string, 0, len(h.invocations))
	for token := range h.invocations {
		tokens = append(tokens, token)
	}
	workers := make([]*Worker, 0, len(h.workers))
	for _, w := range h.workers {
		workers = append(workers, w)
	}
	h.workers = make(map[string]*Worker)
	h.idle = nil
	h.waiters = nil
	h.mu.Unlock()

	for _, token := range tokens {
		h.complete(token, plugin.InvokeResult{
			Error:   plugin.TerminateError(),
			Logs:    []plugin.LogRecord{},
			Fetches: []plugin.FetchRecord{},
		})
	}
	for _, w := range workers {
		w.Terminate()
	}
	metrics.SetWorkers(h.desc.Name(), 0)
	return nil
}

// signalDown closes the shutdown channel once. Callers hold h.mu.
func (h *Host) signalDown() {
	h.downOnce.Do(func() { close(h.shutdownCh) })
}

func abortedResult() plugin.InvokeResult {
	return plugin.InvokeResult{
		Error:   plugin.AbortError(),
		Logs:    []plugin.LogRecord{},
		Fetches: []plugin.FetchRecord{},
	}
}
