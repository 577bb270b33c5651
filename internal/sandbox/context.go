package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// errInvocationEnded is the cancel cause propagated to in-flight work when
// the owning context closes. Fetches distinguish it from a caller-initiated
// abort to decide whether to synthesize a 408 response.
var errInvocationEnded = errors.New("invocation ended")

// Context is one invocation's view of the ambient environment. It tracks
// every timer the plugin registers and every outbound fetch it starts so
// both can be forcibly ended when the invocation does.
type Context struct {
	sb      *Sandbox
	callID  string
	globals map[string]json.RawMessage
	record  FetchRecorder

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	closed    bool
	timers    map[int64]*time.Timer
	nextTimer int64
	pending   map[*pendingFetch]struct{}
}

func newContext(sb *Sandbox, callID string, globals map[string]json.RawMessage, record FetchRecorder) *Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Context{
		sb:      sb,
		callID:  callID,
		globals: globals,
		record:  record,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[int64]*time.Timer),
		pending: make(map[*pendingFetch]struct{}),
	}
}

// CallID returns the caller-supplied invocation id, empty during load.
func (c *Context) CallID() string { return c.callID }

// Signal returns the context's cancel signal. It fires when the invocation
// ends.
func (c *Context) Signal() context.Context { return c.ctx }

// Global looks up an injected global by name.
func (c *Context) Global(name string) (json.RawMessage, bool) {
	v, ok := c.globals[name]
	return v, ok
}

// Logger returns the sandbox logger scoped to the given plugin logger name.
func (c *Context) Logger(name string) *slog.Logger {
	if name == "" {
		name = "default"
	}
	return c.sb.logger.With(LoggerKeyAttr, name)
}

// Log emits one plugin log line on the sandbox logger.
func (c *Context) Log(level slog.Level, loggerName, msg string) {
	c.Logger(loggerName).Log(context.Background(), level, msg)
}

// SetTimer registers a timer under the replace policy: the caller gets a
// per-context sequential id (starting at 1), and the timer is recorded
// under that id so Close can cancel it. fn may be nil for a pure delay handle. Timers registered after close
// never fire and return id 0.
func (c *Context) SetTimer(d time.Duration, fn func()) int64 {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.nextTimer++
	id := c.nextTimer
	c.timers[id] = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	c.mu.Unlock()
	return id
}

// ClearTimer cancels a tracked timer. Unknown ids are ignored.
func (c *Context) ClearTimer(id int64) {
	c.mu.Lock()
	t, ok := c.timers[id]
	if ok {
		delete(c.timers, id)
	}
	c.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// TimerCount reports the number of timers still tracked.
func (c *Context) TimerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Context) addPending(pf *pendingFetch) {
	c.mu.Lock()
	c.pending[pf] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) removePending(pf *pendingFetch) {
	c.mu.Lock()
	delete(c.pending, pf)
	c.mu.Unlock()
}

// Close deactivates the context: still-pending fetch records are emitted,
// every tracked timer is cancelled, the cancel signal fires (propagating to
// in-flight fetches), and the sandbox is released for the next invocation.
// Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	timers := c.timers
	c.timers = map[int64]*time.Timer{}
	stale := make([]*pendingFetch, 0, len(c.pending))
	for pf := range c.pending {
		stale = append(stale, pf)
	}
	c.mu.Unlock()

	for _, pf := range stale {
		pf.finish(c, 0, "")
	}
	for _, t := range timers {
		t.Stop()
	}
	c.cancel(errInvocationEnded)
	c.sb.release(c)
	return nil
}

// LoggerKeyAttr is the slog attribute key carrying the plugin logger name.
// It matches logging.LoggerKey; redeclared here to keep the dependency
// one-directional.
const LoggerKeyAttr = "logger"
