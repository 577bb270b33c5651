package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/plugin"
)

var (
	// ErrReenter is returned when a context is activated while another is
	// still active on the same sandbox.
	ErrReenter = errors.New("cannot reenter context")
	// ErrNoContext is returned when an ambient capability is used outside
	// any active invocation context.
	ErrNoContext = errors.New("no active invocation context")
)

// FetchRecorder receives one FetchRecord as it is emitted.
type FetchRecorder func(plugin.FetchRecord)

// Sandbox is the per-worker ambient environment. It owns the policy surface
// and at most one active invocation context.
type Sandbox struct {
	surface Surface
	client  *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	active *Context
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithHTTPClient sets the client used by the wrapped fetch capability.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sandbox) { s.client = c }
}

// WithLogger sets the logger plugin log calls are routed to. It should be
// backed by the agent's log buffer.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithSurface overrides the default policy table.
func WithSurface(sf Surface) Option {
	return func(s *Sandbox) { s.surface = sf }
}

// New creates a sandbox with the default surface.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		surface: DefaultSurface(),
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Surface returns the sandbox's policy table.
func (s *Sandbox) Surface() Surface { return s.surface }

// Check gates one capability call against the policy table.
func (s *Sandbox) Check(name string) error { return s.surface.Check(name) }

// Active returns the currently active context, or ErrNoContext.
func (s *Sandbox) Active() (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNoContext
	}
	return s.active, nil
}

// Enter activates an invocation context. callID is the caller-supplied
// invocation id propagated into outbound HTTP (empty during module load);
// globals are injected after policy installation and must not shadow an
// ambient capability name; record receives each FetchRecord as it is
// emitted.
//
// Enter fails with ErrReenter while another context is active. The returned
// context must be closed exactly once, which also reinitialises the sandbox
// for the next invocation.
func (s *Sandbox) Enter(callID string, globals map[string]json.RawMessage, record FetchRecorder) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrReenter
	}
	for name := range globals {
		if _, ok := s.surface[name]; ok {
			return nil, fmt.Errorf("cannot redefine ambient name %q", name)
		}
	}
	c := newContext(s, callID, globals, record)
	s.active = c
	return c, nil
}

// release clears the active slot if it still belongs to c.
func (s *Sandbox) release(c *Context) {
	s.mu.Lock()
	if s.active == c {
		s.active = nil
	}
	s.mu.Unlock()
}

// now is swappable for deterministic tests.
var now = time.Now
