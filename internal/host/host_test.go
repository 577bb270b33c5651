package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/pulsar/internal/agent"
	"github.com/oriys/pulsar/internal/engine/enginetest"
	"github.com/oriys/pulsar/internal/plugin"
	"github.com/oriys/pulsar/internal/sandbox"
)

// pipeTransport runs the agent in-process over a net.Pipe, standing in for
// the agent subprocess.
type pipeTransport struct {
	net.Conn
	peer net.Conn
}

func (t *pipeTransport) Kill() error {
	t.Conn.Close()
	return t.peer.Close()
}

type pipeSpawner struct {
	engine *enginetest.Engine
	gate   chan struct{} // when non-nil, Spawn blocks until it closes
	err    error

	mu     sync.Mutex
	spawns int
}

func (s *pipeSpawner) Spawn(ctx context.Context) (Transport, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.spawns++
	s.mu.Unlock()

	hostSide, agentSide := net.Pipe()
	a := agent.New(s.engine)
	go a.Serve(context.Background(), agentSide)
	return &pipeTransport{Conn: hostSide, peer: agentSide}, nil
}

func (s *pipeSpawner) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// testBuild is the standard scripted plugin: an uppercase echo, a
// worker-local counter, and a cancellable sleep.
func testBuild(sb *sandbox.Sandbox) (map[string]enginetest.Func, error) {
	var counter int
	return map[string]enginetest.Func{
		"up": func(ctx context.Context, sb *sandbox.Sandbox, arg json.RawMessage) (json.RawMessage, error) {
			var s string
			if err := json.Unmarshal(arg, &s); err != nil {
				return nil, &plugin.ErrorDetails{Name: "TypeError", Message: "argument is not a string"}
			}
			out, _ := json.Marshal(strings.ToUpper(s))
			return out, nil
		},
		"concur": func(ctx context.Context, sb *sandbox.Sandbox, arg json.RawMessage) (json.RawMessage, error) {
			counter++
			out, _ := json.Marshal(counter)
			return out, nil
		},
		"wait": func(ctx context.Context, sb *sandbox.Sandbox, arg json.RawMessage) (json.RawMessage, error) {
			var ms int
			json.Unmarshal(arg, &ms)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
			}
			out, _ := json.Marshal(ms)
			return out, nil
		},
	}, nil
}

func newTestHost(t *testing.T, desc plugin.Descriptor, spawner Spawner) *Host {
	t.Helper()
	h := New(desc, WithSpawner(spawner), WithReloadDelay(50*time.Millisecond))
	t.Cleanup(func() { h.Terminate() })
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnsureLoadedReady(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})

	if err := h.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if h.State() != StateReady {
		t.Fatalf("expected ready, got %s", h.State())
	}
	names := h.FunctionNames()
	if len(names) == 0 {
		t.Fatal("expected discovered function names")
	}
	found := false
	for _, n := range names {
		if n == "up" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected up in %v", names)
	}
}

func TestInvokeEcho(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})
	h.EnsureLoaded(context.Background())

	res, err := h.Invoke(context.Background(), "up", json.RawMessage(`"str"`), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if string(res.Value) != `"STR"` {
		t.Fatalf("expected \"STR\", got %s", res.Value)
	}
	if h.Invocations() != 1 {
		t.Fatalf("expected 1 accepted invocation, got %d", h.Invocations())
	}
}

func TestInvokeWhileLoadingNotReady(t *testing.T) {
	gate := make(chan struct{})
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}, gate: gate})
	defer close(gate)

	if _, err := h.Invoke(context.Background(), "up", json.RawMessage(`"x"`), nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestPoolCycling(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm", Concurrency: 2},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})
	h.EnsureLoaded(context.Background())
	waitFor(t, 2*time.Second, func() bool { return h.WorkerCount() == 2 }, "pool never reached 2 workers")

	var counts []int
	for i := 0; i < 6; i++ {
		res, err := h.Invoke(context.Background(), "concur", json.RawMessage("null"), nil)
		if err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
		if res.Error != nil {
			t.Fatalf("Invoke %d error: %+v", i, res.Error)
		}
		var n int
		json.Unmarshal(res.Value, &n)
		counts = append(counts, n)
	}

	sort.Ints(counts)
	want := []int{1, 1, 2, 2, 3, 3}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("expected counter multiset %v, got %v", want, counts)
		}
	}
	if h.WorkerCount() != 2 {
		t.Fatalf("expected 2 workers, got %d", h.WorkerCount())
	}
}

func TestAbortRecyclesWorker(t *testing.T) {
	spawner := &pipeSpawner{engine: &enginetest.Engine{Build: testBuild}}
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"}, spawner)
	h.EnsureLoaded(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res, err := h.Invoke(ctx, "wait", json.RawMessage(`300`), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error == nil || res.Error.Name != "AbortError" {
		t.Fatalf("expected AbortError, got %+v", res.Error)
	}
	if res.Error.Message != "Invocation was aborted" {
		t.Fatalf("unexpected message: %q", res.Error.Message)
	}

	// The worker is replaced, and the next invocation lands on a fresh one.
	res, err = h.Invoke(context.Background(), "up", json.RawMessage(`"a"`), nil)
	if err != nil {
		t.Fatalf("Invoke after abort: %v", err)
	}
	if res.Error != nil || string(res.Value) != `"A"` {
		t.Fatalf("expected \"A\", got %s (%+v)", res.Value, res.Error)
	}
	if spawner.Spawns() < 2 {
		t.Fatalf("expected a replacement worker, spawns=%d", spawner.Spawns())
	}
}

func TestAbortWhileWaitingForWorker(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})
	h.EnsureLoaded(context.Background())

	first := make(chan plugin.InvokeResult, 1)
	go func() {
		res, _ := h.Invoke(context.Background(), "wait", json.RawMessage(`200`), nil)
		first <- res
	}()
	time.Sleep(30 * time.Millisecond) // the only worker is now busy

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := h.Invoke(ctx, "up", json.RawMessage(`"x"`), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error == nil || res.Error.Name != "AbortError" {
		t.Fatalf("expected AbortError while waiting, got %+v", res.Error)
	}

	fr := <-first
	if fr.Error != nil {
		t.Fatalf("first invocation should finish cleanly, got %+v", fr.Error)
	}
}

func TestLoadFailureRetriesThenFails(t *testing.T) {
	eng := &enginetest.Engine{
		Build:     testBuild,
		FailLoads: 1 << 20,
		LoadErr:   errors.New("top-level throw"),
	}
	h := newTestHost(t, plugin.Descriptor{Module: "file:///broken.wasm"},
		&pipeSpawner{engine: eng})

	if err := h.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if h.State() != StateFailed {
		t.Fatalf("expected failed, got %s", h.State())
	}
	lr := h.LastLoad()
	if lr == nil || lr.Error == nil || lr.Error.Message != "top-level throw" {
		t.Fatalf("unexpected load result: %+v", lr)
	}
	if eng.Loads() != MaxLoadFailures {
		t.Fatalf("expected %d load attempts, got %d", MaxLoadFailures, eng.Loads())
	}

	if _, err := h.Invoke(context.Background(), "up", json.RawMessage(`"x"`), nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after failure, got %v", err)
	}
}

func TestWorkerCrashRebuilds(t *testing.T) {
	spawner := &pipeSpawner{engine: &enginetest.Engine{Build: testBuild}}
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"}, spawner)
	h.EnsureLoaded(context.Background())

	// Kill the live worker's transport behind the host's back.
	h.mu.Lock()
	var victim *Worker
	for _, w := range h.workers {
		victim = w
	}
	h.mu.Unlock()
	victim.transport.Kill()

	waitFor(t, 2*time.Second, func() bool { return spawner.Spawns() >= 2 }, "no replacement spawned")
	waitFor(t, 2*time.Second, func() bool { return h.WorkerCount() == 1 }, "pool never recovered")

	res, err := h.Invoke(context.Background(), "up", json.RawMessage(`"ok"`), nil)
	if err != nil {
		t.Fatalf("Invoke after crash: %v", err)
	}
	if res.Error != nil || string(res.Value) != `"OK"` {
		t.Fatalf("expected \"OK\", got %s (%+v)", res.Value, res.Error)
	}
}

func TestTerminateResolvesPending(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})
	h.EnsureLoaded(context.Background())

	done := make(chan plugin.InvokeResult, 1)
	go func() {
		res, _ := h.Invoke(context.Background(), "wait", json.RawMessage(`500`), nil)
		done <- res
	}()
	time.Sleep(30 * time.Millisecond)

	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case res := <-done:
		if res.Error == nil || res.Error.Name != "TerminateError" {
			t.Fatalf("expected TerminateError, got %+v", res.Error)
		}
		if res.Error.Message != "Worker was terminated" {
			t.Fatalf("unexpected message: %q", res.Error.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending invocation did not resolve after terminate")
	}

	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate should be idempotent: %v", err)
	}
	if h.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.State())
	}
	if _, err := h.Invoke(context.Background(), "up", json.RawMessage(`"x"`), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})
	h.EnsureLoaded(context.Background())

	done := make(chan plugin.InvokeResult, 1)
	go func() {
		res, _ := h.Invoke(context.Background(), "wait", json.RawMessage(`150`), nil)
		done <- res
	}()
	time.Sleep(30 * time.Millisecond)

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.State() != StateClosed {
		t.Fatalf("expected closed after shutdown, got %s", h.State())
	}

	res := <-done
	if res.Error != nil {
		t.Fatalf("in-flight invocation should complete cleanly, got %+v", res.Error)
	}
	if string(res.Value) != "150" {
		t.Fatalf("unexpected value: %s", res.Value)
	}

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown after closed should be a no-op, got %v", err)
	}
}

func TestShutdownWhileClosingFailsFast(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})
	h.EnsureLoaded(context.Background())

	go h.Invoke(context.Background(), "wait", json.RawMessage(`300`), nil)
	time.Sleep(30 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- h.Shutdown() }()
	time.Sleep(30 * time.Millisecond)

	if err := h.Shutdown(); !errors.Is(err, ErrClosing) {
		t.Fatalf("expected ErrClosing for concurrent shutdown, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
}

func TestInvokeRejectsWhileClosing(t *testing.T) {
	h := newTestHost(t, plugin.Descriptor{Module: "file:///m.wasm"},
		&pipeSpawner{engine: &enginetest.Engine{Build: testBuild}})
	h.EnsureLoaded(context.Background())

	go h.Invoke(context.Background(), "wait", json.RawMessage(`200`), nil)
	time.Sleep(30 * time.Millisecond)
	go h.Shutdown()
	time.Sleep(30 * time.Millisecond)

	if _, err := h.Invoke(context.Background(), "up", json.RawMessage(`"x"`), nil); !errors.Is(err, ErrClosing) {
		t.Fatalf("expected ErrClosing, got %v", err)
	}
}
