// Package wasm is the production engine: it executes plugin modules with
// wazero and exposes the sandboxed ambient surface to the guest as host
// functions imported from module "env".
//
// # Guest ABI
//
// A plugin module exports a linear "memory", an "alloc(i32 size) -> i32 ptr"
// allocator, and its callable functions with signature
// "(i32 ptr, i32 len) -> i64". The argument is JSON in guest memory; the
// returned i64 packs (ptr<<32)|len of a JSON result envelope
// {"value": ...} or {"error": {"name", "message", "stack"}}.
// Exports with any other signature are not callable and are excluded from
// the discovered function names.
//
// Host functions that return data hand it back the same way: they call the
// guest allocator, write the bytes, and return the packed pointer. Forbidden
// capabilities share the uniform "(i32, i32) -> i64" shape and trap on use.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/oriys/pulsar/internal/engine"
	"github.com/oriys/pulsar/internal/plugin"
	"github.com/oriys/pulsar/internal/sandbox"
)

const memoryLimitPages = 1024 // 1024 * 64KiB == 64MiB

var compilationCache = sync.OnceValue(func() wazero.CompilationCache {
	return wazero.NewCompilationCache()
})

func runtimeConfig() wazero.RuntimeConfig {
	return wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(compilationCache()).
		WithMemoryLimitPages(memoryLimitPages)
}

// Engine loads wasm plugin modules.
type Engine struct{}

// New returns a wazero-backed engine.
func New() *Engine { return &Engine{} }

var _ engine.Engine = (*Engine)(nil)

// Load reads, compiles and instantiates the module at the given URI. The
// module's start code runs with the sandbox's policies already installed;
// the caller is expected to have entered a load context beforehand.
func (e *Engine) Load(ctx context.Context, module string, sb *sandbox.Sandbox) (engine.Module, error) {
	binary, err := readModule(module)
	if err != nil {
		return nil, err
	}

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig())
	m := &Module{rt: rt, sb: sb}

	if _, err := buildEnvModule(rt, m).Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate env module: %w", err)
	}
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	config := wazero.NewModuleConfig().
		WithName("plugin").
		WithStartFunctions() // run initialization explicitly below
	mod, err := rt.InstantiateModule(ctx, compiled, config)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	m.mod = mod

	// Reactor-style modules expose their top-level code as _initialize.
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			rt.Close(ctx)
			return nil, m.callError(err)
		}
	}

	for name, def := range compiled.ExportedFunctions() {
		if !callableSignature(def) || name == "alloc" {
			continue
		}
		m.functions = append(m.functions, name)
	}
	sort.Strings(m.functions)

	if len(m.functions) > 0 {
		m.alloc = mod.ExportedFunction("alloc")
		if m.alloc == nil || mod.Memory() == nil {
			rt.Close(ctx)
			return nil, errors.New(`module does not export "alloc" and "memory"`)
		}
	}

	return m, nil
}

func callableSignature(def api.FunctionDefinition) bool {
	params := def.ParamTypes()
	results := def.ResultTypes()
	return len(params) == 2 &&
		params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32 &&
		len(results) == 1 && results[0] == api.ValueTypeI64
}

func readModule(module string) ([]byte, error) {
	path := module
	if u, err := url.Parse(module); err == nil && u.Scheme != "" {
		if u.Scheme != "file" {
			return nil, fmt.Errorf("unsupported module scheme %q", u.Scheme)
		}
		path = u.Path
	}
	binary, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return binary, nil
}

// Module is one instantiated wasm plugin.
type Module struct {
	rt        wazero.Runtime
	mod       api.Module
	sb        *sandbox.Sandbox
	alloc     api.Function
	functions []string

	mu      sync.Mutex
	hostErr error
}

var _ engine.Module = (*Module)(nil)

// Functions implements engine.Module.
func (m *Module) Functions() []string { return m.functions }

// Call implements engine.Module.
func (m *Module) Call(ctx context.Context, function string, argument json.RawMessage) (json.RawMessage, error) {
	fn := m.mod.ExportedFunction(function)
	if fn == nil {
		return nil, fmt.Errorf("function not found: %s", function)
	}
	if len(argument) == 0 {
		argument = json.RawMessage("null")
	}

	ptr, err := m.writeGuest(ctx, argument)
	if err != nil {
		return nil, err
	}
	ret, err := fn.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(uint32(len(argument))))
	if err != nil {
		return nil, m.callError(err)
	}

	out, err := m.readPacked(ret[0])
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Value json.RawMessage      `json:"value"`
		Error *plugin.ErrorDetails `json:"error"`
	}
	if err := json.Unmarshal(out, &envelope); err != nil {
		return nil, fmt.Errorf("decode result envelope: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Value, nil
}

// Close implements engine.Module.
func (m *Module) Close(ctx context.Context) error {
	return m.rt.Close(ctx)
}

// callError maps a guest trap back to the original host-side error when one
// was recorded (forbidden capability use, sandbox misuse), so the message
// the plugin observes is the capability's, not the trap plumbing's.
func (m *Module) callError(err error) error {
	m.mu.Lock()
	hostErr := m.hostErr
	m.hostErr = nil
	m.mu.Unlock()
	if hostErr != nil {
		return hostErr
	}
	return err
}

// fail records a host-side error and unwinds the guest call.
func (m *Module) fail(err error) {
	m.mu.Lock()
	if m.hostErr == nil {
		m.hostErr = err
	}
	m.mu.Unlock()
	panic(err)
}

func (m *Module) active() *sandbox.Context {
	c, err := m.sb.Active()
	if err != nil {
		m.fail(err)
	}
	return c
}

func (m *Module) check(name string) {
	if err := m.sb.Check(name); err != nil {
		m.fail(err)
	}
}

func (m *Module) writeGuest(ctx context.Context, b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, nil
	}
	ret, err := m.alloc.Call(ctx, uint64(len(b)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := api.DecodeU32(ret[0])
	if !m.mod.Memory().Write(ptr, b) {
		return 0, fmt.Errorf("guest memory write out of range: %d+%d", ptr, len(b))
	}
	return ptr, nil
}

func (m *Module) readPacked(packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	if size == 0 {
		return []byte("null"), nil
	}
	b, ok := m.mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("guest memory read out of range: %d+%d", ptr, size)
	}
	out := make([]byte, size)
	copy(out, b)
	return out, nil
}

func pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

// readGuestString reads (ptr, len) from the stack positions given.
func (m *Module) readGuestString(mod api.Module, ptr, size uint32) string {
	b, ok := mod.Memory().Read(ptr, size)
	if !ok {
		m.fail(fmt.Errorf("guest memory read out of range: %d+%d", ptr, size))
	}
	return string(b)
}

// returnBytes allocates guest memory for b and returns the packed pointer.
func (m *Module) returnBytes(ctx context.Context, b []byte) uint64 {
	ptr, err := m.writeGuest(ctx, b)
	if err != nil {
		m.fail(err)
	}
	return pack(ptr, uint32(len(b)))
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

// buildEnvModule binds the ambient surface to the "env" import namespace.
func buildEnvModule(rt wazero.Runtime, m *Module) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder("env")

	export := func(name string, fn api.GoModuleFunc, params, results []api.ValueType) {
		b = b.NewFunctionBuilder().
			WithName(name).
			WithGoModuleFunction(fn, params, results).
			Export(name)
	}

	export(sandbox.CapLog, m.hostLog, []api.ValueType{i32, i32, i32, i32, i32}, nil)
	export(sandbox.CapFetch, m.hostFetch, []api.ValueType{i32, i32}, []api.ValueType{i64})
	export("set_timer", m.hostSetTimer, []api.ValueType{i64}, []api.ValueType{i64})
	export("clear_timer", m.hostClearTimer, []api.ValueType{i64}, nil)
	export("global_get", m.hostGlobalGet, []api.ValueType{i32, i32}, []api.ValueType{i64})
	export(sandbox.CapNow, m.hostNow, nil, []api.ValueType{i64})
	export(sandbox.CapRandom, m.hostRandom, nil, []api.ValueType{f64})

	// Forbidden capabilities keep a uniform shape; any use traps with
	// "<name> is not supported".
	for name, policy := range m.sb.Surface() {
		if policy != sandbox.PolicyForbid {
			continue
		}
		capName := name
		export(capName, func(ctx context.Context, mod api.Module, stack []uint64) {
			m.fail(&sandbox.NotSupportedError{Name: capName})
		}, []api.ValueType{i32, i32}, []api.ValueType{i64})
	}

	return b
}

func (m *Module) hostLog(ctx context.Context, mod api.Module, stack []uint64) {
	m.check(sandbox.CapLog)
	c := m.active()
	// Guest levels 0..3 map onto slog's -4/0/4/8 (debug/info/warn/error).
	level := slog.Level(int(api.DecodeI32(stack[0]))*4 - 4)
	msg := m.readGuestString(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	logger := m.readGuestString(mod, api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
	c.Log(level, logger, msg)
}

// fetchRequest is the guest-side JSON shape handed to the fetch import.
type fetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// fetchResponse is returned to the guest after the body is fully consumed.
type fetchResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

func (m *Module) hostFetch(ctx context.Context, mod api.Module, stack []uint64) {
	c := m.active()
	raw := m.readGuestString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))

	var freq fetchRequest
	if err := json.Unmarshal([]byte(raw), &freq); err != nil {
		m.fail(fmt.Errorf("fetch: decode request: %w", err))
	}
	method := freq.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if freq.Body != "" {
		body = strings.NewReader(freq.Body)
	}
	req, err := http.NewRequest(method, freq.URL, body)
	if err != nil {
		m.fail(fmt.Errorf("fetch: %w", err))
	}
	for k, v := range freq.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Fetch(req)
	if err != nil {
		m.fail(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		m.fail(fmt.Errorf("fetch: read body: %w", err))
	}

	out := fetchResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Body:       string(data),
	}
	if len(resp.Header) > 0 {
		out.Headers = make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			out.Headers[k] = resp.Header.Get(k)
		}
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		m.fail(fmt.Errorf("fetch: encode response: %w", err))
	}
	stack[0] = m.returnBytes(ctx, encoded)
}

func (m *Module) hostSetTimer(ctx context.Context, mod api.Module, stack []uint64) {
	m.check(sandbox.CapSetTimeout)
	c := m.active()
	delay := time.Duration(int64(stack[0])) * time.Millisecond
	stack[0] = uint64(c.SetTimer(delay, nil))
}

func (m *Module) hostClearTimer(ctx context.Context, mod api.Module, stack []uint64) {
	m.check(sandbox.CapClearTimeout)
	c := m.active()
	c.ClearTimer(int64(stack[0]))
}

func (m *Module) hostGlobalGet(ctx context.Context, mod api.Module, stack []uint64) {
	m.check(sandbox.CapGetGlobal)
	c := m.active()
	name := m.readGuestString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	v, ok := c.Global(name)
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = m.returnBytes(ctx, v)
}

func (m *Module) hostNow(ctx context.Context, mod api.Module, stack []uint64) {
	m.check(sandbox.CapNow)
	stack[0] = uint64(time.Now().UnixMilli())
}

func (m *Module) hostRandom(ctx context.Context, mod api.Module, stack []uint64) {
	m.check(sandbox.CapRandom)
	stack[0] = api.EncodeF64(rand.Float64())
}
