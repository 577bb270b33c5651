package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/plugin"
)

// TimeoutHeader carries a caller-side invocation timeout in milliseconds.
// Expiry fires the abort signal, which also forces worker replacement.
const TimeoutHeader = "X-Timeout"

// Invocation status strings reported in invoke responses.
const (
	StatusOK              = "OK"
	StatusUnavailable     = "Unavailable"
	StatusNotFound        = "NotFound"
	StatusInvalidArgument = "InvalidArgument"
	StatusRuntimeError    = "RuntimeError"
	StatusInternalError   = "InternalError"
)

type statusResponse struct {
	Module        string               `json:"module"`
	Status        string               `json:"status"`
	Error         *plugin.ErrorDetails `json:"error,omitempty"`
	FunctionNames []string             `json:"functionNames,omitempty"`
	MemoryUsage   uint64               `json:"memoryUsage,omitempty"`
}

type invokeResponse struct {
	Module       string               `json:"module"`
	FunctionName string               `json:"functionName"`
	Status       string               `json:"status"`
	Result       json.RawMessage      `json:"result"`
	Error        *plugin.ErrorDetails `json:"error,omitempty"`
	Logs         []plugin.LogRecord   `json:"logs"`
	Fetches      []plugin.FetchRecord `json:"fetches"`
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Module: h.Host.Descriptor().Module}

	code := http.StatusOK
	switch h.Host.State() {
	case host.StateLoading:
		resp.Status = "Loading"
		code = http.StatusServiceUnavailable
	case host.StateFailed:
		resp.Status = "LoadFailed"
		code = http.StatusInternalServerError
		if lr := h.Host.LastLoad(); lr != nil {
			resp.Error = lr.Error
		}
	default:
		resp.Status = "OK"
		resp.FunctionNames = h.Host.FunctionNames()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		resp.MemoryUsage = ms.Alloc
	}

	writeJSON(w, code, resp)
}

// Invoke handles POST /invoke/{func}.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	function := r.PathValue("func")
	module := h.Host.Descriptor().Module
	resp := invokeResponse{
		Module:       module,
		FunctionName: function,
		Result:       json.RawMessage("null"),
		Logs:         []plugin.LogRecord{},
		Fetches:      []plugin.FetchRecord{},
	}

	if h.Host.State() != host.StateReady {
		resp.Status = StatusUnavailable
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if !slices.Contains(h.Host.FunctionNames(), function) {
		resp.Status = StatusNotFound
		resp.Error = &plugin.ErrorDetails{Name: "Error", Message: "function not found: " + function}
		writeJSON(w, http.StatusNotFound, resp)
		return
	}

	argument := json.RawMessage("null")
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&argument); err != nil {
			resp.Status = StatusInvalidArgument
			resp.Error = &plugin.ErrorDetails{Name: "SyntaxError", Message: "invalid JSON payload"}
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}
	}

	ctx := r.Context()
	if v := r.Header.Get(TimeoutHeader); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			resp.Status = StatusInvalidArgument
			resp.Error = &plugin.ErrorDetails{Name: "Error", Message: "invalid " + TimeoutHeader + " header"}
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	invocationID := uuid.New().String()
	ctx, span := observability.Tracer().Start(ctx, "invoke")
	span.SetAttributes(
		attribute.String("pulsar.function", function),
		attribute.String("pulsar.invocation_id", invocationID),
	)
	defer span.End()

	start := time.Now()
	result, err := h.Host.Invoke(ctx, function, argument, &host.InvokeOptions{
		InvocationID: invocationID,
		TraceParent:  observability.TraceParent(ctx),
	})
	durationMs := float64(time.Since(start).Milliseconds())

	var code int
	switch {
	case errors.Is(err, host.ErrNotReady), errors.Is(err, host.ErrClosing), errors.Is(err, host.ErrClosed):
		resp.Status = StatusUnavailable
		code = http.StatusServiceUnavailable
	case err != nil:
		resp.Status = StatusInternalError
		resp.Error = plugin.Details(err)
		code = http.StatusInternalServerError
	default:
		resp.Logs = result.Logs
		resp.Fetches = result.Fetches
		if result.Value != nil {
			resp.Result = result.Value
		}
		switch {
		case result.Error == nil:
			resp.Status = StatusOK
			code = http.StatusOK
		case result.Error.Name == "TerminateError":
			resp.Status = StatusInternalError
			resp.Error = result.Error
			code = http.StatusInternalServerError
		default:
			resp.Status = StatusRuntimeError
			resp.Error = result.Error
			code = http.StatusInternalServerError
		}
	}

	metrics.RecordInvocation(function, resp.Status, durationMs)
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
