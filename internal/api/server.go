// Package api is the thin HTTP facade over a PluginHost: /status reports
// the host state, /invoke/{func} runs one invocation, /metrics serves the
// Prometheus registry. The facade maps host state and invocation results to
// HTTP status codes and never holds state of its own.
package api

import (
	"net/http"

	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// Handler serves the facade for one host.
type Handler struct {
	Host *host.Host
}

// Routes registers the facade endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.Status)
	mux.HandleFunc("POST /invoke/{func}", h.Invoke)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// StartHTTPServer creates and starts the facade server. The caller owns
// shutdown.
func StartHTTPServer(addr string, h *host.Host) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: (&Handler{Host: h}).Routes(),
	}
	go func() {
		logging.Op().Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server failed", "error", err)
		}
	}()
	return server
}
