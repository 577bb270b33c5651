// pool.go contains worker reservation, release, and the maintenance loop
// that keeps the pool at its configured size.
package host

import (
	"context"
	"time"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/plugin"
)

// reserve obtains an idle worker or waits for one. It returns nil when the
// caller aborts or the host shuts down before a worker is available.
func (h *Host) reserve(ctx context.Context) (*Worker, error) {
	h.mu.Lock()
	if len(h.idle) > 0 {
		// FIFO: released workers rejoin at the tail, so sequential
		// invocations cycle round-robin across the pool instead of
		// pinning the most recently used worker.
		w := h.idle[0]
		h.idle = h.idle[1:]
		h.mu.Unlock()
		return w, nil
	}
	wt := &waiter{ch: make(chan *Worker, 1)}
	h.waiters = append(h.waiters, wt)
	h.mu.Unlock()

	select {
	case w := <-wt.ch:
		return w, nil
	case <-ctx.Done():
		h.abandonWaiter(wt)
		return nil, ctx.Err()
	case <-h.shutdownCh:
		h.abandonWaiter(wt)
		return nil, ErrClosing
	}
}

// abandonWaiter marks a waiter as no longer interested. A worker assigned
// concurrently with the abandonment is pushed back into circulation so it
// is not lost.
func (h *Host) abandonWaiter(wt *waiter) {
	h.mu.Lock()
	wt.abandoned = true
	h.mu.Unlock()
	select {
	case w := <-wt.ch:
		h.workerReady(w)
	default:
	}
}

// workerReady hands the worker to the next live waiter or appends it to the
// tail of the idle queue. Dead workers are routed to workerFailed instead so a
// replacement gets built.
func (h *Host) workerReady(w *Worker) {
	if w.Closed() {
		h.workerFailed(w)
		return
	}

	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		w.Terminate()
		return
	}
	for len(h.waiters) > 0 {
		wt := h.waiters[0]
		h.waiters = h.waiters[1:]
		if wt.abandoned {
			continue
		}
		wt.ch <- w
		h.mu.Unlock()
		return
	}
	h.idle = append(h.idle, w)
	h.mu.Unlock()
}

// workerFailed terminates the worker, removes it from the pool, and signals
// the maintenance loop to build a replacement.
func (h *Host) workerFailed(w *Worker) {
	w.Terminate()

	h.mu.Lock()
	_, present := h.workers[w.id]
	delete(h.workers, w.id)
	for i, iw := range h.idle {
		if iw == w {
			h.idle = append(h.idle[:i], h.idle[i+1:]...)
			break
		}
	}
	workerCount := len(h.workers)
	h.mu.Unlock()

	if present {
		metrics.RecordWorkerRestart(h.desc.Name())
		metrics.SetWorkers(h.desc.Name(), workerCount)
	}
	h.signalReload()
}

// handleWorkerExit fires when a worker's transport ends for any reason. An
// invocation still assigned to the worker is completed with an error; the
// pool is signalled to rebuild.
func (h *Host) handleWorkerExit(w *Worker) {
	h.mu.Lock()
	var stranded []string
	for token, inv := range h.invocations {
		if inv.worker == w && !inv.completed {
			stranded = append(stranded, token)
		}
	}
	h.mu.Unlock()

	for _, token := range stranded {
		h.complete(token, plugin.InvokeResult{
			Error:   &plugin.ErrorDetails{Name: "Error", Message: "worker exited unexpectedly"},
			Logs:    []plugin.LogRecord{},
			Fetches: []plugin.FetchRecord{},
		})
	}
	h.workerFailed(w)
}

func (h *Host) signalReload() {
	select {
	case h.reloadCh <- struct{}{}:
	default:
	}
}

// maintain is the pool maintenance loop. It builds workers until the pool
// reaches the descriptor's concurrency, counts consecutive load failures
// against MaxLoadFailures, and then sleeps until a reload or shutdown
// signal. A rebuild round is delayed by reloadDelay while at least one
// worker is still alive; with none alive it starts immediately.
func (h *Host) maintain() {
	for {
		if !h.buildRound() {
			return
		}

		select {
		case <-h.shutdownCh:
			return
		case <-h.reloadCh:
		}

		h.mu.Lock()
		alive := len(h.workers) > 0
		h.mu.Unlock()
		if alive {
			select {
			case <-time.After(h.reloadDelay):
			case <-h.shutdownCh:
				return
			}
		}
	}
}

// buildRound grows the pool to size. It returns false when the host has
// left the loading/ready states and the loop should stop.
func (h *Host) buildRound() bool {
	size := h.desc.PoolSize()
	for {
		h.mu.Lock()
		if h.state != StateLoading && h.state != StateReady {
			h.mu.Unlock()
			return false
		}
		if len(h.workers) >= size {
			h.mu.Unlock()
			return true
		}
		h.mu.Unlock()

		w, lr := h.buildWorker()

		h.mu.Lock()
		if h.state != StateLoading && h.state != StateReady {
			h.mu.Unlock()
			if w != nil {
				w.Terminate()
			}
			return false
		}

		h.lastLoad = &lr
		if lr.Success {
			h.failureCount = 0
			h.workers[w.id] = w
			workerCount := len(h.workers)
			wasLoading := h.state == StateLoading
			if wasLoading {
				h.state = StateReady
			}
			h.mu.Unlock()

			metrics.SetWorkers(h.desc.Name(), workerCount)
			if wasLoading {
				h.loadedOnce.Do(func() { close(h.loadedCh) })
			}
			logging.Op().Info("worker ready", "worker", w.id, "plugin", h.desc.Name())
			h.workerReady(w)
			continue
		}

		h.failureCount++
		failed := h.failureCount >= MaxLoadFailures
		if failed {
			h.state = StateFailed
		}
		h.mu.Unlock()

		metrics.RecordLoadFailure(h.desc.Name())
		var msg string
		if lr.Error != nil {
			msg = lr.Error.Message
		}
		logging.Op().Warn("worker load failed", "plugin", h.desc.Name(), "error", msg)
		if w != nil {
			w.Terminate()
		}
		if failed {
			h.loadedOnce.Do(func() { close(h.loadedCh) })
			return false
		}
	}
}

// buildWorker spawns one agent and loads the plugin into it.
func (h *Host) buildWorker() (*Worker, plugin.LoadResult) {
	t, err := h.spawner.Spawn(context.Background())
	if err != nil {
		return nil, plugin.LoadResult{Error: plugin.Details(err)}
	}
	w := newWorker(t, h.complete, h.handleWorkerExit)
	lr := w.Load(h.desc, h.shutdownCh)
	return w, lr
}
