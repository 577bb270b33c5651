package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/oriys/pulsar/internal/plugin"
)

// InvocationIDHeader is injected on every wrapped outbound request when the
// context carries a non-empty call id.
const InvocationIDHeader = "Yext-Invocation-ID"

// pendingFetch is a FetchRecord under construction. It is emitted at most
// once: either when the response body is fully consumed, or when the
// invocation closes, whichever comes first.
type pendingFetch struct {
	mu      sync.Mutex
	emitted bool
	rec     plugin.FetchRecord
	sent    atomic.Int64
	recv    atomic.Int64
}

// finish stamps the end time and emits the record exactly once. status is
// applied only when the record has none yet (the close path passes 0 to
// keep whatever the response set).
func (pf *pendingFetch) finish(c *Context, status int, statusText string) {
	pf.mu.Lock()
	if pf.emitted {
		pf.mu.Unlock()
		return
	}
	pf.emitted = true
	if status != 0 && pf.rec.Status == 0 {
		pf.rec.Status = status
		pf.rec.StatusText = statusText
	}
	pf.rec.EndTime = now()
	pf.rec.SentBytes = pf.sent.Load()
	pf.rec.ReceivedBytes = pf.recv.Load()
	rec := pf.rec
	pf.mu.Unlock()

	c.removePending(pf)
	if c.record != nil {
		c.record(rec)
	}
}

func (pf *pendingFetch) setStatus(status int, statusText string) {
	pf.mu.Lock()
	pf.rec.Status = status
	pf.rec.StatusText = statusText
	pf.mu.Unlock()
}

// Fetch performs one outbound HTTP call under the wrap policy.
//
// The caller's signal (the request's own context, if any) is joined with the
// context's cancel signal, a correlation header is injected, and both
// directions of the transfer are measured. When the merged signal aborts
// because the invocation ended (not because the caller cancelled), a
// synthesized 408 response is returned instead of an error so that plugin
// code abandoning an in-flight fetch does not surface a spurious failure.
func (c *Context) Fetch(req *http.Request) (*http.Response, error) {
	if err := c.sb.Check(CapFetch); err != nil {
		return nil, err
	}
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("fetch: nil request")
	}

	pf := &pendingFetch{rec: plugin.FetchRecord{
		Scheme:    req.URL.Scheme,
		Host:      req.URL.Host,
		Method:    req.Method,
		StartTime: now(),
	}}
	if pf.rec.Method == "" {
		pf.rec.Method = http.MethodGet
	}
	c.addPending(pf)

	parent := req.Context()
	merged, mcancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(c.ctx, func() { mcancel(errInvocationEnded) })
	cleanup := func() {
		stop()
		mcancel(nil)
	}

	req = req.Clone(merged)
	if c.callID != "" {
		req.Header.Set(InvocationIDHeader, c.callID)
	}
	if req.Body != nil {
		req.Body = &countingBody{rc: req.Body, n: &pf.sent}
	}

	resp, err := c.sb.client.Do(req)
	if err != nil {
		aborted := context.Cause(merged) == errInvocationEnded
		cleanup()
		if aborted {
			pf.finish(c, http.StatusRequestTimeout, "Request aborted.")
			return &http.Response{
				Status:     "408 Request aborted.",
				StatusCode: http.StatusRequestTimeout,
				Proto:      "HTTP/1.1",
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     make(http.Header),
				Body:       http.NoBody,
				Request:    req,
			}, nil
		}
		pf.finish(c, 0, "")
		return nil, err
	}

	pf.setStatus(resp.StatusCode, http.StatusText(resp.StatusCode))

	if resp.Body == nil || resp.Body == http.NoBody {
		cleanup()
		pf.finish(c, 0, "")
		return resp, nil
	}

	resp.Body = &observedBody{
		rc: resp.Body,
		pf: pf,
		done: func() {
			cleanup()
			pf.finish(c, 0, "")
		},
	}
	return resp, nil
}

// countingBody tallies bytes read from the outgoing request body.
type countingBody struct {
	rc io.ReadCloser
	n  *atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.n.Add(int64(n))
	}
	return n, err
}

func (b *countingBody) Close() error { return b.rc.Close() }

// observedBody tallies received bytes on every chunk and fires done exactly
// once on stream completion (EOF or Close).
type observedBody struct {
	rc   io.ReadCloser
	pf   *pendingFetch
	done func()
	once sync.Once
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.pf.recv.Add(int64(n))
	}
	if err == io.EOF {
		b.once.Do(b.done)
	}
	return n, err
}

func (b *observedBody) Close() error {
	err := b.rc.Close()
	b.once.Do(b.done)
	return err
}
