package logging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oriys/pulsar/internal/plugin"
)

// LoggerKey is the attribute key the Buffer reads the logger name from.
// Records without it are attributed to "default".
const LoggerKey = "logger"

// Buffer is a process-wide append-only slog.Handler. The agent installs it
// as the default logger so that anything plugin code logs between sandbox
// open and close lands in the buffer, then drains it into the invocation
// result.
//
// The buffer is shared by all invocations running in the agent process;
// isolation between consecutive invocations relies on Drain being called
// between them and on the sandbox cancelling leaked async work on close.
type Buffer struct {
	mu      sync.Mutex
	records []plugin.LogRecord
	attrs   []slog.Attr
}

// NewBuffer returns an empty log buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Enabled implements slog.Handler. Every level is captured; filtering is the
// reader's concern.
func (b *Buffer) Enabled(context.Context, slog.Level) bool { return true }

// Handle implements slog.Handler.
func (b *Buffer) Handle(_ context.Context, r slog.Record) error {
	logger := "default"
	pick := func(a slog.Attr) bool {
		if a.Key == LoggerKey {
			logger = a.Value.String()
			return false
		}
		return true
	}
	for _, a := range b.attrs {
		pick(a)
	}
	r.Attrs(pick)

	b.mu.Lock()
	b.records = append(b.records, plugin.LogRecord{
		Logger:  logger,
		Level:   r.Level.String(),
		Message: r.Message,
	})
	b.mu.Unlock()
	return nil
}

// WithAttrs implements slog.Handler. The derived handler shares the same
// underlying buffer.
func (b *Buffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derived{Buffer: b, attrs: append(append([]slog.Attr{}, b.attrs...), attrs...)}
}

// WithGroup implements slog.Handler. Groups are flattened; the buffer keeps
// messages only.
func (b *Buffer) WithGroup(string) slog.Handler { return b }

// Drain atomically returns the buffered records and clears the buffer.
func (b *Buffer) Drain() []plugin.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.records
	b.records = nil
	return out
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// derived is a Buffer view with preset attributes. Records it handles are
// appended to the parent buffer.
type derived struct {
	*Buffer
	attrs []slog.Attr
}

func (d *derived) Handle(ctx context.Context, r slog.Record) error {
	logger := "default"
	pick := func(a slog.Attr) bool {
		if a.Key == LoggerKey {
			logger = a.Value.String()
			return false
		}
		return true
	}
	for _, a := range d.attrs {
		pick(a)
	}
	r.Attrs(pick)

	d.mu.Lock()
	d.records = append(d.records, plugin.LogRecord{
		Logger:  logger,
		Level:   r.Level.String(),
		Message: r.Message,
	})
	d.mu.Unlock()
	return nil
}

func (d *derived) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derived{Buffer: d.Buffer, attrs: append(append([]slog.Attr{}, d.attrs...), attrs...)}
}
