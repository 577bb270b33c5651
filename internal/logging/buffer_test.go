package logging

import (
	"log/slog"
	"testing"
)

func TestBufferCapturesAndDrains(t *testing.T) {
	buf := NewBuffer()
	logger := slog.New(buf)

	logger.Info("first")
	logger.Warn("second")

	records := buf.Drain()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Message != "first" || records[0].Level != "INFO" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Message != "second" || records[1].Level != "WARN" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
	if records[0].Logger != "default" {
		t.Fatalf("expected default logger, got %q", records[0].Logger)
	}

	if got := buf.Drain(); len(got) != 0 {
		t.Fatalf("drain should clear the buffer, got %d records", len(got))
	}
}

func TestBufferLoggerName(t *testing.T) {
	buf := NewBuffer()
	logger := slog.New(buf)

	logger.Info("tagged", LoggerKey, "payments")
	named := logger.With(LoggerKey, "billing")
	named.Error("scoped")

	records := buf.Drain()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Logger != "payments" {
		t.Fatalf("expected record attr logger name, got %q", records[0].Logger)
	}
	if records[1].Logger != "billing" {
		t.Fatalf("expected With-scoped logger name, got %q", records[1].Logger)
	}
}

func TestBufferOrderUnderSharedUse(t *testing.T) {
	buf := NewBuffer()
	base := slog.New(buf)
	scoped := base.With(LoggerKey, "a")

	base.Info("one")
	scoped.Info("two")
	base.Info("three")

	records := buf.Drain()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"one", "two", "three"} {
		if records[i].Message != want {
			t.Fatalf("record %d = %q, want %q", i, records[i].Message, want)
		}
	}
}
