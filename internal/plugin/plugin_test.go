package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestPoolSizeFloor(t *testing.T) {
	cases := []struct {
		concurrency int
		want        int
	}{
		{0, 1},
		{-3, 1},
		{1, 1},
		{4, 4},
	}
	for _, c := range cases {
		d := &Descriptor{Concurrency: c.concurrency}
		if got := d.PoolSize(); got != c.want {
			t.Fatalf("PoolSize(%d) = %d, want %d", c.concurrency, got, c.want)
		}
	}
	var nilDesc *Descriptor
	if got := nilDesc.PoolSize(); got != 1 {
		t.Fatalf("nil descriptor PoolSize = %d, want 1", got)
	}
}

func TestDescriptorName(t *testing.T) {
	d := &Descriptor{Module: "file:///plugin.wasm"}
	if d.Name() != "file:///plugin.wasm" {
		t.Fatalf("expected module URI, got %q", d.Name())
	}
	d.ID = "my-plugin"
	if d.Name() != "my-plugin" {
		t.Fatalf("expected explicit id, got %q", d.Name())
	}
}

func TestDetailsPreservesErrorDetails(t *testing.T) {
	orig := &ErrorDetails{Name: "TypeError", Message: "not a string"}
	wrapped := fmt.Errorf("call failed: %w", orig)

	got := Details(wrapped)
	if got != orig {
		t.Fatalf("expected the original details, got %+v", got)
	}
}

func TestDetailsPlainError(t *testing.T) {
	got := Details(errors.New("boom"))
	if got.Name != "Error" || got.Message != "boom" {
		t.Fatalf("unexpected details: %+v", got)
	}
	if Details(nil) != nil {
		t.Fatal("Details(nil) should be nil")
	}
}

func TestAbortAndTerminateErrors(t *testing.T) {
	if e := AbortError(); e.Name != "AbortError" || e.Message != "Invocation was aborted" {
		t.Fatalf("unexpected abort error: %+v", e)
	}
	if e := TerminateError(); e.Name != "TerminateError" || e.Message != "Worker was terminated" {
		t.Fatalf("unexpected terminate error: %+v", e)
	}
}

func TestInvokeResultSerializable(t *testing.T) {
	res := InvokeResult{
		Value: json.RawMessage(`{"answer":42}`),
		Logs: []LogRecord{
			{Logger: "default", Level: "INFO", Message: "hi"},
		},
		Fetches: []FetchRecord{},
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back InvokeResult
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(back.Value) != `{"answer":42}` {
		t.Fatalf("value did not survive: %s", back.Value)
	}
	if len(back.Logs) != 1 || back.Logs[0].Message != "hi" {
		t.Fatalf("logs did not survive: %+v", back.Logs)
	}
}
