// Package protocol defines the typed message stream between the host and an
// agent process: load and invoke requests flowing down, load and invoke
// results flowing back, correlated by token.
//
// The wire format is a 4-byte big-endian length prefix followed by a JSON
// encoded Message whose Type tag selects the payload variant. The framing is
// deliberately identical in both directions so one codec serves host and
// agent alike.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/oriys/pulsar/internal/plugin"
)

// Message type tags.
const (
	MsgTypeLoad         = 1
	MsgTypeInvoke       = 2
	MsgTypeLoadResult   = 3
	MsgTypeInvokeResult = 4
)

// Message is the wire envelope for agent communication.
type Message struct {
	Type    int             `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LoadPayload asks the agent to import the plugin module and report its
// exports. It must be sent exactly once per agent.
type LoadPayload struct {
	Plugin plugin.Descriptor `json:"plugin"`
}

// InvokePayload asks the agent to call one export inside a fresh sandbox.
// Token correlates the reply; InvocationID is the caller-opaque tracing id
// propagated into outbound HTTP by the sandbox.
type InvokePayload struct {
	Token        string          `json:"token"`
	InvocationID string          `json:"invocation_id,omitempty"`
	Function     string          `json:"function"`
	Argument     json.RawMessage `json:"argument"`
	TraceParent  string          `json:"traceparent,omitempty"`
}

// LoadResultPayload reports load success or failure. It precedes any
// InvokeResultPayload on the stream.
type LoadResultPayload struct {
	plugin.LoadResult
}

// InvokeResultPayload carries the invocation outcome plus the telemetry
// captured while it ran.
type InvokeResultPayload struct {
	Token string `json:"token"`
	plugin.InvokeResult
}

// Encode wraps a payload into a tagged Message.
func Encode(msgType int, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Message{Type: msgType, Payload: data}, nil
}
