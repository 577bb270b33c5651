package protocol

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/oriys/pulsar/internal/plugin"
)

func TestCodecSendReceive(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sendCodec := NewCodec(client)
	recvCodec := NewCodec(server)

	sent, err := Encode(MsgTypeLoad, LoadPayload{
		Plugin: plugin.Descriptor{Module: "file:///plugin.wasm", Concurrency: 2},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sendCodec.Send(sent)
	}()

	received, err := recvCodec.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if received.Type != MsgTypeLoad {
		t.Fatalf("expected MsgTypeLoad, got %d", received.Type)
	}
	var lp LoadPayload
	if err := json.Unmarshal(received.Payload, &lp); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if lp.Plugin.Module != "file:///plugin.wasm" || lp.Plugin.Concurrency != 2 {
		t.Fatalf("payload did not survive: %+v", lp.Plugin)
	}
}

func TestCodecInvokeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sendCodec := NewCodec(client)
	recvCodec := NewCodec(server)

	sent, err := Encode(MsgTypeInvoke, InvokePayload{
		Token:        "tok-1",
		InvocationID: "inv-1",
		Function:     "up",
		Argument:     json.RawMessage(`"str"`),
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	go sendCodec.Send(sent)

	received, err := recvCodec.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	var ip InvokePayload
	if err := json.Unmarshal(received.Payload, &ip); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ip.Token != "tok-1" || ip.Function != "up" || string(ip.Argument) != `"str"` {
		t.Fatalf("payload did not survive: %+v", ip)
	}
}

func TestCodecRejectsOversizedMessage(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// Hand-write a frame whose length prefix exceeds the limit.
	go client.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := NewCodec(server).Receive(); err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}
