package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const maxMessageBytes = 8 * 1024 * 1024 // 8MB

// Codec handles JSON serialization over a length-prefixed stream. Send and
// Receive are independently locked so one goroutine may pump reads while
// another writes.
type Codec struct {
	wmu sync.Mutex
	rmu sync.Mutex
	rw  io.ReadWriter
}

// NewCodec creates a codec wrapping the given stream.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// Send marshals a Message and writes it with a 4-byte big-endian length
// prefix.
func (c *Codec) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > maxMessageBytes {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFull(c.rw, buf)
}

// Receive reads one length-prefixed message from the stream.
func (c *Codec) Receive() (*Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.rw, lenBuf); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen > maxMessageBytes {
		return nil, fmt.Errorf("message too large: %d bytes", msgLen)
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return nil, err
	}

	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
