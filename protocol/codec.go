package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/c360studio/semcrew/fault"
)

// MaxFrameSize bounds a single frame. Oversized frames are a protocol
// violation, not a resize trigger.
const MaxFrameSize = 1 << 20

// Reader decodes newline-terminated frames from a stream. Not safe for
// concurrent use; each stream has exactly one reader goroutine.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps a stream for frame reading.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Reader{scanner: scanner}
}

// Read returns the next frame. Blank lines are skipped. Returns
// io.EOF at end of stream and a ProtocolViolation for malformed or
// oversized frames.
func (r *Reader) Read() (*Message, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fault.Errorf(fault.ProtocolViolation, "malformed frame: %v", err)
		}
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		return &msg, nil
	}

	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fault.Errorf(fault.ProtocolViolation, "frame exceeds %d bytes", MaxFrameSize)
		}
		return nil, err
	}
	return nil, io.EOF
}

// Writer encodes frames onto a stream. Writes are serialized by an
// internal mutex so concurrent senders never interleave bytes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps a stream for frame writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames and sends one message.
func (w *Writer) Write(msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return w.WriteRaw(data)
}

// WriteRaw sends pre-encoded frame bytes as a single write.
func (w *Writer) WriteRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(data)
	return err
}

// Encode serializes a frame including its trailing newline. Used by the
// broker to marshal once before queueing per-handle.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fault.Errorf(fault.ProtocolViolation, "encode frame %s: %v", msg.ID, err)
	}
	if len(data)+1 > MaxFrameSize {
		return nil, fault.Errorf(fault.ProtocolViolation, "frame %s exceeds %d bytes", msg.ID, MaxFrameSize)
	}
	return append(data, '\n'), nil
}
