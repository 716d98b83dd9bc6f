package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
	"github.com/c360studio/semcrew/protocol"
)

// Stream is one pooled client connection. While acquired it belongs to
// exactly one caller; reads are single-consumer, writes go through the
// codec's writer mutex so broadcasts never interleave with round trips.
type Stream struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	clk    clock.Clock

	mu        sync.Mutex
	connected bool
	lastUsed  time.Time
	lastErr   error
	lastErrAt time.Time
}

func newStream(conn net.Conn, clk clock.Clock) *Stream {
	return &Stream{
		conn:      conn,
		reader:    protocol.NewReader(conn),
		writer:    protocol.NewWriter(conn),
		clk:       clk,
		connected: true,
		lastUsed:  clk.Now(),
	}
}

// Connected reports whether the stream is usable.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastUsed returns the instant of the last successful operation.
func (s *Stream) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// LastError returns the most recent hard error and when it happened.
func (s *Stream) LastError() (error, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr, s.lastErrAt
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastUsed = s.clk.Now()
	s.mu.Unlock()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.connected = false
	s.lastErr = err
	s.lastErrAt = s.clk.Now()
	s.mu.Unlock()
}

func (s *Stream) destroy() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.conn.Close()
}

// Write sends one frame. A write failure marks the stream disconnected.
func (s *Stream) Write(msg *protocol.Message) error {
	if err := s.writer.Write(msg); err != nil {
		s.fail(err)
		return fault.Errorf(fault.Transient, "write frame %s: %v", msg.ID, err)
	}
	s.touch()
	return nil
}

func (s *Stream) writeRaw(data []byte) error {
	if err := s.writer.WriteRaw(data); err != nil {
		s.fail(err)
		return fault.Errorf(fault.Transient, "write frame: %v", err)
	}
	s.touch()
	return nil
}

// RoundTrip sends msg and reads frames until the reply carrying its id
// (or pong-<id> for pings) arrives. Cancellation abandons the stream:
// the connection is closed so the pending read unblocks and the pool
// destroys it on release.
func (s *Stream) RoundTrip(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if err := s.Write(msg); err != nil {
		return nil, err
	}

	type outcome struct {
		reply *protocol.Message
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		for {
			reply, err := s.reader.Read()
			if err != nil {
				ch <- outcome{err: err}
				return
			}
			if reply.ID == msg.ID || reply.ID == "pong-"+msg.ID {
				ch <- outcome{reply: reply}
				return
			}
		}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			s.fail(out.err)
			return nil, fault.Errorf(fault.Transient, "read reply to %s: %v", msg.ID, out.err)
		}
		s.touch()
		return out.reply, nil
	case <-ctx.Done():
		s.fail(ctx.Err())
		s.conn.Close()
		return nil, fault.New(fault.Cancelled, ctx.Err())
	}
}

// Ping round-trips a latency probe and returns the observed delay.
func (s *Stream) Ping(ctx context.Context, agent string) (time.Duration, error) {
	ping, err := protocol.NewPing(agent, s.clk.Now())
	if err != nil {
		return 0, err
	}
	start := s.clk.Now()
	if _, err := s.RoundTrip(ctx, ping); err != nil {
		return 0, err
	}
	return s.clk.Since(start), nil
}
