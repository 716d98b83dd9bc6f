package worker

import (
	"context"
	"net"

	"github.com/c360studio/semcrew/broker"
)

// InProcess returns a dialer that binds worker sessions straight to b
// over an in-memory pipe. Used by the one-shot review mode and tests,
// where workers live in the server binary and no socket exists.
func InProcess(b *broker.Broker) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go b.ServeConn(server)
		return client, nil
	}
}
