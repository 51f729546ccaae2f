// Package transport carries event envelopes between a client and the relay.
package transport

import (
	"context"

	"github.com/nfrund/roomsync/internal/events"
)

// Channel is an open, bidirectional event stream.
type Channel interface {
	// Send queues env for delivery without waiting for the network.
	Send(ctx context.Context, env events.Envelope) error
	// Receive blocks until the next envelope arrives. Connection failures are
	// reported as *domain.ConnectionError; malformed frames as plain errors.
	Receive(ctx context.Context) (events.Envelope, error)
	// Close releases the channel. It is safe to call more than once.
	Close() error
}

// Transport opens channels.
type Transport interface {
	Connect(ctx context.Context, url string) (Channel, error)
}
