// Package transport defines the two delivery paths of the pipeline (the
// durable row-change feed and the ephemeral broadcast channel) plus the
// presence channel, and the fan-out hub their implementations share.
package transport

import (
	"context"
	"errors"

	"github.com/graaaaa/livecast/internal/event"
)

// ErrClosed is returned when subscribing to a closed transport.
var ErrClosed = errors.New("transport closed")

// Feed is the durable row-change feed.
type Feed interface {
	// SubscribeChanges streams committed changes for streamID. The channel
	// is closed when ctx ends or the feed shuts down.
	SubscribeChanges(ctx context.Context, streamID string) (<-chan event.Change, error)
}

// Broadcaster is the ephemeral low-latency channel. Only current
// subscribers receive an envelope; nothing is replayed.
type Broadcaster interface {
	Publish(ctx context.Context, env event.Envelope) error
	SubscribeBroadcast(ctx context.Context, streamID string) (<-chan event.Envelope, error)
}

// Presence is a per-stream presence channel.
type Presence interface {
	// JoinPresence announces member on streamID and streams full membership
	// snapshots. Calling leave (or ending ctx) removes the member.
	JoinPresence(ctx context.Context, streamID string, member event.Member) (snapshots <-chan []event.Member, leave func(), err error)
}
