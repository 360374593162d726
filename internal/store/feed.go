package store

import (
	"context"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/transport"
)

// feedBuffer is the per-subscriber channel capacity.
const feedBuffer = 256

func newFeed(s *Store) *transport.Hub[event.Change] {
	return transport.NewHub(
		func(c event.Change) string { return c.StreamID },
		transport.WithHubName("sqlite-changes"),
		transport.WithHubSubscriberBufferSize(feedBuffer),
		transport.WithHubBroadcastBufferSize(4*feedBuffer),
		transport.WithHubLogger(s.logger),
	)
}

// SubscribeChanges streams committed changes for streamID (all streams if
// empty). Profile changes reach every subscriber. The channel is closed
// when ctx ends or the store closes.
func (s *Store) SubscribeChanges(ctx context.Context, streamID string) (<-chan event.Change, error) {
	sub, err := s.feed.Subscribe(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return sub.Events(), nil
}
