package app

import (
	"context"

	"github.com/graaaaa/livecast/internal/session"
)

// StreamLister lists the streams with an open session.
type StreamLister interface {
	Streams() []string
}

// StreamRegistry is the part of session.Manager the use cases need.
type StreamRegistry interface {
	StreamLister
	Lookup(streamID string) (*session.Session, bool)
}

// StreamInfo summarises one live session.
type StreamInfo struct {
	StreamID string `json:"stream_id"`
	Viewers  int    `json:"viewers"`
	Likes    int64  `json:"likes"`
	Messages int    `json:"messages"`
	Gifts    int    `json:"gifts"`
}

// StreamsUsecase lists the streams this process hosts a session for.
type StreamsUsecase interface {
	ListStreams(ctx context.Context) []StreamInfo
}

// StreamsService implements StreamsUsecase.
type StreamsService struct {
	Sessions StreamRegistry
}

// ListStreams returns one entry per open session, ordered by stream id.
func (s StreamsService) ListStreams(ctx context.Context) []StreamInfo {
	ids := s.Sessions.Streams()
	out := make([]StreamInfo, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.Sessions.Lookup(id)
		if !ok {
			continue
		}
		gs := sess.Gifts()
		n := len(gs.Concurrent) + gs.Queued
		if gs.Exclusive != nil {
			n++
		}
		out = append(out, StreamInfo{
			StreamID: id,
			Viewers:  sess.ViewerCount(),
			Likes:    sess.Stats().TotalLikes,
			Messages: len(sess.Messages()),
			Gifts:    n,
		})
	}
	return out
}
