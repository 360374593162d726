package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/graaaaa/livecast/internal/event"
)

// StatsResult is the persisted summary of one stream.
type StatsResult struct {
	StreamID    string  `json:"stream_id"`
	ViewerCount int     `json:"viewer_count"`
	TotalLikes  int64   `json:"total_likes"`
	Messages    int64   `json:"messages"`
	GiftCount   int64   `json:"gift_count"`
	Coins       int64   `json:"coins"`
	CoinsLabel  string  `json:"coins_label"`
	LastSeen    *string `json:"last_seen,omitempty"`
}

// StatsUsecase defines the interface for stats operations.
type StatsUsecase interface {
	GetStreamStats(ctx context.Context, streamID string) (*StatsResult, error)
}

// StatsStore defines the interface for stats data access.
type StatsStore interface {
	StreamStats(ctx context.Context, streamID string) (event.StreamStats, error)
	GiftTotals(ctx context.Context, streamID string) (coins int64, gifts int64, err error)
	CountChat(ctx context.Context, streamID string) (int64, error)
}

// StatsService implements StatsUsecase.
type StatsService struct {
	store StatsStore
}

// NewStatsService creates a new StatsService.
func NewStatsService(store StatsStore) *StatsService {
	return &StatsService{store: store}
}

// GetStreamStats combines the stream's stats row with chat and gift totals.
func (s *StatsService) GetStreamStats(ctx context.Context, streamID string) (*StatsResult, error) {
	st, err := s.store.StreamStats(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("stream stats: %w", err)
	}
	coins, giftCount, err := s.store.GiftTotals(ctx, streamID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.CountChat(ctx, streamID)
	if err != nil {
		return nil, err
	}

	res := &StatsResult{
		StreamID:    streamID,
		ViewerCount: st.ViewerCount,
		TotalLikes:  st.TotalLikes,
		Messages:    messages,
		GiftCount:   giftCount,
		Coins:       coins,
		CoinsLabel:  humanize.Comma(coins) + " coins",
	}
	if !st.LastSeen.IsZero() {
		ls := st.LastSeen.UTC().Format(time.RFC3339Nano)
		res.LastSeen = &ls
	}
	return res, nil
}
