package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graaaaa/livecast/internal/event"
)

// stubStatsStore is a test double for StatsStore.
type stubStatsStore struct {
	gotStream string
	stats     event.StreamStats
	coins     int64
	gifts     int64
	messages  int64
	err       error
}

func (s *stubStatsStore) StreamStats(ctx context.Context, streamID string) (event.StreamStats, error) {
	s.gotStream = streamID
	return s.stats, s.err
}

func (s *stubStatsStore) GiftTotals(ctx context.Context, streamID string) (int64, int64, error) {
	return s.coins, s.gifts, nil
}

func (s *stubStatsStore) CountChat(ctx context.Context, streamID string) (int64, error) {
	return s.messages, nil
}

func TestStatsService_GetStreamStats_Success(t *testing.T) {
	lastSeen := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stub := &stubStatsStore{
		stats:    event.StreamStats{StreamID: "s1", ViewerCount: 12, TotalLikes: 40, LastSeen: lastSeen},
		coins:    123456,
		gifts:    7,
		messages: 99,
	}
	svc := NewStatsService(stub)

	result, err := svc.GetStreamStats(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetStreamStats error: %v", err)
	}

	if stub.gotStream != "s1" {
		t.Errorf("stream = %q, want s1", stub.gotStream)
	}
	if result.ViewerCount != 12 || result.TotalLikes != 40 {
		t.Errorf("counts = %d/%d, want 12/40", result.ViewerCount, result.TotalLikes)
	}
	if result.Messages != 99 || result.GiftCount != 7 {
		t.Errorf("messages/gifts = %d/%d", result.Messages, result.GiftCount)
	}
	if result.CoinsLabel != "123,456 coins" {
		t.Errorf("CoinsLabel = %q", result.CoinsLabel)
	}
	if result.LastSeen == nil || *result.LastSeen != "2024-01-01T12:00:00Z" {
		t.Errorf("LastSeen = %v", result.LastSeen)
	}
}

func TestStatsService_GetStreamStats_NeverSeen(t *testing.T) {
	svc := NewStatsService(&stubStatsStore{})

	result, err := svc.GetStreamStats(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetStreamStats error: %v", err)
	}
	if result.LastSeen != nil {
		t.Errorf("LastSeen = %v, want nil", *result.LastSeen)
	}
}

func TestStatsService_GetStreamStats_Error(t *testing.T) {
	wantErr := errors.New("db error")
	svc := NewStatsService(&stubStatsStore{err: wantErr})

	result, err := svc.GetStreamStats(context.Background(), "s1")
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapping %v", err, wantErr)
	}
	if result != nil {
		t.Errorf("result = %v, want nil", result)
	}
}
