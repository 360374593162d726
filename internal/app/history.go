package app

import (
	"context"

	"github.com/graaaaa/livecast/internal/store"
)

// HistoryUsecase pages through persisted chat.
type HistoryUsecase interface {
	Query(ctx context.Context, filter store.ChatFilter) (store.ChatPage, error)
}

// HistoryStore defines store operations needed by HistoryService.
type HistoryStore interface {
	QueryChat(ctx context.Context, filter store.ChatFilter) (store.ChatPage, error)
}

// HistoryService implements HistoryUsecase.
type HistoryService struct {
	Store HistoryStore
}

// Query returns one page of a stream's chat history, newest first.
func (s *HistoryService) Query(ctx context.Context, filter store.ChatFilter) (store.ChatPage, error) {
	return s.Store.QueryChat(ctx, filter)
}
