package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
)

// openTestStore connects to LIVECAST_TEST_POSTGRES_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LIVECAST_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("LIVECAST_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ChatRoundTripAndFeed(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := "test-" + uuid.NewString()
	changes, err := s.SubscribeChanges(ctx, stream)
	require.NoError(t, err)

	clientID := uuid.NewString()
	saved, err := s.InsertChat(ctx, event.ChatEvent{
		ID:        clientID,
		ClientID:  clientID,
		StreamID:  stream,
		SenderID:  "u1",
		Content:   "hello",
		Kind:      event.KindChat,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NotEqual(t, clientID, saved.ID)

	again, err := s.InsertChat(ctx, event.ChatEvent{
		ClientID: clientID, StreamID: stream, SenderID: "u1", Content: "hello", Kind: event.KindChat,
	})
	require.NoError(t, err)
	assert.Equal(t, saved.ID, again.ID)

	select {
	case ch := <-changes:
		require.NotNil(t, ch.Chat)
		assert.Equal(t, saved.ID, ch.Chat.ID)
		assert.Equal(t, clientID, ch.Chat.ClientID)
	case <-ctx.Done():
		t.Fatal("no change notification")
	}

	recent, err := s.RecentChat(ctx, stream, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestStore_IdentityAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user := "u-" + uuid.NewString()
	require.NoError(t, s.UpsertProfile(ctx, identity.Profile{ID: user, Username: "alice", CanChat: true}))

	r := identity.NewResolver(s)
	rec := r.Resolve(ctx, user)
	assert.Equal(t, "alice", rec.DisplayName)
	assert.False(t, rec.Fallback)

	stream := "test-" + uuid.NewString()
	require.NoError(t, s.SetViewerCount(ctx, stream, 3))
	total, err := s.AddLikes(ctx, stream, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	st, err := s.StreamStats(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ViewerCount)
}
