package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graaaaa/livecast/internal/chat"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/gifts"
	"github.com/graaaaa/livecast/internal/identity"
	"github.com/graaaaa/livecast/internal/store"
	"github.com/graaaaa/livecast/internal/transport/membus"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testEnv struct {
	store *store.Store
	bus   *membus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "livecast.db"))
	require.NoError(t, err)
	bus := membus.New()
	t.Cleanup(func() {
		bus.Close()
		st.Close()
	})

	ctx := context.Background()
	require.NoError(t, st.UpsertProfile(ctx, identity.Profile{ID: "u1", Username: "alice", CanChat: true}))
	require.NoError(t, st.UpsertProfile(ctx, identity.Profile{ID: "u2", Username: "bob", CanChat: true}))
	require.NoError(t, st.UpsertProfile(ctx, identity.Profile{ID: "host1", Username: "Host", Role: "host", CanChat: true}))
	return &testEnv{store: st, bus: bus}
}

func testConfig() Config {
	return Config{
		ChatDebounce:  5 * time.Millisecond,
		SendInterval:  time.Millisecond,
		WriteInterval: 50 * time.Millisecond,
		Host:          true,
	}
}

func (e *testEnv) open(t *testing.T, streamID string, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithConfig(testConfig()),
		WithBroadcaster(e.bus),
		WithPresence(e.bus),
	}
	s, err := Open(context.Background(), streamID, e.store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresStreamID(t *testing.T) {
	env := newTestEnv(t)
	_, err := Open(context.Background(), "", env.store)
	assert.ErrorIs(t, err, ErrInvalidStream)
}

func TestSendChat_DeliveredOnceWithDurableID(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")

	sent, err := s.SendChat(context.Background(), "u1", "hello", "")
	require.NoError(t, err)
	require.NotEqual(t, sent.ClientID, sent.ID)

	// The local echo, its broadcast copy and the feed row are one message.
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Sender.DisplayName)
	assert.Equal(t, event.OriginFeed, msgs[0].Origin)
}

func TestSendChat_UserErrors(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")

	_, err := s.SendChat(context.Background(), "u1", "   ", "")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
}

func TestOpen_LoadsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, content := range []string{"first", "second"} {
		_, err := env.store.InsertChat(ctx, event.ChatEvent{
			StreamID:  "s1",
			SenderID:  "u2",
			Content:   content,
			Kind:      event.KindChat,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	s := env.open(t, "s1")
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, waitFor, tick)
	msgs := s.Messages()
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, event.OriginHistory, msgs[0].Origin)
	assert.Equal(t, "bob", msgs[1].Sender.DisplayName)
}

func TestBroadcast_SeedsSenderIdentity(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")

	err := env.bus.Publish(context.Background(), event.Envelope{
		V:        event.EnvelopeVersion,
		Type:     event.EnvelopeChat,
		TxnID:    "r1",
		Sender:   "remote",
		Ts:       time.Now().UnixMilli(),
		StreamID: "s1",
		Data: event.EnvelopeData{
			Content:      "hi from afar",
			ClientID:     "r1",
			UserName:     "zed",
			UserComplete: true,
			UserPerks:    []string{"perk_gold_name"},
			UserInsured:  true,
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	msg := s.Messages()[0]
	assert.Equal(t, "zed", msg.Sender.DisplayName)
	assert.Equal(t, event.OriginBroadcast, msg.Origin)

	rec, ok := s.Resolver().Peek("remote")
	require.True(t, ok)
	assert.Equal(t, "zed", rec.DisplayName)
	assert.True(t, rec.HasPerk("perk_gold_name"))
	assert.True(t, rec.HasActiveInsurance)
}

func TestBroadcast_NameOnlySenderIsLookedUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertProfile(ctx, identity.Profile{ID: "g1", Username: "ghost", IsGhost: true, CanChat: true}))
	require.NoError(t, env.store.GrantPerk(ctx, "g1", "perk_flex_banner", nil))
	s := env.open(t, "s1")

	require.NoError(t, env.bus.Publish(ctx, event.Envelope{
		V:        event.EnvelopeVersion,
		Type:     event.EnvelopeChat,
		TxnID:    "g-1",
		Sender:   "g1",
		Ts:       time.Now().UnixMilli(),
		StreamID: "s1",
		Data:     event.EnvelopeData{Content: "boo", ClientID: "g-1", UserName: "ghost"},
	}))

	require.Eventually(t, func() bool { return len(s.queue.All()) == 1 }, waitFor, tick)
	assert.Empty(t, s.Messages(), "ghosted sender must stay hidden")

	rec, ok := s.Resolver().Peek("g1")
	require.True(t, ok)
	assert.True(t, rec.IsGhost)
	assert.Equal(t, []string{"perk_flex_banner"}, rec.Perks)
}

func TestBroadcast_GhostSenderHidden(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")

	require.NoError(t, env.bus.Publish(context.Background(), event.Envelope{
		V:        event.EnvelopeVersion,
		Type:     event.EnvelopeChat,
		TxnID:    "g-2",
		Sender:   "remote-ghost",
		Ts:       time.Now().UnixMilli(),
		StreamID: "s1",
		Data: event.EnvelopeData{
			Content:      "boo",
			ClientID:     "g-2",
			UserName:     "ghost",
			UserComplete: true,
			UserGhost:    true,
		},
	}))

	require.Eventually(t, func() bool { return len(s.queue.All()) == 1 }, waitFor, tick)
	assert.Empty(t, s.Messages())
}

func TestBroadcast_SkipsOwnNode(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1", WithNode("node-a"))

	publish := func(node, content string) {
		require.NoError(t, env.bus.Publish(context.Background(), event.Envelope{
			V:        event.EnvelopeVersion,
			Type:     event.EnvelopeChat,
			TxnID:    content,
			Sender:   "u2",
			Ts:       time.Now().UnixMilli(),
			StreamID: "s1",
			Node:     node,
			Data:     event.EnvelopeData{Content: content},
		}))
	}
	publish("node-a", "mine")
	publish("node-b", "theirs")

	require.Eventually(t, func() bool { return len(s.Messages()) >= 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "theirs", msgs[0].Content)
}

func TestBroadcast_StampsOwnNode(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	envelopes, err := env.bus.SubscribeBroadcast(ctx, "s1")
	require.NoError(t, err)

	s := env.open(t, "s1", WithNode("node-a"))
	_, err = s.SendLikes(context.Background(), "u1", 1)
	require.NoError(t, err)

	select {
	case got := <-envelopes:
		assert.Equal(t, event.EnvelopeLike, got.Type)
		assert.Equal(t, "node-a", got.Node)
	case <-time.After(waitFor):
		t.Fatal("no envelope published")
	}
}

func TestSendGift_ScheduledOnce(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")

	ev, err := s.SendGift(context.Background(), GiftRequest{UserID: "u1", GiftID: "cash_toss", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, gifts.TierI, ev.Tier)
	assert.Equal(t, int64(200), ev.CoinCost)
	assert.Equal(t, "alice", ev.SenderDisplayName)

	require.Eventually(t, func() bool { return len(s.Gifts().Concurrent) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Gifts().Concurrent, 1)

	rows, err := env.store.RecentGifts(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(200), rows[0].CoinsAmount)
}

func TestSendGift_LargeTierTakesExclusiveSlot(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")

	_, err := s.SendGift(context.Background(), GiftRequest{UserID: "u1", GiftID: "city_fireworks", Quantity: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Gifts().Exclusive != nil }, waitFor, tick)
	state := s.Gifts()
	assert.Equal(t, "city_fireworks", state.Exclusive.GiftID)
	assert.Zero(t, state.Queued)
}

func TestSendGift_BulkPurchaseTakesExclusiveSlot(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")

	ev, err := s.SendGift(context.Background(), GiftRequest{UserID: "u1", GiftID: "cash_toss", Quantity: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(20000), ev.CoinCost)
	assert.Equal(t, gifts.TierIV, ev.Tier)

	state := s.Gifts()
	require.NotNil(t, state.Exclusive)
	assert.Equal(t, ev.InstanceID, state.Exclusive.InstanceID)
	assert.Empty(t, state.Concurrent)
}

// gatedProfiles holds profile lookups for one user until released.
type gatedProfiles struct {
	*store.Store
	slowID  string
	release chan struct{}
}

func (g *gatedProfiles) FetchProfiles(ctx context.Context, ids []string) (map[string]identity.Profile, error) {
	for _, id := range ids {
		if id != g.slowID {
			continue
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.FetchProfiles(ctx, ids)
}

func TestFeedGift_SlowLookupDoesNotDelayChat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertProfile(ctx, identity.Profile{ID: "slow", Username: "Slowpoke", CanChat: true}))

	gated := &gatedProfiles{Store: env.store, slowID: "slow", release: make(chan struct{})}
	s, err := Open(ctx, "s1", gated, WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = env.store.InsertGift(ctx, event.GiftRow{
		StreamID: "s1", GiftID: "cash_toss", GiftName: "Cash Toss", SenderID: "slow",
		CoinsAmount: 100, Quantity: 1, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = env.store.InsertChat(ctx, event.ChatEvent{
		StreamID: "s1", SenderID: "u1", Content: "after the gift", Kind: event.KindChat, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	assert.Empty(t, s.Gifts().Concurrent, "gift waits for its sender")

	close(gated.release)
	require.Eventually(t, func() bool { return len(s.Gifts().Concurrent) == 1 }, waitFor, tick)
	assert.Equal(t, "Slowpoke", s.Gifts().Concurrent[0].SenderDisplayName)
}

func TestSendGift_Invalid(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")
	ctx := context.Background()

	_, err := s.SendGift(ctx, GiftRequest{UserID: "u1", GiftID: "no_such_gift", Quantity: 1})
	assert.ErrorIs(t, err, gifts.ErrUnknownGift)

	_, err = s.SendGift(ctx, GiftRequest{UserID: "u1", GiftID: "cash_toss", Quantity: 0})
	assert.ErrorIs(t, err, gifts.ErrInvalidQuantity)
}

func TestSendLikes(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")
	ctx := context.Background()

	total, err := s.SendLikes(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	total, err = s.SendLikes(ctx, "u2", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Equal(t, int64(5), s.Snapshot().Likes)

	_, err = s.SendLikes(ctx, "u1", 0)
	assert.ErrorIs(t, err, ErrInvalidLikes)
}

func TestJoin_CountsEntrancesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")
	ctx := context.Background()

	_, err := s.Join(ctx, event.Member{UserID: "host1", DisplayName: "Host", Role: RoleHost})
	require.NoError(t, err)
	leave, err := s.Join(ctx, event.Member{UserID: "u1", DisplayName: "alice"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ViewerCount() == 2 }, waitFor, tick)

	// Only the viewer gets an entrance effect.
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	msg := s.Messages()[0]
	assert.Equal(t, event.KindEntrance, msg.Kind)
	assert.Equal(t, "u1", msg.SenderID)

	require.Eventually(t, func() bool {
		stats, err := env.store.StreamStats(ctx, "s1")
		return err == nil && stats.ViewerCount == 2
	}, waitFor, tick)

	leave()
	require.Eventually(t, func() bool { return s.ViewerCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.PersistedViewers != nil && *snap.PersistedViewers == 1
	}, waitFor, tick)
}

func TestJoin_SameUserTwice(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")
	ctx := context.Background()

	leaveA, err := s.Join(ctx, event.Member{UserID: "u2", DisplayName: "bob"})
	require.NoError(t, err)
	leaveB, err := s.Join(ctx, event.Member{UserID: "u2", DisplayName: "bob"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ViewerCount() == 1 }, waitFor, tick)

	leaveA()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.ViewerCount())

	leaveB()
	require.Eventually(t, func() bool { return s.ViewerCount() == 0 }, waitFor, tick)

	_, err = s.Join(ctx, event.Member{})
	assert.ErrorIs(t, err, ErrInvalidMember)
}

func TestProfileChangeInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")
	ctx := context.Background()

	assert.Equal(t, "alice", s.Resolver().Resolve(ctx, "u1").DisplayName)
	require.NoError(t, env.store.UpsertProfile(ctx, identity.Profile{ID: "u1", Username: "alice2", CanChat: true}))

	require.Eventually(t, func() bool {
		_, ok := s.Resolver().Peek("u1")
		return !ok
	}, waitFor, tick)
	assert.Equal(t, "alice2", s.Resolver().Resolve(ctx, "u1").DisplayName)
}

func TestSubscribe_ReceivesUpdatesUntilClose(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, "s1")
	ctx := context.Background()

	sub, err := s.Subscribe(ctx)
	require.NoError(t, err)

	_, err = s.SendChat(ctx, "u1", "ping", "")
	require.NoError(t, err)

	select {
	case u := <-sub.Events():
		assert.Equal(t, UpdateChat, u.Type)
		assert.Equal(t, "s1", u.Snapshot.StreamID)
		require.NotEmpty(t, u.Snapshot.Messages)
	case <-time.After(waitFor):
		t.Fatal("no update received")
	}

	require.NoError(t, s.Close())
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription not closed")
	}

	_, err = s.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.SendChat(ctx, "u1", "late", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}

func TestManager(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.store, nil, WithConfig(testConfig()), WithBroadcaster(env.bus))
	ctx := context.Background()

	a, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	again, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = m.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, m.Streams())

	require.NoError(t, m.CloseStream("s1"))
	_, ok := m.Lookup("s1")
	assert.False(t, ok)

	require.NoError(t, m.Close())
	assert.Empty(t, m.Streams())
	_, err = m.Get(ctx, "s3")
	assert.ErrorIs(t, err, ErrClosed)
}
