package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graaaaa/livecast/internal/clock"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// stubResolver returns preset records and treats all of them as cached.
type stubResolver struct {
	mu      sync.Mutex
	records map[string]identity.Record
	batches [][]string
}

func newStubResolver() *stubResolver {
	return &stubResolver{records: map[string]identity.Record{}}
}

func (r *stubResolver) set(rec identity.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
}

func (r *stubResolver) ResolveBatch(ctx context.Context, ids []string) map[string]identity.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]string(nil), ids...))
	out := map[string]identity.Record{}
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok {
			rec = identity.FallbackRecord(id)
		}
		out[id] = rec
	}
	return out
}

func (r *stubResolver) Peek(id string) (identity.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func chatAt(id, sender, content string, at time.Time, origin event.Origin) event.ChatEvent {
	return event.ChatEvent{
		ID:        id,
		StreamID:  "s1",
		SenderID:  sender,
		Content:   content,
		Kind:      event.KindChat,
		CreatedAt: at,
		Origin:    origin,
	}
}

func contents(events []event.ChatEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Content
	}
	return out
}

// countingSource is an identity.Source that records FetchProfiles calls.
type countingSource struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *countingSource) FetchProfiles(ctx context.Context, ids []string) (map[string]identity.Profile, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), ids...))
	s.mu.Unlock()
	out := map[string]identity.Profile{}
	for _, id := range ids {
		out[id] = identity.Profile{ID: id, Username: "name-" + id, CanChat: true}
	}
	return out, nil
}

func (s *countingSource) FetchPerks(ctx context.Context, ids []string, now time.Time) (map[string][]string, error) {
	return map[string][]string{}, nil
}

func (s *countingSource) FetchInsurance(ctx context.Context, ids []string, now time.Time) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func TestQueue_OneBatchedLookupPerWindow(t *testing.T) {
	clk := clock.NewFake(epoch)
	src := &countingSource{}
	resolver := identity.NewResolver(src, identity.WithClock(clk))
	q := NewQueue(resolver, WithClock(clk))
	defer q.Stop()

	senders := []string{"a", "b", "c", "a", "b"}
	for i, s := range senders {
		q.Push(chatAt(fmt.Sprintf("m%d", i), s, fmt.Sprintf("msg %d", i), epoch.Add(time.Duration(i)*10*time.Millisecond), event.OriginFeed))
		clk.Advance(10 * time.Millisecond)
	}
	clk.Advance(DefaultDebounce)

	require.Len(t, src.calls, 1)
	ids := append([]string(nil), src.calls[0]...)
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Len(t, q.Messages(), 5)
	assert.Equal(t, 3, resolver.Len())

	for _, ev := range q.Messages() {
		require.NotNil(t, ev.Sender)
		assert.Equal(t, "name-"+ev.SenderID, ev.Sender.DisplayName)
	}
}

func TestQueue_DebounceRestartsOnArrival(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	defer q.Stop()

	q.Push(chatAt("1", "u1", "first", epoch, event.OriginFeed))
	clk.Advance(80 * time.Millisecond)
	q.Push(chatAt("2", "u2", "second", clk.Now(), event.OriginFeed))

	clk.Advance(70 * time.Millisecond) // 150ms after the first push
	assert.Empty(t, q.All(), "timer restarted by second arrival")
	assert.Equal(t, 2, q.PendingLen())

	clk.Advance(30 * time.Millisecond) // 100ms after the second push
	assert.Equal(t, []string{"first", "second"}, contents(q.All()))
}

func TestQueue_OrderWithinBatch(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	defer q.Stop()

	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		c := fmt.Sprintf("m%02d", i)
		want = append(want, c)
		q.Push(chatAt(c, fmt.Sprintf("u%d", i%3), c, epoch.Add(time.Duration(i)*time.Millisecond), event.OriginBroadcast))
	}
	clk.Advance(DefaultDebounce)

	got := q.All()
	assert.Equal(t, want, contents(got))
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestQueue_DedupOptimisticEchoAcrossTransports(t *testing.T) {
	tests := []struct {
		name  string
		first event.Origin
		then  event.Origin
		split bool // deliver in separate batches
	}{
		{"local then feed, same batch", event.OriginLocal, event.OriginFeed, false},
		{"local then feed, next batch", event.OriginLocal, event.OriginFeed, true},
		{"feed then broadcast", event.OriginFeed, event.OriginBroadcast, true},
		{"broadcast then feed", event.OriginBroadcast, event.OriginFeed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			q := NewQueue(newStubResolver(), WithClock(clk))
			defer q.Stop()

			q.Push(chatAt("client-1", "u1", "hello", epoch, tt.first))
			if tt.split {
				clk.Advance(DefaultDebounce)
			}
			q.Push(chatAt("42", "u1", "hello", epoch.Add(800*time.Millisecond), tt.then))
			clk.Advance(DefaultDebounce)

			got := q.All()
			require.Len(t, got, 1)
			if tt.then == event.OriginFeed {
				assert.Equal(t, "42", got[0].ID, "durable id adopted")
				assert.Equal(t, "client-1", got[0].ClientID)
			}
		})
	}
}

func TestQueue_DedupWindowBoundary(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	defer q.Stop()

	q.Push(chatAt("1", "u1", "gg", epoch, event.OriginFeed))
	q.Push(chatAt("2", "u1", "gg", epoch.Add(time.Second), event.OriginFeed))           // within 1000ms
	q.Push(chatAt("3", "u1", "gg", epoch.Add(2500*time.Millisecond), event.OriginFeed)) // outside
	q.Push(chatAt("4", "u2", "gg", epoch, event.OriginFeed))                            // other sender
	q.Push(chatAt("5", "u1", "gg!", epoch, event.OriginFeed))                           // other content
	clk.Advance(DefaultDebounce)

	var ids []string
	for _, ev := range q.All() {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"1", "3", "4", "5"}, ids)
}

func TestQueue_DedupByClientID(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	defer q.Stop()

	local := chatAt("c-1", "u1", "same", epoch, event.OriginLocal)
	local.ClientID = "c-1"
	q.Push(local)
	clk.Advance(DefaultDebounce)

	// The durable row arrives late but carries the client id.
	row := chatAt("99", "u1", "same", epoch.Add(5*time.Second), event.OriginFeed)
	row.ClientID = "c-1"
	q.Push(row)
	clk.Advance(DefaultDebounce)

	got := q.All()
	require.Len(t, got, 1)
	assert.Equal(t, "99", got[0].ID)
}

func TestQueue_Expiry(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	q.Start()
	defer q.Stop()

	q.Push(chatAt("1", "u1", "hi", epoch, event.OriginFeed))
	clk.Advance(DefaultDebounce)
	require.Len(t, q.Messages(), 1)

	clk.Advance(29*time.Second - DefaultDebounce)
	assert.Len(t, q.Messages(), 1, "present 29s after creation")

	clk.Advance(1001 * time.Millisecond)
	assert.Equal(t, epoch.Add(30001*time.Millisecond), clk.Now())
	assert.Empty(t, q.Messages(), "absent 30.001s after creation")

	clk.Advance(time.Second)
	assert.Empty(t, q.All(), "evicted by the sweep")
}

func TestQueue_StaleEventsNeverVisible(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	q.Start()
	defer q.Stop()

	var published [][]event.ChatEvent
	q.onPublish = func(evs []event.ChatEvent) { published = append(published, evs) }

	q.Push(chatAt("old", "u1", "from an hour ago", epoch.Add(-time.Hour), event.OriginHistory))
	q.Push(chatAt("late", "u2", "redelivered late", epoch.Add(-31*time.Second), event.OriginBroadcast))
	q.Push(chatAt("new", "u3", "fresh", epoch.Add(-time.Second), event.OriginFeed))
	clk.Advance(DefaultDebounce)

	assert.Equal(t, []string{"fresh"}, contents(q.All()))
	assert.Equal(t, []string{"fresh"}, contents(q.Messages()))

	clk.Advance(20 * time.Second)
	assert.Equal(t, []string{"fresh"}, contents(q.Messages()))

	for _, snap := range published {
		for _, ev := range snap {
			assert.NotEqual(t, "old", ev.ID, "stale history row was published")
		}
	}
}

func TestQueue_HistoryLimit(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	defer q.Stop()

	for i := 0; i < 60; i++ {
		q.Push(chatAt(fmt.Sprintf("%d", i), "u1", fmt.Sprintf("msg %d", i), epoch.Add(time.Duration(i)*2*time.Second), event.OriginHistory))
	}
	clk.Advance(DefaultDebounce)

	got := q.All()
	require.Len(t, got, DefaultHistoryLimit)
	assert.Equal(t, "msg 10", got[0].Content)
	assert.Equal(t, "msg 59", got[len(got)-1].Content)
}

func TestQueue_GhostFilteredAtReadTime(t *testing.T) {
	clk := clock.NewFake(epoch)
	res := newStubResolver()
	res.set(identity.Record{ID: "u1", DisplayName: "alice", IsGhost: true})
	res.set(identity.Record{ID: "u2", DisplayName: "bob"})
	q := NewQueue(res, WithClock(clk))
	defer q.Stop()

	q.Push(chatAt("1", "u1", "boo", epoch, event.OriginFeed))
	q.Push(chatAt("2", "u2", "hey", epoch, event.OriginFeed))
	clk.Advance(DefaultDebounce)

	assert.Equal(t, []string{"hey"}, contents(q.Messages()))
	assert.Len(t, q.All(), 2, "ghost events are kept in the list")

	res.set(identity.Record{ID: "u1", DisplayName: "alice"})
	assert.Equal(t, []string{"boo", "hey"}, contents(q.Messages()))
}

func TestQueue_OnPublishAndRetract(t *testing.T) {
	clk := clock.NewFake(epoch)
	var snapshots [][]event.ChatEvent
	q := NewQueue(newStubResolver(), WithClock(clk), WithOnPublish(func(s []event.ChatEvent) {
		snapshots = append(snapshots, s)
	}))
	defer q.Stop()

	q.Push(chatAt("c1", "u1", "oops", epoch, event.OriginLocal))
	clk.Advance(DefaultDebounce)
	require.Len(t, snapshots, 1)

	assert.True(t, q.Retract("c1"))
	assert.Empty(t, q.All())
	assert.Len(t, snapshots, 2)
	assert.False(t, q.Retract("c1"))
}

func TestQueue_StopCancelsTimers(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := NewQueue(newStubResolver(), WithClock(clk))
	q.Start()

	q.Push(chatAt("1", "u1", "late", epoch, event.OriginFeed))
	q.Stop()
	q.Stop()

	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	assert.Empty(t, q.All())

	q.Push(chatAt("2", "u1", "after stop", epoch, event.OriginFeed))
	assert.Equal(t, 0, q.PendingLen())
}

func TestIsDuplicate(t *testing.T) {
	a := chatAt("1", "u1", "x", epoch, event.OriginFeed)

	assert.True(t, IsDuplicate(a, chatAt("1", "u9", "other", epoch.Add(time.Hour), event.OriginFeed), time.Second))
	assert.True(t, IsDuplicate(a, chatAt("2", "u1", "x", epoch.Add(-time.Second), event.OriginFeed), time.Second))
	assert.False(t, IsDuplicate(a, chatAt("2", "u1", "x", epoch.Add(1001*time.Millisecond), event.OriginFeed), time.Second))
}
