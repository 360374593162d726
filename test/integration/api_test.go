//go:build integration

package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/graaaaa/livecast/internal/api/viewertoken"
	"github.com/graaaaa/livecast/internal/app"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/session"
)

func issue(t *testing.T, sub, stream string) string {
	t.Helper()
	tok, err := viewertoken.Issue(tokenSecret, viewertoken.Claims{Sub: sub, Stream: stream}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return tok
}

// TestHealthEndpoint checks health on every relay.
func TestHealthEndpoint(t *testing.T) {
	c := NewCluster(t)

	for _, r := range c.Relays {
		var result app.HealthResult
		if code := Do(t, Request{URL: r.URL() + "/api/v1/health"}, &result); code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", code)
		}
		if result.Status != "ok" || result.Database != "ok" {
			t.Errorf("unexpected health %+v", result)
		}
	}
}

// TestChat_DeliveredOnceAcrossRelays posts on one relay and reads on the
// other. The message arrives by broadcast and again by the shared feed but
// is shown once.
func TestChat_DeliveredOnceAcrossRelays(t *testing.T) {
	c := NewCluster(t)
	a, b := c.Relays[0], c.Relays[1]

	// Open the stream on b first so it is subscribed when a publishes.
	var chat struct {
		Messages []event.ChatEvent `json:"messages"`
	}
	Do(t, Request{URL: b.URL() + "/api/v1/streams/s1/chat", Token: issue(t, "u2", "s1")}, &chat)

	var sent event.ChatEvent
	code := Do(t, Request{
		Method: http.MethodPost,
		URL:    a.URL() + "/api/v1/streams/s1/chat",
		Body:   map[string]string{"content": "hello from a"},
		Token:  issue(t, "u1", "s1"),
	}, &sent)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	eventually(t, 2*time.Second, "message on relay b", func() bool {
		Do(t, Request{URL: b.URL() + "/api/v1/streams/s1/chat", Token: issue(t, "u2", "s1")}, &chat)
		return len(chat.Messages) > 0
	})

	// Give the feed copy time to arrive before checking for duplicates.
	time.Sleep(100 * time.Millisecond)
	Do(t, Request{URL: b.URL() + "/api/v1/streams/s1/chat", Token: issue(t, "u2", "s1")}, &chat)
	if len(chat.Messages) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(chat.Messages))
	}
	if chat.Messages[0].ID != sent.ID {
		t.Errorf("message id %q, want durable id %q", chat.Messages[0].ID, sent.ID)
	}
	if chat.Messages[0].Sender == nil || chat.Messages[0].Sender.DisplayName != "alice" {
		t.Errorf("sender not resolved: %+v", chat.Messages[0].Sender)
	}
}

// TestGift_ScheduledOnceAcrossRelays checks gift dedup between the
// broadcast and the feed.
func TestGift_ScheduledOnceAcrossRelays(t *testing.T) {
	c := NewCluster(t)
	a, b := c.Relays[0], c.Relays[1]
	tok := issue(t, "u1", "s1")

	var state struct {
		Concurrent []struct {
			GiftID string `json:"gift_id"`
		} `json:"concurrent"`
	}
	Do(t, Request{URL: b.URL() + "/api/v1/streams/s1/gifts", Token: tok}, &state)

	code := Do(t, Request{
		Method: http.MethodPost,
		URL:    a.URL() + "/api/v1/streams/s1/gifts",
		Body:   map[string]any{"gift_id": "cash_toss", "quantity": 1},
		Token:  tok,
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	eventually(t, 2*time.Second, "gift on relay b", func() bool {
		Do(t, Request{URL: b.URL() + "/api/v1/streams/s1/gifts", Token: tok}, &state)
		return len(state.Concurrent) > 0
	})
	time.Sleep(100 * time.Millisecond)
	Do(t, Request{URL: b.URL() + "/api/v1/streams/s1/gifts", Token: tok}, &state)
	if len(state.Concurrent) != 1 {
		t.Errorf("expected one displayed gift, got %d", len(state.Concurrent))
	}
}

// TestLikes_ConvergeAcrossRelays sends likes to both relays.
func TestLikes_ConvergeAcrossRelays(t *testing.T) {
	c := NewCluster(t)
	tok := issue(t, "u1", "s1")

	for i, r := range c.Relays {
		code := Do(t, Request{
			Method: http.MethodPost,
			URL:    r.URL() + "/api/v1/streams/s1/likes",
			Body:   map[string]int{"count": 5},
			Token:  tok,
		}, nil)
		if code != http.StatusOK {
			t.Fatalf("relay %d: expected 200, got %d", i, code)
		}
	}

	for _, r := range c.Relays {
		eventually(t, 2*time.Second, "like total", func() bool {
			var snap session.Snapshot
			Do(t, Request{URL: r.URL() + "/api/v1/streams/s1/snapshot", Token: tok}, &snap)
			return snap.Likes == 10
		})
	}

	var stats app.StatsResult
	Do(t, Request{URL: c.Relays[1].URL() + "/api/v1/streams/s1/stats", Token: tok}, &stats)
	if stats.TotalLikes != 10 {
		t.Errorf("persisted likes = %d, want 10", stats.TotalLikes)
	}
}

// TestHistory_SharedStore reads history written through both relays.
func TestHistory_SharedStore(t *testing.T) {
	c := NewCluster(t)

	for i, r := range c.Relays {
		code := Do(t, Request{
			Method: http.MethodPost,
			URL:    r.URL() + "/api/v1/streams/s1/chat",
			Body:   map[string]string{"user_id": "u1", "content": "msg"},
		}, nil)
		if code != http.StatusCreated {
			t.Fatalf("relay %d: expected 201, got %d", i, code)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var page struct {
		Items []event.ChatEvent `json:"items"`
	}
	Do(t, Request{URL: c.Relays[0].URL() + "/api/v1/streams/s1/chat/history"}, &page)
	if len(page.Items) != 2 {
		t.Errorf("expected 2 history items, got %d", len(page.Items))
	}
}
