package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graaaaa/livecast/internal/api/viewertoken"
	"github.com/graaaaa/livecast/internal/app"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/identity"
	"github.com/graaaaa/livecast/internal/metrics"
	"github.com/graaaaa/livecast/internal/session"
	"github.com/graaaaa/livecast/internal/store"
	"github.com/graaaaa/livecast/internal/transport/membus"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type apiEnv struct {
	store   *store.Store
	mgr     *session.Manager
	handler http.Handler
}

func newAPIEnv(t *testing.T, opts ...ServerOption) *apiEnv {
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

	mgr := session.NewManager(st, nil,
		session.WithConfig(session.Config{
			ChatDebounce:  5 * time.Millisecond,
			SendInterval:  time.Millisecond,
			WriteInterval: 50 * time.Millisecond,
			Host:          true,
		}),
		session.WithBroadcaster(bus),
		session.WithPresence(bus),
	)
	t.Cleanup(func() { mgr.Close() })

	base := []ServerOption{
		WithSessions(mgr),
		WithTokenSecret(testSecret),
		WithStreamsUsecase(app.StreamsService{Sessions: mgr}),
		WithHistoryUsecase(&app.HistoryService{Store: st}),
		WithStatsUsecase(app.NewStatsService(st)),
		WithHeartbeat(50 * time.Millisecond),
	}
	server := NewServer(":0", app.HealthService{Version: "test", DB: st, Sessions: mgr}, append(base, opts...)...)
	return &apiEnv{store: st, mgr: mgr, handler: server.Handler()}
}

func token(t *testing.T, sub, stream, role string) string {
	t.Helper()
	tok, err := viewertoken.Issue(testSecret, viewertoken.Claims{Sub: sub, Stream: stream, Role: role}, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

// do sends a request. Without a token it acts as the local operator and
// sets a loopback Origin so state-changing requests pass the CSRF check.
func (e *apiEnv) do(t *testing.T, method, path, body, tok string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else {
		req.Header.Set("Origin", "http://localhost:8080")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestPostChat_WithToken(t *testing.T) {
	env := newAPIEnv(t)
	tok := token(t, "u1", "s1", "")

	rec := env.do(t, http.MethodPost, "/api/v1/streams/s1/chat", `{"content":"hello"}`, tok)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[event.ChatEvent](t, rec)
	assert.Equal(t, "u1", sent.SenderID)
	assert.NotEmpty(t, sent.ID)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/streams/s1/chat", "", tok)
		resp := decode[chatResponse](t, rec)
		return len(resp.Messages) == 1 && resp.Messages[0].Content == "hello"
	}, waitFor, tick)
}

func TestPostChat_Authorization(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name string
		path string
		body string
		tok  string
		want int
	}{
		{"token for other stream", "/api/v1/streams/s2/chat", `{"content":"hi"}`, token(t, "u1", "s1", ""), http.StatusForbidden},
		{"acting for another user", "/api/v1/streams/s1/chat", `{"user_id":"u2","content":"hi"}`, token(t, "u1", "s1", ""), http.StatusForbidden},
		{"operator without user", "/api/v1/streams/s1/chat", `{"content":"hi"}`, "", http.StatusBadRequest},
		{"operator for user", "/api/v1/streams/s1/chat", `{"user_id":"u2","content":"hi"}`, "", http.StatusCreated},
		{"any-stream token", "/api/v1/streams/s9/chat", `{"content":"hi"}`, token(t, "u1", "", ""), http.StatusCreated},
		{"invalid token", "/api/v1/streams/s1/chat", `{"content":"hi"}`, "lv1.not.valid", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body, tt.tok)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestPostChat_Validation(t *testing.T) {
	env := newAPIEnv(t)
	tok := token(t, "u1", "s1", "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty content", `{"content":"   "}`, http.StatusBadRequest},
		{"too long", `{"content":"` + strings.Repeat("x", 5000) + `"}`, http.StatusBadRequest},
		{"bad kind", `{"content":"hi","kind":"system"}`, http.StatusBadRequest},
		{"malformed json", `{"content":`, http.StatusBadRequest},
		{"image", `{"content":"https://cdn.example/cat.png","kind":"image"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/streams/s1/chat", tt.body, tok)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

type giftsView struct {
	Concurrent []struct {
		GiftID   string `json:"gift_id"`
		SenderID string `json:"sender_id"`
	} `json:"concurrent"`
	Exclusive *struct {
		GiftID string `json:"gift_id"`
	} `json:"exclusive"`
	Queued int `json:"queued"`
}

func TestPostGift(t *testing.T) {
	env := newAPIEnv(t)
	tok := token(t, "u1", "s1", "")

	rec := env.do(t, http.MethodPost, "/api/v1/streams/s1/gifts", `{"gift_id":"cash_toss","quantity":2}`, tok)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		view := decode[giftsView](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/gifts", "", tok))
		return len(view.Concurrent) == 1 && view.Concurrent[0].SenderID == "u1"
	}, waitFor, tick)

	rec = env.do(t, http.MethodPost, "/api/v1/streams/s1/gifts", `{"gift_id":"no_such_gift"}`, tok)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/streams/s1/gifts", `{"gift_id":"cash_toss","quantity":-1}`, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostLikes(t *testing.T) {
	env := newAPIEnv(t)
	tok := token(t, "u1", "s1", "")

	rec := env.do(t, http.MethodPost, "/api/v1/streams/s1/likes", `{"count":3}`, tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(3), decode[likesResponse](t, rec).TotalLikes)

	rec = env.do(t, http.MethodPost, "/api/v1/streams/s1/likes", "", tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(4), decode[likesResponse](t, rec).TotalLikes)

	rec = env.do(t, http.MethodPost, "/api/v1/streams/s1/likes", `{"count":-2}`, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	snap := decode[session.Snapshot](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/snapshot", "", tok))
	assert.Equal(t, "s1", snap.StreamID)
	assert.Equal(t, int64(4), snap.Likes)
}

func TestListStreamsAndStats(t *testing.T) {
	env := newAPIEnv(t)
	tok := token(t, "u1", "s1", "")

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/streams/s1/chat", `{"content":"one"}`, tok).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/streams/s1/likes", `{"count":5}`, tok).Code)

	streams := decode[[]app.StreamInfo](t, env.do(t, http.MethodGet, "/api/v1/streams", "", ""))
	require.Len(t, streams, 1)
	assert.Equal(t, "s1", streams[0].StreamID)
	assert.Equal(t, int64(5), streams[0].Likes)

	// Only operators list streams.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/streams", "", tok).Code,
		"auth disabled: token holders are local operators")

	stats := decode[app.StatsResult](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/stats", "", tok))
	assert.Equal(t, int64(5), stats.TotalLikes)
	assert.Equal(t, int64(1), stats.Messages)

	rec := env.do(t, http.MethodGet, "/api/v1/streams/s2/stats", "", tok)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChatHistory_Paging(t *testing.T) {
	env := newAPIEnv(t)
	tok := token(t, "u1", "s1", "")

	for _, msg := range []string{"one", "two", "three"} {
		rec := env.do(t, http.MethodPost, "/api/v1/streams/s1/chat", `{"content":"`+msg+`"}`, tok)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		time.Sleep(5 * time.Millisecond) // per-user send interval
	}

	page := decode[store.ChatPage](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/chat/history?limit=2", "", tok))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "three", page.Items[0].Content)
	require.NotNil(t, page.NextCursor)

	page = decode[store.ChatPage](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/chat/history?limit=2&cursor="+*page.NextCursor, "", tok))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "one", page.Items[0].Content)
	assert.Nil(t, page.NextCursor)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/streams/s1/chat/history?cursor=%21%21", "", tok).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/streams/s1/chat/history?limit=0", "", tok).Code)
}

func TestOperatorEndpoints_RejectTokensWhenAuthEnabled(t *testing.T) {
	env := newAPIEnv(t, WithBasicAuth("admin", "secret"), WithMetrics(metrics.New()))
	tok := token(t, "u1", "s1", "")

	for _, path := range []string{"/api/v1/streams", "/metrics"} {
		assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, path, "", tok).Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "livecast_http_requests_total")
	assert.Contains(t, rec.Body.String(), "livecast_sessions_active")

	// Token holders still reach their own stream.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/streams/s1/snapshot", "", tok).Code)
}

// --- Server-sent events ---

type sseEvent struct {
	id, name, data string
}

func readSSE(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("event stream ended: %v", sc.Err())
	return ev
}

func TestEvents_SnapshotThenUpdates(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	tok := token(t, "u1", "s1", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/streams/s1/events?token="+tok, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	first := readSSE(t, sc)
	assert.Equal(t, "snapshot", first.name)
	assert.Equal(t, "0", first.id)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/streams/s1/chat", `{"content":"live"}`, tok).Code)

	for {
		ev := readSSE(t, sc)
		if ev.name != session.UpdateChat {
			continue
		}
		var u session.Update
		require.NoError(t, json.Unmarshal([]byte(ev.data), &u))
		require.NotEmpty(t, u.Snapshot.Messages)
		assert.Equal(t, "live", u.Snapshot.Messages[len(u.Snapshot.Messages)-1].Content)
		assert.NotEqual(t, "0", ev.id)
		return
	}
}

func TestEvents_RejectsForeignStream(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/streams/s2/events", "", token(t, "u1", "s1", ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// --- WebSocket ---

func dialWS(t *testing.T, srv *httptest.Server, stream, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/streams/" + stream + "/ws?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsOutbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var msg wsOutbound
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocket_SendAndPresence(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	tok := token(t, "u1", "s1", "")

	conn := dialWS(t, srv, "s1", tok)
	snap := readUntil(t, conn, "snapshot")
	require.NotNil(t, snap.Snapshot)
	assert.Equal(t, "s1", snap.Snapshot.StreamID)

	require.Eventually(t, func() bool {
		v := decode[viewersResponse](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/viewers", "", tok))
		return v.Viewers == 1 && len(v.Members) == 1 && v.Members[0].UserID == "u1"
	}, waitFor, tick)

	require.NoError(t, conn.WriteJSON(wsInbound{Type: wsChat, Content: "over ws"}))
	ack := readUntil(t, conn, "chat_sent")
	require.NotNil(t, ack.Message)
	assert.Equal(t, "over ws", ack.Message.Content)

	require.NoError(t, conn.WriteJSON(wsInbound{Type: wsLike, Count: 2}))
	assert.Equal(t, int64(2), readUntil(t, conn, "like_sent").TotalLikes)

	require.NoError(t, conn.WriteJSON(wsInbound{Type: wsGift, GiftID: "no_such_gift"}))
	assert.NotEmpty(t, readUntil(t, conn, "error").Error)

	require.NoError(t, conn.WriteJSON(wsInbound{Type: "dance"}))
	assert.Equal(t, "unknown message type", readUntil(t, conn, "error").Error)

	conn.Close()
	require.Eventually(t, func() bool {
		v := decode[viewersResponse](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/viewers", "", tok))
		return v.Viewers == 0
	}, waitFor, tick)
}

func TestWebSocket_HostTokenSetsRole(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn := dialWS(t, srv, "s1", token(t, "host1", "s1", viewertoken.RoleHost))
	readUntil(t, conn, "snapshot")

	require.Eventually(t, func() bool {
		v := decode[viewersResponse](t, env.do(t, http.MethodGet, "/api/v1/streams/s1/viewers", "", ""))
		return len(v.Members) == 1 && v.Members[0].Role == session.RoleHost
	}, waitFor, tick)
}

func TestWebSocket_WatcherCannotSend(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/streams/s1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	readUntil(t, conn, "snapshot")
	require.NoError(t, conn.WriteJSON(wsInbound{Type: wsChat, Content: "hi"}))
	assert.Equal(t, "an identity is required to interact", readUntil(t, conn, "error").Error)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/streams/s1/ws?token=" + token(t, "u1", "s1", "")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
