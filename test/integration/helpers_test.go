//go:build integration

// Package integration runs end-to-end tests against relays wired the way
// cmd/livecast wires them.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/graaaaa/livecast/internal/api"
	"github.com/graaaaa/livecast/internal/app"
	"github.com/graaaaa/livecast/internal/identity"
	"github.com/graaaaa/livecast/internal/metrics"
	"github.com/graaaaa/livecast/internal/session"
	"github.com/graaaaa/livecast/internal/store"
	"github.com/graaaaa/livecast/internal/transport/membus"
)

var tokenSecret = []byte("test-secret-key-32-bytes-long!!!")

// Relay is one relay process: its own node id, sessions and HTTP server.
type Relay struct {
	Node     string
	Sessions *session.Manager
	Server   *httptest.Server
}

// URL returns the base URL of the relay.
func (r *Relay) URL() string {
	return r.Server.URL
}

// Cluster is a set of relays sharing one database and one broadcast bus.
type Cluster struct {
	Store  *store.Store
	Bus    *membus.Bus
	Relays []*Relay
}

// clusterConfig holds configuration for a test cluster.
type clusterConfig struct {
	relays      int
	authEnabled bool
	username    string
	password    string
}

// ClusterOption configures a test cluster.
type ClusterOption func(*clusterConfig)

// WithAuth enables Basic Auth on every relay.
func WithAuth(username, password string) ClusterOption {
	return func(cfg *clusterConfig) {
		cfg.authEnabled = true
		cfg.username = username
		cfg.password = password
	}
}

// WithRelays sets the number of relays.
func WithRelays(n int) ClusterOption {
	return func(cfg *clusterConfig) { cfg.relays = n }
}

// NewCluster starts the relays. Only the first one hosts the viewer count.
// Resources are released by t.Cleanup.
func NewCluster(t *testing.T, opts ...ClusterOption) *Cluster {
	t.Helper()

	cfg := &clusterConfig{relays: 2}
	for _, opt := range opts {
		opt(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	bus := membus.New()
	t.Cleanup(func() {
		bus.Close()
		st.Close()
	})

	ctx := context.Background()
	for _, p := range []identity.Profile{
		{ID: "u1", Username: "alice", CanChat: true},
		{ID: "u2", Username: "bob", CanChat: true},
		{ID: "host1", Username: "Host", Role: "host", CanChat: true},
	} {
		if err := st.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("failed to seed profile: %v", err)
		}
	}

	c := &Cluster{Store: st, Bus: bus}
	for i := 0; i < cfg.relays; i++ {
		node := uuid.NewString()
		sessions := session.NewManager(st, nil,
			session.WithConfig(session.Config{
				ChatDebounce:  5 * time.Millisecond,
				SendInterval:  time.Millisecond,
				WriteInterval: 50 * time.Millisecond,
				Host:          i == 0,
			}),
			session.WithBroadcaster(bus),
			session.WithPresence(bus),
			session.WithNode(node),
			session.WithObserver(metrics.New()),
		)

		serverOpts := []api.ServerOption{
			api.WithSessions(sessions),
			api.WithStreamsUsecase(app.StreamsService{Sessions: sessions}),
			api.WithHistoryUsecase(&app.HistoryService{Store: st}),
			api.WithStatsUsecase(app.NewStatsService(st)),
			api.WithTokenSecret(tokenSecret),
			api.WithHeartbeat(100 * time.Millisecond),
		}
		if cfg.authEnabled {
			serverOpts = append(serverOpts, api.WithBasicAuth(cfg.username, cfg.password))
		}
		server := api.NewServer("127.0.0.1:0", app.HealthService{DB: st, Sessions: sessions}, serverOpts...)
		ts := httptest.NewServer(server.Handler())

		t.Cleanup(func() {
			sessions.Close()
			ts.Close()
		})
		c.Relays = append(c.Relays, &Relay{Node: node, Sessions: sessions, Server: ts})
	}
	return c
}

// Request is one HTTP call made by a test client.
type Request struct {
	Method string
	URL    string
	Body   any
	Token  string
	User   string
	Pass   string
}

// Do sends req and decodes a JSON response into out when out is non-nil.
func Do(t *testing.T, req Request, out any) int {
	t.Helper()

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		body = bytes.NewReader(data)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequest(method, req.URL, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Origin", "http://localhost")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if req.User != "" {
		httpReq.SetBasicAuth(req.User, req.Pass)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
