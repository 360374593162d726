// Package metrics exposes pipeline statistics in Prometheus format.
// A Metrics value implements the observer hooks of the chat, gifts and
// presence packages.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graaaaa/livecast/internal/gifts"
)

const namespace = "livecast"

// Metrics holds all collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	chatBatches     prometheus.Counter
	chatEvents      *prometheus.CounterVec
	chatBatchTime   prometheus.Histogram
	chatExpired     prometheus.Counter
	identityLookups *prometheus.CounterVec
	identityTime    prometheus.Histogram
	giftsScheduled  *prometheus.CounterVec
	viewers         *prometheus.GaugeVec
	countWrites     *prometheus.CounterVec
	relayErrors     *prometheus.CounterVec
	hubDrops        *prometheus.CounterVec
	sessions        prometheus.Gauge
	wsConnections   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates and registers the collectors on a fresh registry, along
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg, reg)
}

// NewWith registers the collectors on reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		chatBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_batches_total",
			Help:      "Total number of ingestion batches processed.",
		}),
		chatEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_events_total",
			Help:      "Chat events seen by the ingestion queue, by result.",
		}, []string{"result"}),
		chatBatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_batch_duration_seconds",
			Help:      "Time to resolve and publish one ingestion batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		chatExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_expired_total",
			Help:      "Chat events removed from display after their display age.",
		}),
		identityLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_lookups_total",
			Help:      "Batched identity lookups, by result.",
		}, []string{"result"}),
		identityTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "identity_lookup_duration_seconds",
			Help:      "Duration of batched identity lookups.",
			Buckets:   prometheus.DefBuckets,
		}),
		giftsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gifts_scheduled_total",
			Help:      "Gift animations scheduled, by tier and slot.",
		}, []string{"tier", "slot"}),
		viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Live presence count per stream.",
		}, []string{"stream"}),
		countWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_count_writes_total",
			Help:      "Persisted viewer count writes, by result.",
		}, []string{"result"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Broadcast relay errors, by operation.",
		}, []string{"op"}),
		hubDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_total",
			Help:      "Values dropped for slow subscribers, by hub.",
		}, []string{"hub"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live stream sessions.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_connections",
			Help:      "Number of active websocket connections.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.chatBatches, m.chatEvents, m.chatBatchTime, m.chatExpired,
		m.identityLookups, m.identityTime,
		m.giftsScheduled,
		m.viewers, m.countWrites,
		m.relayErrors, m.hubDrops,
		m.sessions, m.wsConnections,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// BatchProcessed implements chat.Observer.
func (m *Metrics) BatchProcessed(size, accepted, duplicates int, elapsed time.Duration) {
	m.chatBatches.Inc()
	m.chatEvents.WithLabelValues("accepted").Add(float64(accepted))
	m.chatEvents.WithLabelValues("duplicate").Add(float64(duplicates))
	if other := size - accepted - duplicates; other > 0 {
		m.chatEvents.WithLabelValues("other").Add(float64(other))
	}
	m.chatBatchTime.Observe(elapsed.Seconds())
}

// Expired implements chat.Observer.
func (m *Metrics) Expired(n int) {
	m.chatExpired.Add(float64(n))
}

// IdentityLookup is an identity.LookupHook.
func (m *Metrics) IdentityLookup(ids int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.identityLookups.WithLabelValues(result).Inc()
	m.identityTime.Observe(elapsed.Seconds())
}

// GiftScheduled implements gifts.Observer.
func (m *Metrics) GiftScheduled(tier gifts.Tier, exclusive bool) {
	slot := "concurrent"
	if exclusive {
		slot = "exclusive"
	}
	m.giftsScheduled.WithLabelValues(tier.String(), slot).Inc()
}

// ViewerCount implements presence.Observer.
func (m *Metrics) ViewerCount(streamID string, n int) {
	m.viewers.WithLabelValues(streamID).Set(float64(n))
}

// CountWritten implements presence.Observer.
func (m *Metrics) CountWritten(_ string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.countWrites.WithLabelValues(result).Inc()
}

// ForgetStream drops per-stream series when a session ends.
func (m *Metrics) ForgetStream(streamID string) {
	m.viewers.DeleteLabelValues(streamID)
}

// RelayError counts a broadcast relay error.
func (m *Metrics) RelayError(op string) {
	m.relayErrors.WithLabelValues(op).Inc()
}

// HubDropHook returns a drop callback for the named hub.
func (m *Metrics) HubDropHook(hub string) func() {
	c := m.hubDrops.WithLabelValues(hub)
	return c.Inc
}

// SessionOpened and SessionClosed track live sessions.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// WSConnected and WSDisconnected track websocket connections.
func (m *Metrics) WSConnected() { m.wsConnections.Inc() }

// WSDisconnected decrements the websocket gauge.
func (m *Metrics) WSDisconnected() { m.wsConnections.Dec() }

// Middleware records request counts and latencies. route labels the
// handler so path parameters do not explode cardinality.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
