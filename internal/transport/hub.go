package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultSubscriberBufferSize = 64
	defaultBroadcastBufferSize  = 256
)

// Subscription is one topic subscriber of a Hub.
type Subscription[T any] struct {
	topic  string
	events chan T
	done   chan struct{}
}

// Events returns the channel for receiving values.
func (s *Subscription[T]) Events() <-chan T {
	return s.events
}

// Done returns a channel that is closed when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Hub fans values out to topic subscribers.
// One goroutine owns the subscriber set; a subscriber whose buffer is full
// misses the value rather than blocking the hub.
type Hub[T any] struct {
	topicOf func(T) string

	register   chan *Subscription[T]
	unregister chan *Subscription[T]
	broadcast  chan T
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	subscribers atomic.Int64
	dropped     atomic.Int64

	cfg hubConfig
}

type hubConfig struct {
	name                 string
	subscriberBufferSize int
	broadcastBufferSize  int
	logger               *slog.Logger
	onDrop               func()
}

// HubOption configures a Hub.
type HubOption func(*hubConfig)

// WithHubName labels the hub in log lines.
func WithHubName(name string) HubOption {
	return func(c *hubConfig) { c.name = name }
}

// WithHubSubscriberBufferSize sets the buffer size of subscriber channels.
func WithHubSubscriberBufferSize(size int) HubOption {
	return func(c *hubConfig) {
		if size > 0 {
			c.subscriberBufferSize = size
		}
	}
}

// WithHubBroadcastBufferSize sets the buffer size of the broadcast queue.
func WithHubBroadcastBufferSize(size int) HubOption {
	return func(c *hubConfig) {
		if size > 0 {
			c.broadcastBufferSize = size
		}
	}
}

// WithHubLogger sets the logger for the Hub.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(c *hubConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHubDropHook sets a callback run for every dropped delivery.
func WithHubDropHook(f func()) HubOption {
	return func(c *hubConfig) { c.onDrop = f }
}

// NewHub creates a hub. topicOf returns a value's topic; values with an
// empty topic go to every subscriber, and subscribers of the empty topic
// receive every value. Call Run to start the event loop.
func NewHub[T any](topicOf func(T) string, opts ...HubOption) *Hub[T] {
	cfg := hubConfig{
		name:                 "hub",
		subscriberBufferSize: defaultSubscriberBufferSize,
		broadcastBufferSize:  defaultBroadcastBufferSize,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Hub[T]{
		topicOf:    topicOf,
		register:   make(chan *Subscription[T]),
		unregister: make(chan *Subscription[T]),
		broadcast:  make(chan T, cfg.broadcastBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		cfg:        cfg,
	}
}

// Run starts the hub's event loop and blocks until Stop is called.
func (h *Hub[T]) Run() {
	clients := make(map[*Subscription[T]]struct{})
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			clients[sub] = struct{}{}
			h.subscribers.Store(int64(len(clients)))
			h.cfg.logger.Debug("subscriber registered", "hub", h.cfg.name, "topic", sub.topic, "count", len(clients))

		case sub := <-h.unregister:
			if _, ok := clients[sub]; ok {
				delete(clients, sub)
				close(sub.done)
				close(sub.events)
				h.subscribers.Store(int64(len(clients)))
				h.cfg.logger.Debug("subscriber unregistered", "hub", h.cfg.name, "count", len(clients))
			}

		case v := <-h.broadcast:
			h.deliver(clients, v)

		case <-h.stop:
			// Deliver what was queued before Stop.
		drain:
			for {
				select {
				case v := <-h.broadcast:
					h.deliver(clients, v)
				default:
					break drain
				}
			}
			for sub := range clients {
				close(sub.done)
				close(sub.events)
			}
			h.subscribers.Store(0)
			return
		}
	}
}

func (h *Hub[T]) deliver(clients map[*Subscription[T]]struct{}, v T) {
	topic := h.topicOf(v)
	for sub := range clients {
		if sub.topic != "" && topic != "" && sub.topic != topic {
			continue
		}
		select {
		case sub.events <- v:
		default:
			h.dropped.Add(1)
			if h.cfg.onDrop != nil {
				h.cfg.onDrop()
			}
			h.cfg.logger.Warn("subscriber channel full, value dropped",
				"hub", h.cfg.name,
				"topic", topic,
			)
		}
	}
}

// Stop stops the event loop and closes all subscriptions.
// Blocks until the hub has fully stopped. Safe to call multiple times.
func (h *Hub[T]) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.stopped
}

// Subscribe registers a subscriber for topic. The subscription ends when
// ctx is done, on Unsubscribe, or when the hub stops.
func (h *Hub[T]) Subscribe(ctx context.Context, topic string) (*Subscription[T], error) {
	sub := &Subscription[T]{
		topic:  topic,
		events: make(chan T, h.cfg.subscriberBufferSize),
		done:   make(chan struct{}),
	}

	select {
	case h.register <- sub:
	case <-h.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(sub)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Unsubscribe removes a subscriber.
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.stopped:
	}
}

// Publish queues v for delivery. It reports false if the hub is stopped or
// its queue is full.
func (h *Hub[T]) Publish(v T) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	select {
	case h.broadcast <- v:
		return true
	case <-h.stopped:
		return false
	default:
		h.dropped.Add(1)
		if h.cfg.onDrop != nil {
			h.cfg.onDrop()
		}
		h.cfg.logger.Warn("broadcast queue full, value dropped", "hub", h.cfg.name)
		return false
	}
}

// Subscribers returns the current number of subscribers.
func (h *Hub[T]) Subscribers() int {
	return int(h.subscribers.Load())
}

// Dropped returns how many deliveries have been dropped.
func (h *Hub[T]) Dropped() int64 {
	return h.dropped.Load()
}
