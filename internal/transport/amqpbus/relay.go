// Package amqpbus relays broadcast envelopes between processes over a
// RabbitMQ topic exchange. Messages are transient and every subscription
// owns an exclusive auto-delete queue, so only current subscribers receive
// an envelope.
package amqpbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/transport"
)

// DefaultExchange is the exchange envelopes are published to.
const DefaultExchange = "livecast.broadcast"

const subscriberBufferSize = 64

// ErrNotConnected is returned by Publish while the relay is reconnecting.
var ErrNotConnected = errors.New("amqp relay not connected")

// Channel is the subset of *amqp.Channel the relay uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the relay uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// DialAMQP is the Dialer for a real broker.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// RoutingKey returns the routing key of a stream.
func RoutingKey(streamID string) string {
	return "stream." + streamID
}

// Relay implements transport.Broadcaster on RabbitMQ.
type Relay struct {
	url      string
	exchange string
	node     string
	dial     Dialer
	logger   *slog.Logger
	backoff  *backoff
	onError  func(op string)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    Connection
	pub     Channel
	closeCh chan *amqp.Error
	subs    map[*subscription]struct{}
	closed  bool
}

type subscription struct {
	streamID string

	mu     sync.Mutex
	out    chan event.Envelope
	ch     Channel
	closed bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithExchange overrides the exchange name.
func WithExchange(name string) Option {
	return func(r *Relay) {
		if name != "" {
			r.exchange = name
		}
	}
}

// WithNode sets the node id stamped on published envelopes.
func WithNode(node string) Option {
	return func(r *Relay) {
		if node != "" {
			r.node = node
		}
	}
}

// WithDialer replaces the broker dialer (for testing).
func WithDialer(d Dialer) Option {
	return func(r *Relay) { r.dial = d }
}

// WithBackoff sets the reconnect backoff.
func WithBackoff(cfg BackoffConfig) Option {
	return func(r *Relay) { r.backoff = newBackoff(cfg, time.Now().UnixNano()) }
}

// WithErrorHook sets a callback for publish, consume and connection errors.
func WithErrorHook(f func(op string)) Option {
	return func(r *Relay) { r.onError = f }
}

// Dial connects to the broker and declares the exchange. The relay
// reconnects on its own until Close.
func Dial(url string, opts ...Option) (*Relay, error) {
	r := &Relay{
		url:      url,
		exchange: DefaultExchange,
		node:     uuid.NewString(),
		dial:     DialAMQP,
		logger:   slog.Default(),
		backoff:  newBackoff(DefaultBackoffConfig, time.Now().UnixNano()),
		subs:     make(map[*subscription]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.mu.Lock()
	err := r.connectLocked()
	r.mu.Unlock()
	if err != nil {
		r.cancel()
		return nil, err
	}

	go r.supervise()
	r.logger.Info("amqp relay connected", "exchange", r.exchange, "node", r.node)
	return r, nil
}

// Node returns the id stamped on envelopes published by this relay.
func (r *Relay) Node() string {
	return r.node
}

func (r *Relay) connectLocked() error {
	conn, err := r.dial(r.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(r.exchange, "topic", false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", r.exchange, err)
	}
	r.conn = conn
	r.pub = ch
	r.closeCh = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// supervise waits for connection loss and reconnects with backoff.
func (r *Relay) supervise() {
	defer close(r.done)
	for {
		r.mu.Lock()
		closeCh := r.closeCh
		r.mu.Unlock()

		select {
		case <-r.ctx.Done():
			return
		case amqpErr := <-closeCh:
			r.logger.Warn("amqp connection lost", "err", amqpErr)
			r.hook("connection")
		}

		r.mu.Lock()
		r.conn, r.pub = nil, nil
		r.mu.Unlock()

		if !r.reconnect() {
			return
		}
	}
}

func (r *Relay) reconnect() bool {
	for attempt := 0; ; attempt++ {
		delay := r.backoff.delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return false
		}
		err := r.connectLocked()
		if err == nil {
			for sub := range r.subs {
				if err := r.consumeLocked(sub); err != nil {
					r.logger.Warn("resubscribe failed", "stream_id", sub.streamID, "err", err)
				}
			}
		}
		r.mu.Unlock()

		if err == nil {
			r.logger.Info("amqp relay reconnected", "attempts", attempt+1)
			return true
		}
		r.logger.Warn("amqp reconnect failed", "attempt", attempt+1, "retry_in", delay, "err", err)
	}
}

// Publish sends env to every current subscriber of its stream.
func (r *Relay) Publish(ctx context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Node == "" {
		env.Node = r.node
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	r.mu.Lock()
	pub, closed := r.pub, r.closed
	r.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if pub == nil {
		return ErrNotConnected
	}

	err = pub.PublishWithContext(ctx, r.exchange, RoutingKey(env.StreamID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    env.TxnID,
		Timestamp:    env.Time(),
		Body:         body,
	})
	if err != nil {
		r.hook("publish")
		return fmt.Errorf("publish %s envelope: %w", env.Type, err)
	}
	return nil
}

// SubscribeBroadcast streams envelopes for streamID until ctx ends.
// The channel survives reconnects.
func (r *Relay) SubscribeBroadcast(ctx context.Context, streamID string) (<-chan event.Envelope, error) {
	sub := &subscription{
		streamID: streamID,
		out:      make(chan event.Envelope, subscriberBufferSize),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if r.conn != nil {
		if err := r.consumeLocked(sub); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			r.unsubscribe(sub)
		case <-r.ctx.Done():
		}
	}()
	return sub.out, nil
}

// consumeLocked opens a channel with an exclusive queue for sub.
func (r *Relay) consumeLocked(sub *subscription) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(sub.streamID), r.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume: %w", err)
	}

	sub.mu.Lock()
	sub.ch = ch
	sub.mu.Unlock()

	go r.pump(sub, deliveries)
	return nil
}

// pump forwards deliveries until the channel closes.
func (r *Relay) pump(sub *subscription, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		env, err := event.DecodeEnvelope(d.Body)
		if err != nil {
			r.logger.Warn("dropping invalid envelope", "stream_id", sub.streamID, "err", err)
			r.hook("decode")
			continue
		}
		sub.send(env, r.logger)
	}
}

func (s *subscription) send(env event.Envelope, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- env:
	default:
		logger.Warn("broadcast subscriber full, envelope dropped",
			"stream_id", s.streamID,
			"type", env.Type,
		)
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ch != nil {
		s.ch.Close()
	}
	close(s.out)
}

func (r *Relay) unsubscribe(sub *subscription) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
	sub.close()
}

func (r *Relay) hook(op string) {
	if r.onError != nil {
		r.onError(op)
	}
}

// Close stops reconnecting, ends all subscriptions and closes the
// connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*subscription]struct{})
	conn, pub := r.conn, r.pub
	r.mu.Unlock()

	r.cancel()
	<-r.done

	for sub := range subs {
		sub.close()
	}
	if pub != nil {
		pub.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
