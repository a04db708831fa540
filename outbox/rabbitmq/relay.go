// Package rabbitmq relays outbox events to a RabbitMQ exchange with publisher
// confirms. A Relay is an outbox.Handler: register it for the topics to
// forward and the dispatcher marks an event published only after the broker
// acknowledges it.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"

	libLog "github.com/LerianStudio/lib-outbox/log"
	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/telemetry"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	maxAMQPPriority       = 9

	HeaderTopic          = "x-outbox-topic"
	HeaderPayloadVersion = "x-outbox-payload-version"
	HeaderAggregateID    = "x-outbox-aggregate-id"
	HeaderAttempt        = "x-outbox-attempt"
)

var (
	ErrChannelRequired = errors.New("amqp channel is required")
	ErrRelayClosed     = errors.New("rabbitmq relay closed")
	ErrPublishNacked   = errors.New("broker rejected publish")
	ErrConfirmTimeout  = errors.New("timed out waiting for publish confirm")
	ErrChannelRecovery = errors.New("rabbitmq channel recovery failed")
)

// ConfirmableChannel is the subset of *amqp.Channel the relay uses.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a fresh channel after the current one was
// invalidated.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

var _ outbox.Handler = (*Relay)(nil)

// Relay publishes events and waits for each confirm. Publishes are serialized
// per relay so confirms line up with publishes; run one relay per worker for
// more throughput.
//
// A confirm timeout, a cancelled wait or a dead channel invalidates the
// current channel. With a ChannelProvider the next Handle opens a new one;
// without it the relay stays broken until Close.
type Relay struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	provider       ChannelProvider
	exchange       string
	routingKey     func(outbox.Event) string
	confirmTimeout time.Duration
	logger         libLog.Logger
	onClose        func() error

	mu       sync.Mutex
	shutdown bool
}

type Option func(*Relay)

// WithRoutingKey overrides the default routing key, which is the event topic.
func WithRoutingKey(fn func(outbox.Event) string) Option {
	return func(relay *Relay) {
		if fn != nil {
			relay.routingKey = fn
		}
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(relay *Relay) {
		if timeout > 0 {
			relay.confirmTimeout = timeout
		}
	}
}

func WithLogger(logger libLog.Logger) Option {
	return func(relay *Relay) {
		if !nilcheck.Interface(logger) {
			relay.logger = logger
		}
	}
}

// WithChannelProvider enables recovery of invalidated channels.
func WithChannelProvider(provider ChannelProvider) Option {
	return func(relay *Relay) {
		if provider != nil {
			relay.provider = provider
		}
	}
}

// NewRelay puts ch in confirm mode and publishes to exchange.
func NewRelay(ch ConfirmableChannel, exchange string, opts ...Option) (*Relay, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	relay := &Relay{
		exchange:       strings.TrimSpace(exchange),
		routingKey:     func(event outbox.Event) string { return event.Topic },
		confirmTimeout: defaultConfirmTimeout,
		logger:         libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	if err := relay.attach(ch); err != nil {
		return nil, err
	}

	return relay, nil
}

// Dial connects to url and returns a relay that owns the connection. Channels
// invalidated later are reopened on the same connection, which is re-dialled
// when the broker closed it. Close releases both.
func Dial(url, exchange string, opts ...Option) (*Relay, error) {
	conn := &connection{url: url}

	ch, err := conn.channel(context.Background())
	if err != nil {
		_ = conn.close()

		return nil, err
	}

	opts = append(opts, WithChannelProvider(conn.channel))

	relay, err := NewRelay(ch, exchange, opts...)
	if err != nil {
		_ = conn.close()

		return nil, err
	}

	relay.onClose = conn.close

	return relay, nil
}

// Handle publishes event with the trace context of ctx and waits for the
// broker confirm. Every failure is recoverable: the broker may accept the
// event on a later attempt.
func (relay *Relay) Handle(ctx context.Context, event outbox.Event) error {
	relay.mu.Lock()
	defer relay.mu.Unlock()

	if relay.shutdown {
		return outbox.Recoverable(ErrRelayClosed)
	}

	if relay.ch == nil {
		if err := relay.reopen(ctx); err != nil {
			return outbox.Recoverable(err)
		}
	}

	msg := Publishing(event)
	telemetry.InjectQueueHeaders(ctx, msg.Headers)

	if err := relay.ch.PublishWithContext(ctx, relay.exchange, relay.routingKey(event), false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			relay.invalidate()
		}

		return outbox.Recoverable(fmt.Errorf("publish: %w", err))
	}

	if err := relay.waitForConfirm(ctx); err != nil {
		if errors.Is(err, ErrConfirmTimeout) || errors.Is(err, ErrRelayClosed) || ctx.Err() != nil {
			// A late confirm would be read by the next publish.
			relay.invalidate()
		}

		return outbox.Recoverable(err)
	}

	return nil
}

func (relay *Relay) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(relay.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-relay.confirms:
		if !ok {
			return ErrRelayClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirm: %w", ctx.Err())
	}
}

// attach must be called with mu held or before the relay is shared.
func (relay *Relay) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	relay.ch = ch
	relay.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return nil
}

// reopen must be called with mu held.
func (relay *Relay) reopen(ctx context.Context) error {
	if relay.provider == nil {
		return ErrRelayClosed
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelRecovery, err)
	}

	ch, err := relay.provider(ctx)
	if err == nil && nilcheck.Interface(ch) {
		err = ErrChannelRequired
	}

	if err != nil {
		relay.logger.Log(ctx, libLog.LevelWarn, "rabbitmq channel recovery failed", libLog.Err(err))

		return fmt.Errorf("%w: %w", ErrChannelRecovery, err)
	}

	if err := relay.attach(ch); err != nil {
		_ = ch.Close()

		relay.logger.Log(ctx, libLog.LevelWarn, "rabbitmq channel recovery failed", libLog.Err(err))

		return fmt.Errorf("%w: %w", ErrChannelRecovery, err)
	}

	relay.logger.Log(ctx, libLog.LevelInfo, "rabbitmq channel recovered")

	return nil
}

// invalidate must be called with mu held.
func (relay *Relay) invalidate() {
	ch := relay.ch
	relay.ch = nil
	relay.confirms = nil

	if ch == nil {
		return
	}

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		relay.logger.Log(context.Background(), libLog.LevelWarn, "rabbitmq channel close failed", libLog.Err(err))
	}
}

// Healthy reports whether the relay holds an open channel.
func (relay *Relay) Healthy() bool {
	relay.mu.Lock()
	defer relay.mu.Unlock()

	return !relay.shutdown && relay.ch != nil
}

// Close closes the channel and, for dialled relays, the connection. Further
// Handle calls fail recoverably.
func (relay *Relay) Close() error {
	relay.mu.Lock()
	defer relay.mu.Unlock()

	if relay.shutdown {
		return nil
	}

	relay.shutdown = true

	var errs []error

	if relay.ch != nil {
		if err := relay.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}

		relay.ch = nil
	}

	if relay.onClose != nil {
		if err := relay.onClose(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// connection re-dials url when the broker has closed the current connection.
type connection struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
}

func (c *connection) channel(ctx context.Context) (ConfirmableChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}

		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	return c.conn.Close()
}

// Publishing maps an event to the AMQP message the relay sends.
func Publishing(event outbox.Event) amqp.Publishing {
	headers := amqp.Table{
		HeaderTopic:          event.Topic,
		HeaderPayloadVersion: int32(event.PayloadVersion),
		HeaderAttempt:        int32(event.AttemptCount),
	}

	if event.AggregateID != "" {
		headers[HeaderAggregateID] = event.AggregateID
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(event.Priority),
		MessageId:    event.ID.String(),
		Timestamp:    event.OccurredAt,
		Type:         event.Topic,
		Body:         event.Payload,
	}
}

func amqpPriority(priority int) uint8 {
	return uint8(min(max(priority, 0), maxAMQPPriority))
}
