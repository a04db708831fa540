// Package redis carries the outbox wake signal across processes over Redis
// pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	goredis "github.com/redis/go-redis/v9"

	libLog "github.com/LerianStudio/lib-outbox/log"
	"github.com/LerianStudio/lib-outbox/outbox"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "outbox:wakeup"

var ErrClientRequired = errors.New("redis client is required")

var _ outbox.Notifier = (*Notifier)(nil)

// Notifier publishes wake signals to a channel and, while Run is active,
// forwards signals from every publisher to Wakeups.
type Notifier struct {
	client  goredis.UniversalClient
	channel string
	logger  libLog.Logger
	local   *outbox.LocalNotifier
}

type Option func(*Notifier)

func WithChannel(channel string) Option {
	return func(notifier *Notifier) {
		if channel = strings.TrimSpace(channel); channel != "" {
			notifier.channel = channel
		}
	}
}

func WithLogger(logger libLog.Logger) Option {
	return func(notifier *Notifier) {
		if !nilcheck.Interface(logger) {
			notifier.logger = logger
		}
	}
}

func New(client goredis.UniversalClient, opts ...Option) (*Notifier, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	notifier := &Notifier{
		client:  client,
		channel: DefaultChannel,
		logger:  libLog.NewNop(),
		local:   outbox.NewLocalNotifier(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(notifier)
		}
	}

	return notifier, nil
}

// Notify publishes a signal. The local dispatcher is woken even when the
// publish fails.
func (notifier *Notifier) Notify(ctx context.Context) error {
	_ = notifier.local.Notify(ctx)

	if err := notifier.client.Publish(ctx, notifier.channel, "wake").Err(); err != nil {
		return fmt.Errorf("publish outbox wake signal: %w", err)
	}

	return nil
}

func (notifier *Notifier) Wakeups() <-chan struct{} {
	return notifier.local.Wakeups()
}

// Run subscribes to the channel and forwards every message to Wakeups until
// ctx is cancelled. go-redis re-subscribes after connection loss.
func (notifier *Notifier) Run(ctx context.Context) error {
	pubsub := notifier.client.Subscribe(ctx, notifier.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("subscribe to %s: %w", notifier.channel, err)
	}

	notifier.logger.Log(ctx, libLog.LevelInfo, "outbox wake subscription active", libLog.String("channel", notifier.channel))

	messages := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-messages:
			if !ok {
				return nil
			}

			_ = notifier.local.Notify(ctx)
		}
	}
}
