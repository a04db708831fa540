//go:build integration

package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-outbox/outbox"
)

const (
	testRabbitMQImage  = "rabbitmq:3-management-alpine"
	testStartupTimeout = 60 * time.Second
	testExchange       = "outbox.events"
)

func setupBroker(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		testRabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(testStartupTimeout),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	return url
}

func TestIntegration_RelayDeliversConfirmedMessage(t *testing.T) {
	url := setupBroker(t)

	consumerConn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer consumerConn.Close()

	consumer, err := consumerConn.Channel()
	require.NoError(t, err)

	require.NoError(t, consumer.ExchangeDeclare(testExchange, amqp.ExchangeTopic, true, false, false, false, nil))

	queue, err := consumer.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.QueueBind(queue.Name, "ledger.#", testExchange, false, nil))

	deliveries, err := consumer.Consume(queue.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	relay, err := Dial(url, testExchange)
	require.NoError(t, err)
	defer relay.Close()

	event := testEvent()
	require.NoError(t, relay.Handle(context.Background(), event))

	select {
	case delivery := <-deliveries:
		assert.Equal(t, event.ID.String(), delivery.MessageId)
		assert.Equal(t, event.Topic, delivery.RoutingKey)
		assert.JSONEq(t, string(event.Payload), string(delivery.Body))
		assert.Equal(t, amqp.Persistent, delivery.DeliveryMode)
	case <-time.After(10 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestIntegration_RelayMissingExchangeIsRecoverable(t *testing.T) {
	url := setupBroker(t)

	relay, err := Dial(url, "does-not-exist", WithConfirmTimeout(2*time.Second))
	require.NoError(t, err)
	defer relay.Close()

	err = relay.Handle(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, outbox.OutcomeRecoverable, outbox.DefaultRetryPolicy().Classify(err))
}

func TestIntegration_RelayReopensChannelClosedByBroker(t *testing.T) {
	url := setupBroker(t)

	relay, err := Dial(url, "declared.late", WithConfirmTimeout(2*time.Second))
	require.NoError(t, err)
	defer relay.Close()

	// Publishing to a missing exchange makes the broker close the channel.
	require.Error(t, relay.Handle(context.Background(), testEvent()))

	adminConn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer adminConn.Close()

	admin, err := adminConn.Channel()
	require.NoError(t, err)
	require.NoError(t, admin.ExchangeDeclare("declared.late", amqp.ExchangeTopic, true, false, false, false, nil))

	require.Eventually(t, func() bool {
		return relay.Handle(context.Background(), testEvent()) == nil
	}, 10*time.Second, 200*time.Millisecond)
	assert.True(t, relay.Healthy())
}
