package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
	"github.com/glimte/mmate-relay/internal/brokertest"
	"github.com/glimte/mmate-relay/translate"
)

type collected struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *collected) add(env *envelope.Envelope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return len(c.envs)
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collected) at(i int) *envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[i]
}

func runConsumer(t *testing.T, c *broker.Consumer, handler broker.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("consumer did not stop")
		}
	})
	return cancel
}

func TestConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unknown ack modes", func(t *testing.T) {
		_, err := broker.NewConsumer(newConnection(brokertest.New("amqp://a")), broker.Queue("orders"),
			broker.WithAckMode("sometimes"))
		assert.True(t, fault.IsConfiguration(err))
	})

	t.Run("prefetch defaults depend on the ack mode", func(t *testing.T) {
		conn := newConnection(brokertest.New("amqp://a"))
		client, err := broker.NewConsumer(conn, broker.Queue("orders"))
		require.NoError(t, err)
		assert.Equal(t, 10, client.Prefetch())

		tx, err := broker.NewConsumer(conn, broker.Queue("orders"), broker.WithAckMode(broker.AckTransacted))
		require.NoError(t, err)
		assert.Equal(t, 1, tx.Prefetch())

		unlimited, err := broker.NewConsumer(conn, broker.Queue("orders"),
			broker.WithAckMode(broker.AckTransacted), broker.WithPrefetchCount(0))
		require.NoError(t, err)
		assert.Zero(t, unlimited.Prefetch())
	})

	t.Run("acks handled messages", func(t *testing.T) {
		b := brokertest.New("amqp://a")
		b.DeclareQueue("orders")
		c, err := broker.NewConsumer(startedConnection(t, b), broker.Queue("orders"))
		require.NoError(t, err)

		got := &collected{}
		runConsumer(t, c, func(_ context.Context, env *envelope.Envelope) error {
			got.add(env)
			return nil
		})

		b.Enqueue("orders", amqp.Publishing{ContentType: translate.ContentTypeText, Body: []byte("hello")})

		assert.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "hello", got.at(0).StringPayload())
		assert.Eventually(t, func() bool { return b.Unacked("orders") == 0 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, b.Ready("orders"))
	})

	t.Run("requeues failed messages for redelivery", func(t *testing.T) {
		b := brokertest.New("amqp://a")
		b.DeclareQueue("orders")
		tr, err := translate.New(translate.Config{MoveHeaders: true})
		require.NoError(t, err)
		c, err := broker.NewConsumer(startedConnection(t, b), broker.Queue("orders"), broker.WithConsumerTranslator(tr))
		require.NoError(t, err)

		got := &collected{}
		runConsumer(t, c, func(_ context.Context, env *envelope.Envelope) error {
			if got.add(env) == 1 {
				return errors.New("downstream unavailable")
			}
			return nil
		})

		b.Enqueue("orders", amqp.Publishing{ContentType: translate.ContentTypeText, MessageId: "m-1", Body: []byte("x")})

		assert.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "false", got.at(0).MetadataValue(translate.MetadataRedelivered))
		assert.Equal(t, "true", got.at(1).MetadataValue(translate.MetadataRedelivered))
		assert.Equal(t, "m-1", got.at(1).ID())
	})

	t.Run("drops messages that cannot be translated", func(t *testing.T) {
		b := brokertest.New("amqp://a")
		b.DeclareQueue("orders")
		c, err := broker.NewConsumer(startedConnection(t, b), broker.Queue("orders"))
		require.NoError(t, err)

		got := &collected{}
		runConsumer(t, c, func(_ context.Context, env *envelope.Envelope) error {
			got.add(env)
			return nil
		})

		b.Enqueue("orders", amqp.Publishing{ContentType: translate.ContentTypeObject, Body: []byte("{")})
		b.Enqueue("orders", amqp.Publishing{ContentType: translate.ContentTypeText, Body: []byte("ok")})

		assert.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return b.Unacked("orders") == 0 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, b.Ready("orders"))
	})

	t.Run("transacted consumers commit acknowledgements", func(t *testing.T) {
		b := brokertest.New("amqp://a")
		b.DeclareQueue("orders")
		c, err := broker.NewConsumer(startedConnection(t, b), broker.Queue("orders"), broker.WithAckMode(broker.AckTransacted))
		require.NoError(t, err)
		assert.True(t, c.Transacted())

		got := &collected{}
		runConsumer(t, c, func(_ context.Context, env *envelope.Envelope) error {
			if got.add(env) == 1 {
				return errors.New("rollback please")
			}
			return nil
		})

		b.Enqueue("orders", amqp.Publishing{ContentType: translate.ContentTypeText, Body: []byte("x")})

		assert.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return b.Unacked("orders") == 0 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, b.Ready("orders"))
	})

	t.Run("temporary queues are server named and exclusive", func(t *testing.T) {
		b := brokertest.New("amqp://a")
		c, err := broker.NewConsumer(startedConnection(t, b), broker.Temporary())
		require.NoError(t, err)

		sub, err := c.Open(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, sub.Queue())
		assert.True(t, b.HasQueue(sub.Queue()))

		require.NoError(t, sub.Close())
		assert.False(t, b.HasQueue(sub.Queue()))
	})

	t.Run("durable subscriptions survive the subscriber", func(t *testing.T) {
		b := brokertest.New("amqp://a")
		conn := startedConnection(t, b)
		c, err := broker.NewConsumer(conn, broker.DurableTopic("orders.created", "billing"))
		require.NoError(t, err)

		sub, err := c.Open(ctx)
		require.NoError(t, err)
		assert.Equal(t, "billing", sub.Queue())
		require.NoError(t, sub.Close())

		p, err := broker.NewProducer(conn, broker.Topic("orders.created"))
		require.NoError(t, err)
		require.NoError(t, p.Send(ctx, envelope.NewString("while away")))
		assert.Len(t, b.Ready("billing"), 1)
	})

	t.Run("Receive returns deliveries until the subscription ends", func(t *testing.T) {
		b := brokertest.New("amqp://a")
		b.DeclareQueue("orders")
		c, err := broker.NewConsumer(startedConnection(t, b), broker.Queue("orders"))
		require.NoError(t, err)
		sub, err := c.Open(ctx)
		require.NoError(t, err)

		b.Enqueue("orders", amqp.Publishing{Body: []byte("x")})
		d, err := sub.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), d.Body)
		require.NoError(t, sub.Ack(d))

		b.Sever("gone")
		_, err = sub.Receive(ctx)
		assert.True(t, fault.IsTransport(err))
	})

	t.Run("resubscribes after the connection drops", func(t *testing.T) {
		a := brokertest.New("amqp://a")
		a.DeclareQueue("orders")
		fc := newFailover(t, []*brokertest.Broker{a})
		c, err := broker.NewConsumer(fc, broker.Queue("orders"), broker.WithResubscribeDelay(5*time.Millisecond))
		require.NoError(t, err)

		got := &collected{}
		runConsumer(t, c, func(_ context.Context, env *envelope.Envelope) error {
			got.add(env)
			return nil
		})

		a.Enqueue("orders", amqp.Publishing{Body: []byte("before")})
		assert.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)

		a.Sever("restart")
		a.Enqueue("orders", amqp.Publishing{Body: []byte("after")})

		assert.Eventually(t, func() bool { return got.len() == 2 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, "after", got.at(1).StringPayload())
	})
}
