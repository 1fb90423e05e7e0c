package workflow_test

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
	"github.com/glimte/mmate-relay/workflow"
)

type calls struct {
	mu     sync.Mutex
	at     []time.Time
	ids    []string
	bodies []string
}

func (c *calls) record(env *envelope.Envelope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = append(c.at, time.Now())
	c.ids = append(c.ids, env.ID())
	c.bodies = append(c.bodies, env.StringPayload())
	return len(c.at)
}

func (c *calls) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.at)
}

func setup(t *testing.T, ack broker.AckMode) (*brokertest.Broker, *broker.Connection, *broker.Consumer) {
	t.Helper()
	b := brokertest.New("amqp://a")
	b.DeclareQueue("orders")
	conn := broker.NewConnection(broker.Descriptor{URL: b.URL}, broker.WithDialer(brokertest.Dialer(b)))
	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Close() })

	c, err := broker.NewConsumer(conn, broker.Queue("orders"),
		broker.WithAckMode(ack),
		broker.WithPrefetchCount(1))
	require.NoError(t, err)
	return b, conn, c
}

func start(t *testing.T, w *workflow.Workflow) {
	t.Helper()
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Close() })
}

func text(id, body string) amqp.Publishing {
	return amqp.Publishing{ContentType: translate.ContentTypeText, MessageId: id, Body: []byte(body)}
}

func TestPrepare(t *testing.T) {
	noop := workflow.ProcessorFunc(func(context.Context, *envelope.Envelope) ([]*envelope.Envelope, error) {
		return nil, nil
	})

	t.Run("strict mode rejects a non transacted consumer", func(t *testing.T) {
		_, _, c := setup(t, broker.AckClient)
		w, err := workflow.New("orders", c, noop)
		require.NoError(t, err)

		err = w.Prepare()
		assert.True(t, fault.IsConfiguration(err))
		assert.ErrorIs(t, err, fault.ErrNotTransacted)
		assert.ErrorIs(t, w.Start(context.Background()), fault.ErrNotTransacted)
	})

	t.Run("strict mode rejects a non transacted forward producer", func(t *testing.T) {
		_, conn, c := setup(t, broker.AckTransacted)
		p, err := broker.NewProducer(conn, broker.Queue("shipments"))
		require.NoError(t, err)
		w, err := workflow.New("orders", c, noop, workflow.WithForward(p))
		require.NoError(t, err)

		err = w.Prepare()
		assert.ErrorIs(t, err, fault.ErrNotTransacted)
		assert.ErrorContains(t, err, "shipments")
	})

	t.Run("relaxed mode accepts anything with a processor", func(t *testing.T) {
		_, conn, c := setup(t, broker.AckClient)
		p, err := broker.NewProducer(conn, broker.Queue("shipments"))
		require.NoError(t, err)
		w, err := workflow.New("orders", c, noop, workflow.WithForward(p), workflow.WithStrict(false))
		require.NoError(t, err)
		assert.NoError(t, w.Prepare())
	})

	t.Run("transacted consumers prefetch one message by default", func(t *testing.T) {
		_, conn, _ := setup(t, broker.AckTransacted)
		c, err := broker.NewConsumer(conn, broker.Queue("orders"), broker.WithAckMode(broker.AckTransacted))
		require.NoError(t, err)
		w, err := workflow.New("orders", c, noop)
		require.NoError(t, err)
		assert.NoError(t, w.Prepare())
	})

	t.Run("strict mode rejects a consumer prefetching several messages", func(t *testing.T) {
		_, conn, _ := setup(t, broker.AckTransacted)
		c, err := broker.NewConsumer(conn, broker.Queue("orders"),
			broker.WithAckMode(broker.AckTransacted),
			broker.WithPrefetchCount(10))
		require.NoError(t, err)

		w, err := workflow.New("orders", c, noop)
		require.NoError(t, err)
		err = w.Prepare()
		assert.True(t, fault.IsConfiguration(err))
		assert.ErrorContains(t, err, "prefetch exactly 1")

		relaxed, err := workflow.New("orders", c, noop, workflow.WithStrict(false))
		require.NoError(t, err)
		assert.NoError(t, relaxed.Prepare())
	})

	t.Run("a processor and a non negative wait are required", func(t *testing.T) {
		_, _, c := setup(t, broker.AckTransacted)
		w, err := workflow.New("orders", c, nil, workflow.WithRollbackWait(-time.Second))
		require.NoError(t, err)

		err = w.Prepare()
		assert.True(t, fault.IsConfiguration(err))
		assert.ErrorContains(t, err, "no processor")
		assert.ErrorContains(t, err, "negative rollback wait")
	})
}

func TestWorkflow(t *testing.T) {
	t.Run("commits successful processing", func(t *testing.T) {
		b, _, c := setup(t, broker.AckTransacted)
		got := &calls{}
		w, err := workflow.New("orders", c, workflow.ProcessorFunc(
			func(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
				got.record(env)
				return nil, nil
			}))
		require.NoError(t, err)
		start(t, w)

		b.Enqueue("orders", text("m-1", "one"))
		b.Enqueue("orders", text("m-2", "two"))

		assert.Eventually(t, func() bool { return w.Stats().Processed == 2 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return b.Unacked("orders") == 0 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, b.Ready("orders"))
		assert.Zero(t, w.Stats().Rollbacks)
		assert.Equal(t, []string{"one", "two"}, got.bodies)
	})

	t.Run("waits after a rollback and receives the message again", func(t *testing.T) {
		b, _, c := setup(t, broker.AckTransacted)
		wait := 100 * time.Millisecond
		got := &calls{}
		w, err := workflow.New("orders", c, workflow.ProcessorFunc(
			func(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
				if got.record(env) == 1 {
					return nil, errors.New("database unavailable")
				}
				return nil, nil
			}), workflow.WithRollbackWait(wait))
		require.NoError(t, err)
		start(t, w)

		b.Enqueue("orders", text("m-1", "payload"))

		assert.Eventually(t, func() bool { return w.Stats().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
		require.Equal(t, 2, got.len())
		assert.GreaterOrEqual(t, got.at[1].Sub(got.at[0]), wait)
		assert.Equal(t, []string{"m-1", "m-1"}, got.ids)

		stats := w.Stats()
		assert.Equal(t, int64(1), stats.Rollbacks)
		assert.Empty(t, stats.Redeliveries)
		var failure *fault.ProcessingFailure
		require.ErrorAs(t, stats.LastError, &failure)
		assert.Equal(t, "m-1", failure.MessageID)
		assert.Equal(t, int64(1), failure.Attempt)

		assert.Eventually(t, func() bool { return b.Unacked("orders") == 0 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, b.Ready("orders"))
	})

	t.Run("forwards results in the consuming transaction", func(t *testing.T) {
		b, conn, c := setup(t, broker.AckTransacted)
		b.DeclareQueue("shipments")
		p, err := broker.NewProducer(conn, broker.Queue("shipments"), broker.WithDelivery(broker.Transacted))
		require.NoError(t, err)

		got := &calls{}
		w, err := workflow.New("orders", c, workflow.ProcessorFunc(
			func(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
				out := []*envelope.Envelope{envelope.NewString("ship " + env.StringPayload())}
				if got.record(env) == 1 {
					return out, errors.New("half done")
				}
				return out, nil
			}), workflow.WithForward(p), workflow.WithRollbackWait(10*time.Millisecond))
		require.NoError(t, err)
		start(t, w)

		b.Enqueue("orders", text("m-1", "42"))

		assert.Eventually(t, func() bool { return w.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
		shipped := b.Ready("shipments")
		require.Len(t, shipped, 1)
		assert.Equal(t, "ship 42", string(shipped[0].Body))
	})

	t.Run("untranslatable messages are rolled back, not dropped", func(t *testing.T) {
		b, _, c := setup(t, broker.AckTransacted)
		w, err := workflow.New("orders", c, workflow.ProcessorFunc(
			func(context.Context, *envelope.Envelope) ([]*envelope.Envelope, error) {
				return nil, nil
			}), workflow.WithRollbackWait(time.Hour))
		require.NoError(t, err)
		start(t, w)

		b.Enqueue("orders", amqp.Publishing{ContentType: translate.ContentTypeObject, MessageId: "bad", Body: []byte("{")})

		assert.Eventually(t, func() bool { return w.State() == workflow.StateWaiting }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(1), w.Stats().Rollbacks)
		assert.Equal(t, int64(1), w.Stats().Redeliveries["bad"])
		assert.True(t, fault.IsTranslation(w.Stats().LastError))
	})

	t.Run("Stop interrupts the rollback wait and keeps the message", func(t *testing.T) {
		b, _, c := setup(t, broker.AckTransacted)
		w, err := workflow.New("orders", c, workflow.ProcessorFunc(
			func(context.Context, *envelope.Envelope) ([]*envelope.Envelope, error) {
				panic("processor bug")
			}), workflow.WithRollbackWait(time.Hour))
		require.NoError(t, err)
		require.NoError(t, w.Start(context.Background()))

		b.Enqueue("orders", text("m-1", "x"))
		assert.Eventually(t, func() bool { return w.State() == workflow.StateWaiting }, time.Second, 5*time.Millisecond)
		assert.ErrorContains(t, w.Stats().LastError, "processor bug")

		stopped := make(chan struct{})
		go func() {
			w.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("Stop did not interrupt the wait")
		}
		assert.Equal(t, workflow.StateIdle, w.State())
		assert.Len(t, b.Ready("orders"), 1)

		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		assert.Error(t, w.Start(context.Background()))
	})

	t.Run("relaxed mode settles without transactions", func(t *testing.T) {
		b, _, c := setup(t, broker.AckClient)
		w, err := workflow.New("orders", c, workflow.ProcessorFunc(
			func(context.Context, *envelope.Envelope) ([]*envelope.Envelope, error) {
				return nil, nil
			}), workflow.WithStrict(false))
		require.NoError(t, err)
		start(t, w)

		b.Enqueue("orders", text("m-1", "x"))
		assert.Eventually(t, func() bool { return w.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return b.Unacked("orders") == 0 }, time.Second, 5*time.Millisecond)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", workflow.StateIdle.String())
	assert.Equal(t, "rolling back", workflow.StateRollingBack.String())
	assert.Equal(t, "waiting", workflow.StateWaiting.String())
	assert.Equal(t, "unknown", workflow.State(42).String())
}
