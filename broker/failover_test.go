package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/fault"
	"github.com/glimte/mmate-relay/internal/brokertest"
)

func newFailover(t *testing.T, brokers []*brokertest.Broker, opts ...broker.FailoverOption) *broker.FailoverConnection {
	t.Helper()
	dialer := brokertest.Dialer(brokers...)
	candidates := make([]*broker.Connection, 0, len(brokers))
	for _, b := range brokers {
		candidates = append(candidates, broker.NewConnection(broker.Descriptor{URL: b.URL}, broker.WithDialer(dialer)))
	}
	opts = append([]broker.FailoverOption{broker.WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	fc, err := broker.NewFailoverConnection(candidates, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })
	return fc
}

func TestFailoverConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("requires at least one candidate", func(t *testing.T) {
		_, err := broker.NewFailoverConnection(nil)
		assert.True(t, fault.IsConfiguration(err))
		assert.ErrorIs(t, err, broker.ErrNoCandidates)
	})

	t.Run("first candidate starts as current", func(t *testing.T) {
		a, b := brokertest.New("amqp://a"), brokertest.New("amqp://b")
		fc := newFailover(t, []*brokertest.Broker{a, b})
		assert.Equal(t, "amqp://a", fc.Current().Descriptor().URL)
		assert.Len(t, fc.Descriptors(), 2)
	})

	t.Run("MarkFailed advances round robin", func(t *testing.T) {
		a, b, c := brokertest.New("amqp://a"), brokertest.New("amqp://b"), brokertest.New("amqp://c")
		fc := newFailover(t, []*brokertest.Broker{a, b, c})

		for _, want := range []string{"amqp://b", "amqp://c", "amqp://a"} {
			fc.MarkFailed(fc.Current())
			assert.Equal(t, want, fc.Current().Descriptor().URL)
		}
	})

	t.Run("stale failure reports are ignored", func(t *testing.T) {
		a, b, c := brokertest.New("amqp://a"), brokertest.New("amqp://b"), brokertest.New("amqp://c")
		fc := newFailover(t, []*brokertest.Broker{a, b, c})

		failed := fc.Current()
		fc.MarkFailed(failed)
		fc.MarkFailed(failed)
		assert.Equal(t, "amqp://b", fc.Current().Descriptor().URL)
	})

	t.Run("concurrent failures of one candidate switch once", func(t *testing.T) {
		a, b, c := brokertest.New("amqp://a"), brokertest.New("amqp://b"), brokertest.New("amqp://c")
		fc := newFailover(t, []*brokertest.Broker{a, b, c})

		failed := fc.Current()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fc.MarkFailed(failed)
			}()
		}
		wg.Wait()
		assert.Equal(t, "amqp://b", fc.Current().Descriptor().URL)
	})

	t.Run("listener follows the current candidate when registering itself", func(t *testing.T) {
		a, b := brokertest.New("amqp://a"), brokertest.New("amqp://b")
		fc := newFailover(t, []*brokertest.Broker{a, b})
		first := fc.Current()
		assert.True(t, first.HasExceptionListener(fc))

		fc.MarkFailed(first)
		assert.False(t, first.HasExceptionListener(fc))
		assert.True(t, fc.Current().HasExceptionListener(fc))
	})

	t.Run("embedded failover connections leave listeners alone", func(t *testing.T) {
		a, b := brokertest.New("amqp://a"), brokertest.New("amqp://b")
		fc := newFailover(t, []*brokertest.Broker{a, b}, broker.WithRegisterOwner(false))
		first := fc.Current()
		assert.False(t, first.HasExceptionListener(fc))

		fc.MarkFailed(first)
		assert.False(t, fc.Current().HasExceptionListener(fc))
	})

	t.Run("Connect skips unreachable candidates", func(t *testing.T) {
		a, b := brokertest.New("amqp://a"), brokertest.New("amqp://b")
		a.FailDials(errors.New("refused"))
		fc := newFailover(t, []*brokertest.Broker{a, b})

		require.NoError(t, fc.Connect(ctx))
		assert.Equal(t, "amqp://b", fc.Current().Descriptor().URL)
		assert.Equal(t, broker.StateStarted, fc.Current().State())
		assert.Equal(t, 0, fc.Attempts())
	})

	t.Run("Connect gives up after max attempts", func(t *testing.T) {
		a, b := brokertest.New("amqp://a"), brokertest.New("amqp://b")
		a.FailDials(errors.New("refused"))
		b.FailDials(errors.New("refused"))
		fc := newFailover(t, []*brokertest.Broker{a, b}, broker.WithMaxAttempts(4))

		err := fc.Connect(ctx)
		assert.True(t, fault.IsTransport(err))
		assert.Equal(t, 2, a.Dials())
		assert.Equal(t, 2, b.Dials())
	})

	t.Run("Connect stops when the context ends", func(t *testing.T) {
		a := brokertest.New("amqp://a")
		a.FailDials(errors.New("refused"))
		fc := newFailover(t, []*brokertest.Broker{a})

		ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		assert.Error(t, fc.Connect(ctx))
	})

	t.Run("broker initiated close switches candidate", func(t *testing.T) {
		a, b := brokertest.New("amqp://a"), brokertest.New("amqp://b")
		fc := newFailover(t, []*brokertest.Broker{a, b})
		require.NoError(t, fc.Connect(ctx))

		a.Sever("node down")

		assert.Eventually(t, func() bool {
			return fc.Current().Descriptor().URL == "amqp://b"
		}, time.Second, 5*time.Millisecond)

		s, err := fc.Session(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "amqp://b", s.Connection().Descriptor().URL)
	})

	t.Run("session failure marks the candidate failed", func(t *testing.T) {
		a, b := brokertest.New("amqp://a"), brokertest.New("amqp://b")
		fc := newFailover(t, []*brokertest.Broker{a, b})
		require.NoError(t, fc.Connect(ctx))

		a.FailChannels(errors.New("channel max reached"))
		_, err := fc.Session(ctx, false)
		assert.True(t, fault.IsTransport(err))
		assert.Equal(t, "amqp://b", fc.Current().Descriptor().URL)
	})

	t.Run("AllowedInConjunctionWith rejects shared endpoints", func(t *testing.T) {
		a, b, c := brokertest.New("amqp://a"), brokertest.New("amqp://b"), brokertest.New("amqp://c")
		fc := newFailover(t, []*brokertest.Broker{a, b})

		assert.False(t, fc.AllowedInConjunctionWith(newConnection(b)))
		assert.True(t, fc.AllowedInConjunctionWith(newConnection(c)))
	})
}
