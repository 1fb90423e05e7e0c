package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
	"github.com/glimte/mmate-relay/translate"
)

// AckMode selects how consumed messages are acknowledged
type AckMode string

const (
	// AckAuto lets the broker consider messages acknowledged on delivery
	AckAuto AckMode = "auto"
	// AckClient acknowledges after the handler succeeds, requeues on failure
	AckClient AckMode = "client"
	// AckTransacted acknowledges within a committed transaction
	AckTransacted AckMode = "transacted"
)

// Handler processes a consumed envelope. A spooled payload file is removed once the
// handler returns.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Consumer receives from one destination
type Consumer struct {
	target      Target
	destination Destination
	translator  translate.Translator
	ack         AckMode
	prefetch    int
	prefetchSet bool
	tag         string
	retryDelay  time.Duration
	logger      *slog.Logger
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithAckMode sets the acknowledgement mode
func WithAckMode(mode AckMode) ConsumerOption {
	return func(c *Consumer) {
		c.ack = mode
	}
}

// WithPrefetchCount sets the prefetch count; zero leaves it unlimited. Transacted
// consumers default to 1, others to 10.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
		c.prefetchSet = true
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

// WithConsumerTranslator sets the envelope translator
func WithConsumerTranslator(translator translate.Translator) ConsumerOption {
	return func(c *Consumer) {
		c.translator = translator
	}
}

// WithResubscribeDelay sets the wait between failed subscription attempts
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer of destination through target
func NewConsumer(target Target, destination Destination, options ...ConsumerOption) (*Consumer, error) {
	if err := destination.Validate(); err != nil {
		return nil, &fault.ConfigurationError{Component: "consumer", Err: err}
	}

	c := &Consumer{
		target:      target,
		destination: destination,
		ack:         AckClient,
		retryDelay:  time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if !c.prefetchSet {
		c.prefetch = 10
		if c.ack == AckTransacted {
			// a rolled back message must be the next one received
			c.prefetch = 1
		}
	}

	switch c.ack {
	case AckAuto, AckClient, AckTransacted:
	default:
		return nil, &fault.ConfigurationError{Component: "consumer", Err: fmt.Errorf("unknown ack mode %q", c.ack)}
	}

	if c.translator == nil {
		tr, err := translate.New(translate.Config{Kind: translate.KindAuto}, translate.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.translator = tr
	}

	return c, nil
}

// Destination returns where the consumer receives from
func (c *Consumer) Destination() Destination {
	return c.destination
}

// Prefetch returns the prefetch count, zero meaning unlimited
func (c *Consumer) Prefetch() int {
	return c.prefetch
}

// Transacted reports whether acknowledgements are transactional
func (c *Consumer) Transacted() bool {
	return c.ack == AckTransacted
}

// Translator returns the consumer's translator
func (c *Consumer) Translator() translate.Translator {
	return c.translator
}

// Subscription is an open consumer on a session
type Subscription struct {
	session    *Session
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger
}

// Open declares what the destination needs and starts consuming. The caller closes the
// subscription.
func (c *Consumer) Open(ctx context.Context) (*Subscription, error) {
	s, err := c.target.Session(ctx, c.ack == AckTransacted)
	if err != nil {
		return nil, err
	}

	if c.prefetch > 0 {
		if err := s.Qos(c.prefetch, 0, false); err != nil {
			s.discard()
			return nil, s.transportError("set qos", err)
		}
	}

	queue, exclusive, err := c.declare(s)
	if err != nil {
		s.discard()
		return nil, err
	}

	tag := c.tag
	if tag == "" {
		tag = "relay-" + uuid.New().String()
	}

	deliveries, err := s.Consume(queue, tag, c.ack == AckAuto, exclusive, false, false, nil)
	if err != nil {
		s.discard()
		return nil, s.transportError("consume "+queue, err)
	}

	c.logger.Info("subscribed",
		"destination", c.destination.String(),
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetch)

	return &Subscription{
		session:    s,
		queue:      queue,
		tag:        tag,
		deliveries: deliveries,
		logger:     c.logger,
	}, nil
}

// declare returns the queue to consume from and whether it is exclusive to the session
func (c *Consumer) declare(s *Session) (string, bool, error) {
	d := c.destination
	switch {
	case d.kind() == KindTemporary:
		q, err := s.QueueDeclare(d.Name, false, true, true, false, nil)
		if err != nil {
			return "", false, s.transportError("declare temporary queue", err)
		}
		return q.Name, true, nil

	case d.Durable():
		q, err := s.QueueDeclare(d.Subscription, true, false, false, false, nil)
		if err != nil {
			return "", false, s.transportError("declare subscription "+d.Subscription, err)
		}
		if err := s.QueueBind(q.Name, d.Name, d.exchange(), false, nil); err != nil {
			return "", false, s.transportError("bind subscription "+d.Subscription, err)
		}
		return q.Name, false, nil

	case d.kind() == KindTopic:
		q, err := s.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return "", false, s.transportError("declare topic queue", err)
		}
		if err := s.QueueBind(q.Name, d.Name, d.exchange(), false, nil); err != nil {
			return "", false, s.transportError("bind topic "+d.Name, err)
		}
		return q.Name, true, nil
	}
	return d.Name, false, nil
}

// Queue returns the queue being consumed, useful as reply-to for temporary queues
func (s *Subscription) Queue() string {
	return s.queue
}

// Session returns the session the subscription runs on
func (s *Subscription) Session() *Session {
	return s.session
}

// Receive waits for the next delivery. It fails with a transport error once the
// subscription has ended.
func (s *Subscription) Receive(ctx context.Context) (amqp.Delivery, error) {
	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return amqp.Delivery{}, s.session.transportError("receive from "+s.queue, ErrNoSubscription)
		}
		return d, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// Ack acknowledges a delivery
func (s *Subscription) Ack(d amqp.Delivery) error {
	if err := s.session.Ack(d.DeliveryTag, false); err != nil {
		return s.session.transportError("ack", err)
	}
	return nil
}

// Nack rejects a delivery, returning it to the queue when requeue is set
func (s *Subscription) Nack(d amqp.Delivery, requeue bool) error {
	if err := s.session.Nack(d.DeliveryTag, false, requeue); err != nil {
		return s.session.transportError("nack", err)
	}
	return nil
}

// Close cancels the consumer and closes the session, best-effort
func (s *Subscription) Close() error {
	if err := s.session.Cancel(s.tag, false); err != nil {
		s.logger.Debug("ignoring consumer cancel error", "consumerTag", s.tag, "error", err)
	}
	s.session.discard()
	return nil
}

// Run consumes until ctx is done, resubscribing whenever the subscription ends, for
// example after a failover
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		sub, err := c.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to subscribe",
				"destination", c.destination.String(),
				"error", err,
				"nextRetryIn", c.retryDelay)
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		err = c.consume(ctx, sub, handler)
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("subscription ended, resubscribing",
			"destination", c.destination.String(),
			"error", err)
	}
}

func (c *Consumer) consume(ctx context.Context, sub *Subscription, handler Handler) error {
	for {
		d, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		if err := c.handle(ctx, sub, d, handler); err != nil {
			return err
		}
	}
}

// handle runs the handler and settles the delivery according to the ack mode. Only
// settlement failures are returned; they end the subscription.
func (c *Consumer) handle(ctx context.Context, sub *Subscription, d amqp.Delivery, handler Handler) error {
	env, err := c.translator.ToEnvelope(d)
	if err != nil {
		c.logger.Error("failed to translate message",
			"error", err,
			"queue", sub.queue,
			"messageId", d.MessageId)
		if c.ack == AckAuto {
			return nil
		}
		// translation failures are not retried
		if err := sub.Nack(d, false); err != nil {
			return err
		}
		if c.ack == AckTransacted {
			return sub.session.Commit()
		}
		return nil
	}

	herr := handler(ctx, env)
	c.release(env)
	if herr != nil {
		c.logger.Error("failed to handle message",
			"error", herr,
			"queue", sub.queue,
			"messageId", env.ID())
	}

	switch c.ack {
	case AckClient:
		if herr != nil {
			return sub.Nack(d, true)
		}
		return sub.Ack(d)

	case AckTransacted:
		if herr != nil {
			if err := sub.session.Rollback(); err != nil {
				return err
			}
			if err := sub.Nack(d, true); err != nil {
				return err
			}
			return sub.session.Commit()
		}
		if err := sub.Ack(d); err != nil {
			return err
		}
		return sub.session.Commit()
	}
	return nil
}

// release drops a spooled payload once the handler is done with it
func (c *Consumer) release(env *envelope.Envelope) {
	if err := env.Release(); err != nil {
		c.logger.Warn("failed to remove spooled payload", "messageId", env.ID(), "error", err)
	}
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
