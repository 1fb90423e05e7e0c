package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
	"github.com/glimte/mmate-relay/session"
	"github.com/glimte/mmate-relay/translate"
)

// DeliveryMode selects the delivery guarantee of a producer
type DeliveryMode string

const (
	NonPersistent DeliveryMode = "non-persistent"
	Persistent    DeliveryMode = "persistent"
	Transacted    DeliveryMode = "transacted"
)

// Producer sends envelopes to one destination. It caches a session and asks its
// lifecycle policy before every send whether the session must be rebuilt. Sends are
// serialised because they share one lease.
type Producer struct {
	target      Target
	destination Destination
	translator  translate.Translator
	policy      session.Policy
	delivery    DeliveryMode
	priority    uint8
	ttl         time.Duration
	perMessage  bool
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	session *Session
	lease   session.Lease
	closed  bool
}

// ProducerOption configures a Producer
type ProducerOption func(*Producer)

// WithPolicy sets the session lifecycle policy
func WithPolicy(policy session.Policy) ProducerOption {
	return func(p *Producer) {
		p.policy = policy
	}
}

// WithTranslator sets the envelope translator
func WithTranslator(translator translate.Translator) ProducerOption {
	return func(p *Producer) {
		p.translator = translator
	}
}

// WithDelivery sets the delivery mode
func WithDelivery(mode DeliveryMode) ProducerOption {
	return func(p *Producer) {
		p.delivery = mode
	}
}

// WithPriority sets the default priority (0-9)
func WithPriority(priority uint8) ProducerOption {
	return func(p *Producer) {
		p.priority = priority
	}
}

// WithTTL sets the default message time-to-live; zero means no expiry
func WithTTL(ttl time.Duration) ProducerOption {
	return func(p *Producer) {
		p.ttl = ttl
	}
}

// WithPerMessageProperties lets reserved metadata override priority, time-to-live,
// delivery mode and correlation id per envelope
func WithPerMessageProperties(enabled bool) ProducerOption {
	return func(p *Producer) {
		p.perMessage = enabled
	}
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// NewProducer creates a producer sending to destination through target
func NewProducer(target Target, destination Destination, options ...ProducerOption) (*Producer, error) {
	if err := destination.Validate(); err != nil {
		return nil, &fault.ConfigurationError{Component: "producer", Err: err}
	}
	if destination.kind() == KindTemporary && destination.Name == "" {
		return nil, &fault.ConfigurationError{
			Component: "producer",
			Err:       fmt.Errorf("%w: temporary queue name required", ErrInvalidDestination),
		}
	}

	p := &Producer{
		target:      target,
		destination: destination,
		policy:      session.Default{},
		delivery:    Persistent,
		logger:      slog.Default(),
		now:         time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	if p.translator == nil {
		tr, err := translate.New(translate.Config{Kind: translate.KindText}, translate.WithLogger(p.logger))
		if err != nil {
			return nil, err
		}
		p.translator = tr
	}
	if p.priority > 9 {
		return nil, &fault.ConfigurationError{Component: "producer", Err: fmt.Errorf("priority %d out of range 0-9", p.priority)}
	}

	return p, nil
}

// Destination returns where the producer sends
func (p *Producer) Destination() Destination {
	return p.destination
}

// Transacted reports whether every send is committed in a transaction
func (p *Producer) Transacted() bool {
	return p.delivery == Transacted
}

// Lease returns a snapshot of the session lease
func (p *Producer) Lease() session.Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lease
}

// Send translates env and publishes it, rebuilding the session first when the policy
// requires it. A publish failure discards the session and reports the connection
// failed.
func (p *Producer) Send(ctx context.Context, env *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProducerClosed
	}

	if p.session != nil && p.stale(p.session) {
		p.logger.Debug("session left behind by failover",
			"destination", p.destination.String(),
			"url", p.session.Connection().Descriptor().Sanitized())
		p.session.discard()
		p.session = nil
	}

	if p.session != nil && p.policy.NewSessionRequired(&p.lease, env) {
		p.logger.Debug("session invalidated by policy",
			"destination", p.destination.String(),
			"sendCount", p.lease.SendCount,
			"bytes", p.lease.Bytes)
		p.session.discard()
		p.session = nil
	}

	if p.session == nil {
		s, err := p.target.Session(ctx, p.delivery == Transacted)
		if err != nil {
			return err
		}
		p.session = s
		p.lease.Reset(p.now())
	}

	msg, err := p.publishing(env)
	if err != nil {
		return err
	}

	if err := p.publish(ctx, p.session, msg, p.delivery == Transacted); err != nil {
		s := p.session
		s.discard()
		p.session = nil
		if fault.IsTransport(err) && ctx.Err() == nil {
			s.Fail(err)
		}
		return err
	}

	p.lease.Record(int64(len(msg.Body)), p.now())
	return nil
}

// stale reports whether s belongs to a candidate the target has moved away from or to
// a broker link that has since been torn down
func (p *Producer) stale(s *Session) bool {
	return s.Connection() != p.target.Current() || !s.Live()
}

// PublishIn sends env within a session owned by the caller, typically a transacted
// workflow session. The caller commits.
func (p *Producer) PublishIn(ctx context.Context, s *Session, env *envelope.Envelope) error {
	msg, err := p.publishing(env)
	if err != nil {
		return err
	}
	return p.publish(ctx, s, msg, false)
}

func (p *Producer) publishing(env *envelope.Envelope) (amqp.Publishing, error) {
	msg, err := p.translator.ToPublishing(env)
	if err != nil {
		return msg, err
	}
	p.applyDefaults(&msg)
	if p.perMessage {
		p.applyOverrides(&msg, env)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}
	return msg, nil
}

// applyDefaults fills properties the translator left unset with the static defaults
func (p *Producer) applyDefaults(msg *amqp.Publishing) {
	if msg.DeliveryMode == 0 {
		if p.delivery == NonPersistent {
			msg.DeliveryMode = amqp.Transient
		} else {
			msg.DeliveryMode = amqp.Persistent
		}
	}
	if msg.Priority == 0 {
		msg.Priority = p.priority
	}
	if msg.Expiration == "" && p.ttl > 0 {
		msg.Expiration = strconv.FormatInt(p.ttl.Milliseconds(), 10)
	}
}

// applyOverrides takes priority, ttl, delivery mode and correlation id from reserved
// metadata. Absent or unparseable values keep the default.
func (p *Producer) applyOverrides(msg *amqp.Publishing, env *envelope.Envelope) {
	md := env.Metadata()
	if v, ok := md.Get(translate.MetadataPriority); ok {
		if prio, ok := translate.ParsePriority(v); ok {
			msg.Priority = prio
		}
	}
	if v, ok := md.Get(translate.MetadataExpiration); ok {
		if ttl, ok := translate.ParseTTL(v); ok {
			msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
		}
	}
	if v, ok := md.Get(translate.MetadataDeliveryMode); ok {
		if mode, ok := translate.ParseDeliveryMode(v); ok {
			msg.DeliveryMode = mode
		}
	}
	if v, ok := md.Get(translate.MetadataCorrelationID); ok && v != "" {
		msg.CorrelationId = v
	}
}

func (p *Producer) publish(ctx context.Context, s *Session, msg amqp.Publishing, commit bool) error {
	exchange, key := p.destination.route()
	if err := s.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return s.transportError("publish to "+p.destination.String(), err)
	}
	if commit {
		if err := s.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close discards the cached session. Closing twice is a no-op.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.session != nil {
		p.session.discard()
		p.session = nil
	}
	return nil
}
