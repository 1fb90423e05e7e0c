package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

// DefaultCheckInterval replaces check intervals that are not positive
const DefaultCheckInterval = 5000 * time.Millisecond

// ResolveInterval converts a configured interval in milliseconds, replacing values that
// are not positive with DefaultCheckInterval
func ResolveInterval(ms int64) time.Duration {
	if ms <= 0 {
		return DefaultCheckInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// ProbeState is a snapshot of a probe
type ProbeState struct {
	Interval          time.Duration
	Failures          int64
	LastSuccess       time.Time
	AdditionalLogging bool
	// LastError is the last panic recovered from a check
	LastError error
	// LastCheckError is the error of the most recent check, nil after a success
	LastCheckError error
	LastFailure    time.Time
}

// Probe checks a connection in the background by round-tripping a throwaway message
// through a temporary queue. After MaxFailures consecutive failures it reports the
// connection failed, which drives failover.
type Probe struct {
	target      Target
	interval    time.Duration
	timeout     time.Duration
	maxFailures int64
	logger      *slog.Logger
	failCounter metric.Int64Counter

	failures          *atomic.Int64
	lastSuccess       *atomic.Time
	lastError         *atomic.Error
	lastCheckError    *atomic.Error
	lastFailure       *atomic.Time
	additionalLogging *atomic.Bool

	// guarded by mu: the probe session lives across ticks
	mu        sync.Mutex
	session   *Session
	queue     string
	confirms  chan amqp.Confirmation
	published uint64
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

// ProbeOption configures a Probe
type ProbeOption func(*Probe)

// WithCheckInterval sets the interval in milliseconds; values that are not positive
// select DefaultCheckInterval
func WithCheckInterval(ms int64) ProbeOption {
	return func(p *Probe) {
		p.interval = ResolveInterval(ms)
	}
}

// WithProbeTimeout bounds how long a probe waits for the broker's acknowledgement
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(p *Probe) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithMaxFailures sets the consecutive failures that trigger a failure report
func WithMaxFailures(n int) ProbeOption {
	return func(p *Probe) {
		if n > 0 {
			p.maxFailures = int64(n)
		}
	}
}

// WithAdditionalLogging logs every successful check
func WithAdditionalLogging(enabled bool) ProbeOption {
	return func(p *Probe) {
		p.additionalLogging.Store(enabled)
	}
}

// WithProbeLogger sets the logger
func WithProbeLogger(logger *slog.Logger) ProbeOption {
	return func(p *Probe) {
		p.logger = logger
	}
}

// NewProbe creates a probe watching target
func NewProbe(target Target, options ...ProbeOption) (*Probe, error) {
	p := &Probe{
		target:            target,
		interval:          DefaultCheckInterval,
		timeout:           5 * time.Second,
		maxFailures:       1,
		logger:            slog.Default(),
		failures:          atomic.NewInt64(0),
		lastSuccess:       atomic.NewTime(time.Time{}),
		lastError:         atomic.NewError(nil),
		lastCheckError:    atomic.NewError(nil),
		lastFailure:       atomic.NewTime(time.Time{}),
		additionalLogging: atomic.NewBool(false),
	}

	for _, opt := range options {
		opt(p)
	}

	counter, err := otel.Meter(meterName).Int64Counter("relay.probe.failures",
		metric.WithDescription("Number of failed connection probes"))
	if err != nil {
		return nil, fmt.Errorf("failed to create probe metric: %w", err)
	}
	p.failCounter = counter

	return p, nil
}

// Interval returns the resolved check interval
func (p *Probe) Interval() time.Duration {
	return p.interval
}

// LastError returns the last error that escaped a check
func (p *Probe) LastError() error {
	return p.lastError.Load()
}

// SetAdditionalLogging toggles logging of successful checks
func (p *Probe) SetAdditionalLogging(enabled bool) {
	p.additionalLogging.Store(enabled)
}

// State returns a snapshot of the probe
func (p *Probe) State() ProbeState {
	return ProbeState{
		Interval:          p.interval,
		Failures:          p.failures.Load(),
		LastSuccess:       p.lastSuccess.Load(),
		AdditionalLogging: p.additionalLogging.Load(),
		LastError:         p.lastError.Load(),
		LastCheckError:    p.lastCheckError.Load(),
		LastFailure:       p.lastFailure.Load(),
	}
}

// MaxFailures returns the failure threshold
func (p *Probe) MaxFailures() int64 {
	return p.maxFailures
}

// AllowedInConjunctionWith reports whether both probes may run together. Probes on
// byte-identical descriptors and credentials would hammer the same broker.
func (p *Probe) AllowedInConjunctionWith(other *Probe) bool {
	return !overlapping(p.target.Descriptors(), other.target.Descriptors())
}

// Start runs the probe on its own goroutine until Stop
func (p *Probe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrConnectionClosed
	}
	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)

	p.logger.Info("connection probe started",
		"interval", p.interval,
		"maxFailures", p.maxFailures)
	return nil
}

func (p *Probe) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check runs one probe cycle and returns the round trip error, if any. Panics are
// recovered, kept as the last error and returned.
func (p *Probe) Check(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
			p.lastError.Store(err)
			p.logger.Error("recovered from probe panic", "error", err)
		}
	}()

	conn := p.target.Current()
	if cerr := p.check(ctx, conn); cerr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.fail(conn, cerr)
		return cerr
	}

	p.failures.Store(0)
	p.lastCheckError.Store(nil)
	p.lastSuccess.Store(time.Now())
	if p.additionalLogging.Load() {
		p.logger.Info("connection probe succeeded", "url", conn.Descriptor().Sanitized())
	}
	return nil
}

func (p *Probe) check(ctx context.Context, conn *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn.State() != StateStarted || conn.Broken() {
		if err := conn.Start(ctx); err != nil {
			return err
		}
	}
	if err := p.ensureQueueLocked(ctx, conn); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Transient,
		Expiration:   strconv.FormatInt(p.interval.Milliseconds(), 10),
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		Body:         []byte("probe"),
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.session.PublishWithContext(pubCtx, "", p.queue, false, false, msg); err != nil {
		p.discardLocked()
		return conn.transportError("probe publish", err)
	}
	p.published++

	if err := p.awaitConfirmLocked(pubCtx, conn); err != nil {
		p.discardLocked()
		return err
	}

	if _, _, err := p.session.Get(p.queue, true); err != nil {
		p.discardLocked()
		return conn.transportError("probe drain", err)
	}
	return nil
}

// ensureQueueLocked opens the probe session and its temporary queue once per connection
func (p *Probe) ensureQueueLocked(ctx context.Context, conn *Connection) error {
	if p.session != nil && p.session.Connection() == conn && p.session.Live() {
		return nil
	}
	p.discardLocked()

	s, err := conn.Session(ctx, false)
	if err != nil {
		return err
	}
	if err := s.Confirm(false); err != nil {
		s.discard()
		return conn.transportError("probe confirm mode", err)
	}
	confirms := s.NotifyPublish(make(chan amqp.Confirmation, 8))

	q, err := s.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		s.discard()
		return conn.transportError("declare probe queue", err)
	}

	p.session = s
	p.queue = q.Name
	p.confirms = confirms
	p.published = 0
	p.logger.Debug("probe queue declared", "queue", q.Name, "url", conn.Descriptor().Sanitized())
	return nil
}

func (p *Probe) awaitConfirmLocked(ctx context.Context, conn *Connection) error {
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return conn.transportError("probe confirm", ErrSessionClosed)
			}
			if c.DeliveryTag < p.published {
				continue // late confirm of an earlier probe
			}
			if !c.Ack {
				return conn.transportError("probe confirm", ErrPublishNotConfirmed)
			}
			return nil
		case <-ctx.Done():
			return conn.transportError("probe confirm", ErrProbeTimeout)
		}
	}
}

func (p *Probe) fail(conn *Connection, err error) {
	p.lastCheckError.Store(err)
	p.lastFailure.Store(time.Now())
	n := p.failures.Inc()
	p.failCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("url", conn.Descriptor().Sanitized())))
	p.logger.Warn("connection probe failed",
		"url", conn.Descriptor().Sanitized(),
		"failures", n,
		"maxFailures", p.maxFailures,
		"error", err)

	if n >= p.maxFailures {
		p.failures.Store(0)
		conn.ReportFailure(err)
	}
}

// discardLocked drops the probe session and deletes its queue, best-effort
func (p *Probe) discardLocked() {
	if p.session == nil {
		return
	}
	if p.queue != "" {
		if _, err := p.session.QueueDelete(p.queue, false, false, false); err != nil {
			p.logger.Debug("ignoring probe queue delete error", "queue", p.queue, "error", err)
		}
	}
	p.session.discard()
	p.session = nil
	p.queue = ""
	p.confirms = nil
}

// Stop interrupts the probe and deletes its temporary queue
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	p.mu.Lock()
	p.discardLocked()
	p.mu.Unlock()
}

// Close stops the probe for good. Closing twice is a no-op.
func (p *Probe) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
