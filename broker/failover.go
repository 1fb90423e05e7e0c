package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/mmate-relay/fault"
)

const meterName = "github.com/glimte/mmate-relay/broker"

// FailoverConnection holds an ordered list of candidate connections and switches to the
// next one, round robin, whenever the current candidate fails. Exactly one candidate is
// current at any time.
type FailoverConnection struct {
	candidates    []*Connection
	registerOwner bool
	maxAttempts   uint64
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	logger        *slog.Logger
	switches      metric.Int64Counter

	mu       sync.Mutex
	current  int
	attempts int
}

// FailoverOption configures a FailoverConnection
type FailoverOption func(*FailoverConnection)

// WithRegisterOwner makes the failover connection install itself as exception listener
// on the current candidate. Disable it when an embedding component owns listener
// registration.
func WithRegisterOwner(register bool) FailoverOption {
	return func(f *FailoverConnection) {
		f.registerOwner = register
	}
}

// WithMaxAttempts bounds Connect; 0 retries forever
func WithMaxAttempts(attempts uint64) FailoverOption {
	return func(f *FailoverConnection) {
		f.maxAttempts = attempts
	}
}

// WithBackoff sets the Fibonacci base and cap used between connect attempts
func WithBackoff(base, max time.Duration) FailoverOption {
	return func(f *FailoverConnection) {
		f.baseBackoff = base
		f.maxBackoff = max
	}
}

// WithFailoverLogger sets the logger
func WithFailoverLogger(logger *slog.Logger) FailoverOption {
	return func(f *FailoverConnection) {
		f.logger = logger
	}
}

// NewFailoverConnection creates a failover connection over candidates. The first
// candidate starts as current.
func NewFailoverConnection(candidates []*Connection, options ...FailoverOption) (*FailoverConnection, error) {
	if len(candidates) == 0 {
		return nil, &fault.ConfigurationError{Component: "failover connection", Err: ErrNoCandidates}
	}

	f := &FailoverConnection{
		candidates:    append([]*Connection(nil), candidates...),
		registerOwner: true,
		baseBackoff:   200 * time.Millisecond,
		maxBackoff:    30 * time.Second,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	switches, err := otel.Meter(meterName).Int64Counter("relay.failover.switches",
		metric.WithDescription("Number of switches to another candidate connection"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failover metric: %w", err)
	}
	f.switches = switches

	if f.registerOwner {
		f.candidates[0].AddExceptionListener(f)
	}

	return f, nil
}

// Candidates returns the candidate list in order
func (f *FailoverConnection) Candidates() []*Connection {
	return append([]*Connection(nil), f.candidates...)
}

// Descriptors returns the descriptors of every candidate
func (f *FailoverConnection) Descriptors() []Descriptor {
	return lo.Map(f.candidates, func(c *Connection, _ int) Descriptor {
		return c.Descriptor()
	})
}

// Current returns the active candidate
func (f *FailoverConnection) Current() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates[f.current]
}

// Attempts returns the number of failed connect attempts on the current candidate
func (f *FailoverConnection) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// OnException switches away from a failed candidate
func (f *FailoverConnection) OnException(conn *Connection, err error) {
	f.logger.Warn("candidate connection failed",
		"url", conn.Descriptor().Sanitized(),
		"error", err)
	f.MarkFailed(conn)
}

// MarkFailed advances to the next candidate if conn is still current. Reports about a
// candidate that is no longer current are ignored, so concurrent failures of one
// connection switch only once.
func (f *FailoverConnection) MarkFailed(conn *Connection) {
	f.mu.Lock()
	failed := f.candidates[f.current]
	if conn != failed {
		f.mu.Unlock()
		f.logger.Debug("ignoring stale failure report", "url", conn.Descriptor().Sanitized())
		return
	}

	f.current = (f.current + 1) % len(f.candidates)
	f.attempts = 0
	next := f.candidates[f.current]
	if f.registerOwner && next != failed {
		failed.RemoveExceptionListener(f)
		next.AddExceptionListener(f)
	}
	f.mu.Unlock()

	f.switches.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("from", failed.Descriptor().Sanitized())))
	f.logger.Info("switched candidate connection",
		"from", failed.Descriptor().Sanitized(),
		"to", next.Descriptor().Sanitized())

	failed.Stop()
}

// Connect starts the current candidate, moving through the candidates with a capped
// Fibonacci backoff until one connects or the attempt budget is spent
func (f *FailoverConnection) Connect(ctx context.Context) error {
	b := retry.NewFibonacci(f.baseBackoff)
	b = retry.WithCappedDuration(f.maxBackoff, b)
	if f.maxAttempts > 0 {
		b = retry.WithMaxRetries(f.maxAttempts-1, b)
	}

	return retry.Do(ctx, b, func(ctx context.Context) error {
		conn := f.Current()
		if conn.State() == StateStarted && !conn.Broken() {
			return nil
		}
		if err := conn.Start(ctx); err != nil {
			f.mu.Lock()
			f.attempts++
			attempts := f.attempts
			f.mu.Unlock()

			f.logger.Warn("connect attempt failed",
				"url", conn.Descriptor().Sanitized(),
				"attempt", attempts,
				"error", err)
			f.MarkFailed(conn)
			if fault.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// Session opens a session on the current candidate, connecting lazily. A transport
// failure marks the candidate failed.
func (f *FailoverConnection) Session(ctx context.Context, transacted bool) (*Session, error) {
	if err := f.Connect(ctx); err != nil {
		return nil, err
	}
	conn := f.Current()
	s, err := conn.Session(ctx, transacted)
	if err != nil {
		if fault.IsTransport(err) {
			conn.ReportFailure(err)
			f.MarkFailed(conn)
		}
		return nil, err
	}
	return s, nil
}

// AllowedInConjunctionWith reports whether other may run alongside this connection.
// Any shared broker endpoint means both would watch the same broker.
func (f *FailoverConnection) AllowedInConjunctionWith(other Descriptors) bool {
	return !overlapping(f.Descriptors(), other.Descriptors())
}

// Init dials the current candidate
func (f *FailoverConnection) Init(ctx context.Context) error {
	return f.Connect(ctx)
}

// Start connects the current candidate
func (f *FailoverConnection) Start(ctx context.Context) error {
	return f.Connect(ctx)
}

// Stop stops every candidate
func (f *FailoverConnection) Stop() {
	for _, c := range f.candidates {
		c.Stop()
	}
}

// Close closes every candidate, best-effort
func (f *FailoverConnection) Close() error {
	for _, c := range f.candidates {
		if err := c.Close(); err != nil {
			f.logger.Debug("ignoring candidate close error",
				"url", c.Descriptor().Sanitized(),
				"error", err)
		}
	}
	return nil
}
