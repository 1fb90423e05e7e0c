package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
	"github.com/glimte/mmate-relay/translate"
)

// Processor handles a consumed envelope and returns the envelopes to forward, if any.
// Forwarding happens before a spooled payload of the consumed envelope is removed.
type Processor interface {
	Process(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error)

func (f ProcessorFunc) Process(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	return f(ctx, env)
}

// Source is the consumer a workflow receives from. *broker.Consumer satisfies it.
type Source interface {
	Open(ctx context.Context) (*broker.Subscription, error)
	Transacted() bool
	Prefetch() int
	Translator() translate.Translator
	Destination() broker.Destination
}

// Sink forwards processing results within the workflow's session. *broker.Producer
// satisfies it.
type Sink interface {
	PublishIn(ctx context.Context, s *broker.Session, env *envelope.Envelope) error
	Transacted() bool
	Destination() broker.Destination
}

// Stats summarises what a workflow has done
type Stats struct {
	Processed int64
	Rollbacks int64
	// Redeliveries counts failed attempts per message id still awaiting success
	Redeliveries map[string]int64
	LastError    error
}

// Workflow consumes one message at a time under a transacted session. A processing
// failure rolls the transaction back, returns the message to the broker and waits
// before receiving again. Redelivery is unbounded.
type Workflow struct {
	name         string
	source       Source
	forward      Sink
	processor    Processor
	strict       bool
	rollbackWait time.Duration
	logger       *slog.Logger
	rollbacksCtr metric.Int64Counter

	state     *atomic.Int32
	processed *atomic.Int64
	rollbacks *atomic.Int64
	lastError *atomic.Error

	attemptsMu sync.Mutex
	attempts   map[string]int64

	mu       sync.Mutex
	prepared bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Workflow
type Option func(*Workflow)

// WithForward sends processing results to sink within the same transaction
func WithForward(sink Sink) Option {
	return func(w *Workflow) {
		w.forward = sink
	}
}

// WithStrict toggles transaction-safety validation, on by default
func WithStrict(strict bool) Option {
	return func(w *Workflow) {
		w.strict = strict
	}
}

// WithRollbackWait sets the wait after a rollback before the next receive
func WithRollbackWait(wait time.Duration) Option {
	return func(w *Workflow) {
		w.rollbackWait = wait
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// New creates a workflow named name
func New(name string, source Source, processor Processor, options ...Option) (*Workflow, error) {
	w := &Workflow{
		name:         name,
		source:       source,
		processor:    processor,
		strict:       true,
		rollbackWait: time.Second,
		logger:       slog.Default(),
		state:        atomic.NewInt32(int32(StateIdle)),
		processed:    atomic.NewInt64(0),
		rollbacks:    atomic.NewInt64(0),
		lastError:    atomic.NewError(nil),
		attempts:     make(map[string]int64),
	}

	for _, opt := range options {
		opt(w)
	}

	ctr, err := otel.Meter("github.com/glimte/mmate-relay/workflow").Int64Counter("relay.workflow.rollbacks",
		metric.WithDescription("Number of rolled back transacted consumptions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow metric: %w", err)
	}
	w.rollbacksCtr = ctr

	return w, nil
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.name
}

// Prepare validates the setup. In strict mode the consumer and any forward producer
// must be transaction-safe.
func (w *Workflow) Prepare() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prepareLocked()
}

func (w *Workflow) prepareLocked() error {
	if w.prepared {
		return nil
	}

	var errs []error
	if w.source == nil {
		errs = append(errs, errors.New("no consumer"))
	}
	if w.processor == nil {
		errs = append(errs, errors.New("no processor"))
	}
	if w.rollbackWait < 0 {
		errs = append(errs, fmt.Errorf("negative rollback wait %s", w.rollbackWait))
	}
	if w.strict {
		if w.source != nil && !w.source.Transacted() {
			errs = append(errs, fmt.Errorf("%w: consumer of %s", fault.ErrNotTransacted, w.source.Destination()))
		}
		// with more than one message in flight a redelivery would queue behind the others
		if w.source != nil && w.source.Prefetch() != 1 {
			errs = append(errs, fmt.Errorf("consumer of %s must prefetch exactly 1 message, not %d",
				w.source.Destination(), w.source.Prefetch()))
		}
		if w.forward != nil && !w.forward.Transacted() {
			errs = append(errs, fmt.Errorf("%w: producer to %s", fault.ErrNotTransacted, w.forward.Destination()))
		}
	}
	if len(errs) > 0 {
		return &fault.ConfigurationError{Component: "workflow " + w.name, Err: errors.Join(errs...)}
	}

	w.prepared = true
	return nil
}

// State returns the current loop state
func (w *Workflow) State() State {
	return State(w.state.Load())
}

// Stats returns a snapshot of the workflow counters
func (w *Workflow) Stats() Stats {
	w.attemptsMu.Lock()
	redeliveries := make(map[string]int64, len(w.attempts))
	for id, n := range w.attempts {
		redeliveries[id] = n
	}
	w.attemptsMu.Unlock()

	return Stats{
		Processed:    w.processed.Load(),
		Rollbacks:    w.rollbacks.Load(),
		Redeliveries: redeliveries,
		LastError:    w.lastError.Load(),
	}
}

// Start prepares the workflow and runs its loop on a dedicated goroutine
func (w *Workflow) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("workflow %s is closed", w.name)
	}
	if err := w.prepareLocked(); err != nil {
		return err
	}
	if w.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)

	w.logger.Info("workflow started",
		"workflow", w.name,
		"source", w.source.Destination().String(),
		"strict", w.strict,
		"rollbackWait", w.rollbackWait)
	return nil
}

// Stop interrupts the loop, including a pending receive or rollback wait, and waits
// for it to finish
func (w *Workflow) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	w.state.Store(int32(StateIdle))
}

// Close stops the workflow for good. Closing twice is a no-op.
func (w *Workflow) Close() error {
	w.Stop()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *Workflow) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		w.state.Store(int32(StateIdle))
		sub, err := w.source.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.lastError.Store(err)
			w.logger.Error("workflow failed to subscribe", "workflow", w.name, "error", err)
			if !w.wait(ctx, w.retryDelay()) {
				return
			}
			continue
		}

		err = w.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		w.lastError.Store(err)
		w.logger.Warn("workflow subscription ended, resubscribing", "workflow", w.name, "error", err)
	}
}

func (w *Workflow) retryDelay() time.Duration {
	if w.rollbackWait > 0 {
		return w.rollbackWait
	}
	return time.Second
}

// consume runs receive/process/settle cycles until the subscription or ctx ends
func (w *Workflow) consume(ctx context.Context, sub *broker.Subscription) error {
	for {
		w.state.Store(int32(StateReceiving))
		d, err := sub.Receive(ctx)
		if err != nil {
			return err
		}

		w.state.Store(int32(StateProcessing))
		perr := w.process(ctx, sub, d)
		if perr == nil {
			w.state.Store(int32(StateCommitting))
			if err := w.commit(sub, d); err != nil {
				return err
			}
			w.processed.Inc()
			w.forget(d.MessageId)
			w.state.Store(int32(StateIdle))
			continue
		}

		w.lastError.Store(perr)
		w.logger.Error("processing failed, rolling back",
			"workflow", w.name,
			"messageId", d.MessageId,
			"redelivered", d.Redelivered,
			"error", perr)

		w.state.Store(int32(StateRollingBack))
		if err := w.rollback(sub, d); err != nil {
			return err
		}
		w.rollbacks.Inc()
		w.rollbacksCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", w.name)))

		w.state.Store(int32(StateWaiting))
		if !w.wait(ctx, w.rollbackWait) {
			return ctx.Err()
		}
		w.state.Store(int32(StateIdle))
	}
}

// process translates, runs the processor and forwards results. Every failure is a
// processing failure and leads to rollback.
func (w *Workflow) process(ctx context.Context, sub *broker.Subscription, d amqp.Delivery) (err error) {
	attempt := w.attempt(d.MessageId)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
		if err != nil {
			err = &fault.ProcessingFailure{MessageID: d.MessageId, Attempt: attempt, Err: err}
		}
	}()

	env, err := w.source.Translator().ToEnvelope(d)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := env.Release(); rerr != nil {
			w.logger.Warn("failed to remove spooled payload", "messageId", env.ID(), "error", rerr)
		}
	}()

	out, err := w.processor.Process(ctx, env)
	if err != nil {
		return err
	}

	if w.forward != nil {
		for _, o := range out {
			if err := w.forward.PublishIn(ctx, sub.Session(), o); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Workflow) commit(sub *broker.Subscription, d amqp.Delivery) error {
	if err := sub.Ack(d); err != nil {
		return err
	}
	if sub.Session().Transacted() {
		return sub.Session().Commit()
	}
	return nil
}

// rollback discards the transaction, then returns the message to the queue. The nack
// is itself committed so the broker redelivers.
func (w *Workflow) rollback(sub *broker.Subscription, d amqp.Delivery) error {
	s := sub.Session()
	if s.Transacted() {
		if err := s.Rollback(); err != nil {
			return err
		}
	}
	if err := sub.Nack(d, true); err != nil {
		return err
	}
	if s.Transacted() {
		return s.Commit()
	}
	return nil
}

func (w *Workflow) attempt(id string) int64 {
	w.attemptsMu.Lock()
	defer w.attemptsMu.Unlock()
	w.attempts[id]++
	return w.attempts[id]
}

func (w *Workflow) forget(id string) {
	w.attemptsMu.Lock()
	defer w.attemptsMu.Unlock()
	delete(w.attempts, id)
}

// wait sleeps for d unless ctx ends first
func (w *Workflow) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
