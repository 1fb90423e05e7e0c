// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/session"
	"github.com/glimte/mmate-relay/translate"
	"github.com/glimte/mmate-relay/workflow"
)

// ErrUnknownComponent is returned when a producer or workflow name is not configured
var ErrUnknownComponent = errors.New("relay: unknown component")

// Client provides the main entry point: a failover connection with its health probe,
// the configured producers and the transacted workflows
type Client struct {
	logger    *slog.Logger
	conn      *broker.FailoverConnection
	probes    []*broker.Probe
	producers map[string]*broker.Producer
	workflows map[string]*workflow.Workflow
	health    *health.Registry

	mu      sync.Mutex
	started bool
	closed  bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	dialer     broker.Dialer
	processors map[string]workflow.Processor
	extra      []func(broker.Target) (*broker.Probe, error)
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the AMQP dialer of every connection
func WithDialer(dialer broker.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithProcessor sets the processor of the named workflow
func WithProcessor(workflow string, processor workflow.Processor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.processors[workflow] = processor
	}
}

// WithProbe adds a probe built against target alongside the configured one. Probes
// watching the same endpoint are rejected.
func WithProbe(build func(target broker.Target) (*broker.Probe, error)) ClientOption {
	return func(cfg *clientConfig) {
		cfg.extra = append(cfg.extra, build)
	}
}

// New builds a client from cfg. Nothing connects until Start.
func New(cfg *config.Config, options ...ClientOption) (*Client, error) {
	opts := &clientConfig{
		logger:     slog.Default(),
		processors: make(map[string]workflow.Processor),
	}
	for _, opt := range options {
		opt(opts)
	}

	c := &Client{
		logger:    opts.logger,
		producers: make(map[string]*broker.Producer),
		workflows: make(map[string]*workflow.Workflow),
		health:    health.NewRegistry(),
	}

	if err := c.buildConnection(cfg, opts); err != nil {
		return nil, err
	}
	if err := c.buildProbes(cfg, opts); err != nil {
		return nil, err
	}
	if err := c.buildProducers(cfg); err != nil {
		return nil, err
	}
	if err := c.buildWorkflows(cfg, opts); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) buildConnection(cfg *config.Config, opts *clientConfig) error {
	registerOwner := cfg.Failover.RegisterOwner == nil || *cfg.Failover.RegisterOwner

	candidates := make([]*broker.Connection, 0, len(cfg.Connections))
	for _, d := range cfg.Connections {
		connOpts := []broker.ConnectionOption{broker.WithLogger(c.logger)}
		if opts.dialer != nil {
			connOpts = append(connOpts, broker.WithDialer(opts.dialer))
		}
		if cfg.Failover.DialTimeout > 0 {
			connOpts = append(connOpts, broker.WithDialTimeout(cfg.Failover.DialTimeout))
		}
		if !registerOwner {
			connOpts = append(connOpts, broker.WithOwner(c))
		}
		candidates = append(candidates, broker.NewConnection(d, connOpts...))
	}

	failoverOpts := []broker.FailoverOption{
		broker.WithRegisterOwner(registerOwner),
		broker.WithFailoverLogger(c.logger),
		broker.WithMaxAttempts(cfg.Failover.MaxAttempts),
	}
	if cfg.Failover.BaseBackoff > 0 && cfg.Failover.MaxBackoff > 0 {
		failoverOpts = append(failoverOpts, broker.WithBackoff(cfg.Failover.BaseBackoff, cfg.Failover.MaxBackoff))
	}

	fc, err := broker.NewFailoverConnection(candidates, failoverOpts...)
	if err != nil {
		return err
	}
	c.conn = fc
	c.health.Register(health.NewConnectionChecker(fc))
	return nil
}

// OnException fails over when the client, rather than the failover connection, owns
// the candidates
func (c *Client) OnException(conn *broker.Connection, err error) {
	c.logger.Warn("connection failure reported to client",
		"url", conn.Descriptor().Sanitized(),
		"error", err)
	c.conn.MarkFailed(conn)
}

func (c *Client) buildProbes(cfg *config.Config, opts *clientConfig) error {
	if cfg.Probe.Enabled {
		probeOpts := []broker.ProbeOption{
			broker.WithCheckInterval(cfg.Probe.CheckIntervalMS),
			broker.WithAdditionalLogging(cfg.Probe.AdditionalLogging),
			broker.WithProbeLogger(c.logger),
		}
		if cfg.Probe.MaxFailures > 0 {
			probeOpts = append(probeOpts, broker.WithMaxFailures(int(cfg.Probe.MaxFailures)))
		}
		if cfg.Probe.Timeout > 0 {
			probeOpts = append(probeOpts, broker.WithProbeTimeout(cfg.Probe.Timeout))
		}
		p, err := broker.NewProbe(c.conn, probeOpts...)
		if err != nil {
			return err
		}
		c.probes = append(c.probes, p)
	}

	for _, build := range opts.extra {
		p, err := build(c.conn)
		if err != nil {
			return err
		}
		c.probes = append(c.probes, p)
	}

	for i, p := range c.probes {
		for _, other := range c.probes[i+1:] {
			if !p.AllowedInConjunctionWith(other) {
				return &fault.ConfigurationError{
					Component: "probe",
					Err:       fmt.Errorf("%w: two probes watch the same endpoint", fault.ErrDuplicateProbe),
				}
			}
		}
	}

	for i, p := range c.probes {
		name := "probe"
		if i > 0 {
			name = fmt.Sprintf("probe_%d", i)
		}
		c.health.RegisterWithImpact(health.NewProbeChecker(name, p), health.Advisory)
	}
	return nil
}

func (c *Client) buildProducers(cfg *config.Config) error {
	for _, pc := range cfg.Producers {
		policy, err := session.FromConfig(pc.Session)
		if err != nil {
			return &fault.ConfigurationError{Component: "producer " + pc.Name, Err: err}
		}

		producerOpts := []broker.ProducerOption{
			broker.WithPolicy(policy),
			broker.WithPriority(pc.Priority),
			broker.WithTTL(pc.TTL),
			broker.WithPerMessageProperties(pc.PerMessageProperties),
			broker.WithProducerLogger(c.logger.With("producer", pc.Name)),
		}
		if pc.Delivery != "" {
			producerOpts = append(producerOpts, broker.WithDelivery(pc.Delivery))
		}
		cfgTr := pc.Translator
		if cfgTr.Kind == "" {
			cfgTr.Kind = translate.KindText
		}
		tr, err := translate.New(cfgTr, translate.WithLogger(c.logger))
		if err != nil {
			return &fault.ConfigurationError{Component: "producer " + pc.Name, Err: err}
		}
		producerOpts = append(producerOpts, broker.WithTranslator(tr))

		p, err := broker.NewProducer(c.conn, pc.Destination, producerOpts...)
		if err != nil {
			return err
		}
		c.producers[pc.Name] = p
	}
	return nil
}

func (c *Client) buildWorkflows(cfg *config.Config, opts *clientConfig) error {
	for _, wc := range cfg.Workflows {
		consumerOpts := []broker.ConsumerOption{
			broker.WithAckMode(broker.AckTransacted),
			broker.WithConsumerLogger(c.logger.With("workflow", wc.Name)),
		}
		if wc.Prefetch > 0 {
			consumerOpts = append(consumerOpts, broker.WithPrefetchCount(wc.Prefetch))
		}
		tr, err := translate.New(wc.Translator, translate.WithLogger(c.logger))
		if err != nil {
			return &fault.ConfigurationError{Component: "workflow " + wc.Name, Err: err}
		}
		consumerOpts = append(consumerOpts, broker.WithConsumerTranslator(tr))
		consumer, err := broker.NewConsumer(c.conn, wc.Source, consumerOpts...)
		if err != nil {
			return err
		}

		workflowOpts := []workflow.Option{
			workflow.WithRollbackWait(wc.RollbackWait),
			workflow.WithLogger(c.logger),
		}
		if wc.Strict != nil {
			workflowOpts = append(workflowOpts, workflow.WithStrict(*wc.Strict))
		}
		if wc.Forward != "" {
			p, ok := c.producers[wc.Forward]
			if !ok {
				return &fault.ConfigurationError{
					Component: "workflow " + wc.Name,
					Err:       fmt.Errorf("%w: producer %q", ErrUnknownComponent, wc.Forward),
				}
			}
			workflowOpts = append(workflowOpts, workflow.WithForward(p))
		}

		w, err := workflow.New(wc.Name, consumer, opts.processors[wc.Name], workflowOpts...)
		if err != nil {
			return err
		}
		if err := w.Prepare(); err != nil {
			return err
		}
		c.workflows[wc.Name] = w
		c.health.RegisterWithImpact(health.NewWorkflowChecker(w), health.Advisory)
	}
	return nil
}

// Start connects, then starts the probes and workflows
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return broker.ErrConnectionClosed
	}
	if c.started {
		return nil
	}

	if err := c.conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	for _, p := range c.probes {
		if err := p.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start probe: %w", err)
		}
	}
	for name, w := range c.workflows {
		if err := w.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start workflow %s: %w", name, err)
		}
	}

	c.started = true
	c.logger.Info("relay started",
		"url", c.conn.Current().Descriptor().Sanitized(),
		"producers", len(c.producers),
		"workflows", len(c.workflows),
		"probes", len(c.probes))
	return nil
}

// Send publishes env through the named producer
func (c *Client) Send(ctx context.Context, producer string, env *envelope.Envelope) error {
	p, err := c.Producer(producer)
	if err != nil {
		return err
	}
	return p.Send(ctx, env)
}

// Producer returns the named producer
func (c *Client) Producer(name string) (*broker.Producer, error) {
	p, ok := c.producers[name]
	if !ok {
		return nil, fmt.Errorf("%w: producer %q", ErrUnknownComponent, name)
	}
	return p, nil
}

// Workflow returns the named workflow
func (c *Client) Workflow(name string) (*workflow.Workflow, error) {
	w, ok := c.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %q", ErrUnknownComponent, name)
	}
	return w, nil
}

// Connection returns the failover connection shared by every component
func (c *Client) Connection() *broker.FailoverConnection {
	return c.conn
}

// Health runs every health check
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.CheckAll(ctx)
}

// HealthHandler serves Health as JSON
func (c *Client) HealthHandler(timeout time.Duration) http.Handler {
	return health.NewHandler(c.health, timeout)
}

// Close stops workflows and probes, then closes producers and connections
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, w := range c.workflows {
		errs = append(errs, w.Close())
	}
	for _, p := range c.probes {
		errs = append(errs, p.Close())
	}
	for _, p := range c.producers {
		errs = append(errs, p.Close())
	}
	errs = append(errs, c.conn.Close())

	c.logger.Info("relay closed")
	return errors.Join(errs...)
}
