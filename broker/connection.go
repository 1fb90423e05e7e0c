package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/fault"
)

// State is a connection lifecycle state
type State int32

const (
	StateClosed State = iota
	StateInitialised
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateInitialised:
		return "initialised"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ExceptionListener is notified when a connection fails
type ExceptionListener interface {
	OnException(conn *Connection, err error)
}

// ExceptionListenerFunc adapts a function to ExceptionListener. Func listeners cannot be
// removed individually.
type ExceptionListenerFunc func(conn *Connection, err error)

func (f ExceptionListenerFunc) OnException(conn *Connection, err error) {
	f(conn, err)
}

// Target is anything sessions can be opened on: a single Connection or a
// FailoverConnection that follows its current candidate.
type Target interface {
	Descriptors
	Current() *Connection
	Session(ctx context.Context, transacted bool) (*Session, error)
}

// Connection wraps a single broker connection with lifecycle state and exception
// listeners
type Connection struct {
	descriptor  Descriptor
	dialer      Dialer
	dialTimeout time.Duration
	owner       ExceptionListener
	logger      *slog.Logger

	mu     sync.RWMutex
	conn   Conn
	state  State
	broken bool
	done   chan struct{}

	listenersMu sync.RWMutex
	listeners   []ExceptionListener
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(c *Connection) {
		c.dialer = dialer
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.dialTimeout = timeout
	}
}

// WithOwner sets the component that owns this connection. The owner is notified of
// every failure ahead of the registered listeners.
func WithOwner(owner ExceptionListener) ConnectionOption {
	return func(c *Connection) {
		c.owner = owner
	}
}

// NewConnection creates a connection in the Closed state
func NewConnection(descriptor Descriptor, options ...ConnectionOption) *Connection {
	c := &Connection{
		descriptor:  descriptor,
		dialer:      AMQPDialer{},
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Descriptor returns the broker endpoint
func (c *Connection) Descriptor() Descriptor {
	return c.descriptor
}

// Descriptors returns the single endpoint of this connection
func (c *Connection) Descriptors() []Descriptor {
	return []Descriptor{c.descriptor}
}

// Current returns the connection itself
func (c *Connection) Current() *Connection {
	return c
}

// State returns the lifecycle state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Broken reports whether a failure was reported since the last successful dial
func (c *Connection) Broken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broken
}

// Init dials the broker. A healthy initialised or started connection is left alone.
func (c *Connection) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.broken && !c.conn.IsClosed() {
		if c.state == StateClosed || c.state == StateStopped {
			c.state = StateInitialised
		}
		return nil
	}
	c.teardownLocked()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, c.descriptor)
	if err != nil {
		return c.transportError("connect", err)
	}

	c.conn = conn
	c.broken = false
	c.state = StateInitialised
	c.done = make(chan struct{})
	go c.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)), c.done)

	c.logger.Info("connected to broker", "url", c.descriptor.Sanitized())
	return nil
}

// Start initialises the connection if needed and marks it started
func (c *Connection) Start(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = StateStarted
	c.mu.Unlock()
	return nil
}

// Stop releases the broker connection; Start dials again
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.teardownLocked()
	c.state = StateStopped
}

// Close releases the broker connection. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.state = StateClosed
	return nil
}

// teardownLocked closes the underlying connection best-effort
func (c *Connection) teardownLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn == nil {
		return
	}
	if !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("ignoring connection close error",
				"url", c.descriptor.Sanitized(),
				"error", err)
		}
	}
	c.conn = nil
}

// watch reports broker initiated closes
func (c *Connection) watch(conn Conn, closed <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case err, ok := <-closed:
		if !ok || err == nil {
			return
		}
		c.mu.RLock()
		current := c.conn == conn
		c.mu.RUnlock()
		if current {
			c.logger.Error("connection closed by broker", "url", c.descriptor.Sanitized(), "error", err)
			c.ReportFailure(c.transportError("connection closed", err))
		}
	case <-done:
	}
}

// Session opens a channel, in transaction mode when transacted is set
func (c *Connection) Session(ctx context.Context, transacted bool) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	conn, broken := c.conn, c.broken
	c.mu.RUnlock()

	if conn == nil || broken {
		return nil, c.transportError("open session", ErrConnectionNotReady)
	}
	if conn.IsClosed() {
		return nil, c.transportError("open session", ErrConnectionClosed)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, c.transportError("open session", err)
	}
	if transacted {
		if err := ch.Tx(); err != nil {
			ch.Close()
			return nil, c.transportError("select transaction mode", err)
		}
	}
	return &Session{Channel: ch, conn: c, link: conn, transacted: transacted}, nil
}

// serves reports whether link is the healthy underlying connection
func (c *Connection) serves(link Conn) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return link != nil && c.conn == link && !c.broken && !link.IsClosed()
}

// AddExceptionListener registers a listener. Registering the same listener twice has
// no effect.
func (c *Connection) AddExceptionListener(listener ExceptionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for _, l := range c.listeners {
		if sameListener(l, listener) {
			return
		}
	}
	c.listeners = append(c.listeners, listener)
}

// RemoveExceptionListener unregisters a listener
func (c *Connection) RemoveExceptionListener(listener ExceptionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.listeners {
		if sameListener(l, listener) {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
}

// HasExceptionListener reports whether listener is registered
func (c *Connection) HasExceptionListener(listener ExceptionListener) bool {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		if sameListener(l, listener) {
			return true
		}
	}
	return false
}

// sameListener compares listeners without panicking on uncomparable func values
func sameListener(a, b ExceptionListener) bool {
	if _, ok := a.(ExceptionListenerFunc); ok {
		return false
	}
	if _, ok := b.(ExceptionListenerFunc); ok {
		return false
	}
	return a == b
}

// ReportFailure marks the connection broken and notifies the owner and listeners.
// Repeated reports before the next successful dial are ignored. Listeners run on the
// caller's goroutine, so the switch to another candidate has happened when this returns.
func (c *Connection) ReportFailure(err error) {
	c.mu.Lock()
	if c.broken {
		c.mu.Unlock()
		return
	}
	c.broken = true
	c.mu.Unlock()

	c.logger.Warn("connection failure reported", "url", c.descriptor.Sanitized(), "error", err)

	if c.owner != nil {
		c.owner.OnException(c, err)
	}

	c.listenersMu.RLock()
	listeners := append([]ExceptionListener(nil), c.listeners...)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnException(c, err)
	}
}

func (c *Connection) transportError(op string, err error) error {
	return fault.NewTransportError(op, c.descriptor.Sanitized(), err)
}
