// Package brokertest provides an in-memory AMQP broker for tests. It implements the
// broker package's Dialer, Conn and Channel interfaces with queues, topic bindings,
// transactions, publisher confirms, redelivery and failure injection.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/broker"
)

// ErrRefused is returned when dialing a URL no broker listens on
var ErrRefused = errors.New("brokertest: connection refused")

// Broker is one in-memory broker endpoint
type Broker struct {
	URL string

	mu         sync.Mutex
	queues     map[string]*queue
	bindings   map[string][]binding
	conns      []*Conn
	dials      int
	channels   int
	generated  int
	dialErr    error
	channelErr error
	publishErr error
	nackAll    bool
	deleted    []string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	owner      *Conn
	ready      []message
	consumers  []*consumer
}

type binding struct {
	queue string
	key   string
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	key         string
	redelivered bool
}

type consumer struct {
	ch      *Channel
	tag     string
	queue   string
	autoAck bool
	out     chan amqp.Delivery
}

type pending struct {
	queue    string
	msg      message
	consumer string
}

// New creates an empty broker reachable at url
func New(url string) *Broker {
	return &Broker{
		URL:      url,
		queues:   make(map[string]*queue),
		bindings: make(map[string][]binding),
	}
}

// Dialer returns a dialer that connects descriptors to the broker with the same URL
func Dialer(brokers ...*Broker) broker.Dialer {
	return broker.DialerFunc(func(ctx context.Context, d broker.Descriptor) (broker.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, b := range brokers {
			if b.URL == d.URL {
				return b.Dial()
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrRefused, d.URL)
	})
}

// Dial opens a connection
func (b *Broker) Dial() (broker.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// FailDials makes every dial fail with err until called with nil
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailChannels makes every channel open fail with err until called with nil
func (b *Broker) FailChannels(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// FailPublishes makes every publish fail with err until called with nil
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// NackConfirms makes publisher confirms negative
func (b *Broker) NackConfirms(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackAll = nack
}

// Sever drops every open connection as if the broker went away
func (b *Broker) Sever(reason string) {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Channels returns the number of channels opened
func (b *Broker) Channels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DeclareQueue creates a durable queue, as provisioning outside the client would
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, durable: true}
	}
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Deleted lists queues removed by an explicit delete
func (b *Broker) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

// Ready returns the messages waiting in a queue
func (b *Broker) Ready(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.pub)
	}
	return out
}

// Unacked returns the number of delivered but unsettled messages of a queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			for _, p := range ch.unacked {
				if p.queue == name {
					n++
				}
			}
		}
	}
	return n
}

// Enqueue puts a message straight onto a queue
func (b *Broker) Enqueue(name string, pub amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: true}
		b.queues[name] = q
	}
	q.ready = append(q.ready, message{pub: pub, key: name})
	b.dispatchLocked()
}

func (b *Broker) routeLocked(exchange, key string, pub amqp.Publishing) {
	msg := message{pub: pub, exchange: exchange, key: key}
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			q.ready = append(q.ready, msg)
		}
		return
	}
	for _, bd := range b.bindings[exchange] {
		if topicMatch(bd.key, key) {
			if q, ok := b.queues[bd.queue]; ok {
				q.ready = append(q.ready, msg)
			}
		}
	}
}

// topicMatch supports exact keys plus the * and # wildcards
func topicMatch(pattern, key string) bool {
	if pattern == key || pattern == "#" {
		return true
	}
	p := strings.Split(pattern, ".")
	k := strings.Split(key, ".")
	for i := range p {
		if p[i] == "#" {
			return true
		}
		if i >= len(k) || (p[i] != "*" && p[i] != k[i]) {
			return false
		}
	}
	return len(p) == len(k)
}

// dispatchLocked hands ready messages to consumers within their prefetch window
func (b *Broker) dispatchLocked() {
	for _, q := range b.queues {
		for _, c := range q.consumers {
			for len(q.ready) > 0 && c.hasCapacity() {
				msg := q.ready[0]
				q.ready = q.ready[1:]
				c.ch.deliverLocked(q, msg, c)
			}
		}
	}
}

func (c *consumer) hasCapacity() bool {
	if c.autoAck || c.ch.prefetch == 0 {
		return true
	}
	n := 0
	for _, p := range c.ch.unacked {
		if p.consumer == c.tag {
			n++
		}
	}
	return n < c.ch.prefetch
}

func (b *Broker) removeConnLocked(c *Conn) {
	for i, x := range b.conns {
		if x == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	for name, q := range b.queues {
		if q.owner == c {
			b.dropQueueLocked(name)
		}
	}
}

func (b *Broker) dropQueueLocked(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	for _, c := range q.consumers {
		close(c.out)
		delete(c.ch.consumers, c.tag)
	}
	delete(b.queues, name)
	for ex, bds := range b.bindings {
		kept := bds[:0]
		for _, bd := range bds {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		b.bindings[ex] = kept
	}
	return len(q.ready)
}

// Conn is an in-memory connection
type Conn struct {
	broker   *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

func (c *Conn) Channel() (broker.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.channelErr != nil {
		return nil, b.channelErr
	}
	b.channels++
	ch := &Channel{
		conn:      c,
		unacked:   make(map[uint64]pending),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	closed := c.closed
	c.broker.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(reason *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	c.channels = nil
	b.removeConnLocked(c)
	b.dispatchLocked()
	notify := c.notify
	c.notify = nil
	b.mu.Unlock()

	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// Channel is an in-memory channel
type Channel struct {
	conn      *Conn
	closed    bool
	tx        bool
	txOps     []func()
	confirm   bool
	confirms  []chan amqp.Confirmation
	published uint64
	tag       uint64
	prefetch  int
	unacked   map[uint64]pending
	consumers map[string]*consumer
}

func (ch *Channel) lock() (*Broker, error) {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	return b, nil
}

func (ch *Channel) Tx() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.tx = true
	return nil
}

func (ch *Channel) TxCommit() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if !ch.tx {
		return errors.New("brokertest: channel is not transactional")
	}
	for _, op := range ch.txOps {
		op()
	}
	ch.txOps = nil
	b.dispatchLocked()
	return nil
}

func (ch *Channel) TxRollback() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if !ch.tx {
		return errors.New("brokertest: channel is not transactional")
	}
	ch.txOps = nil
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.confirm = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b, err := ch.lock()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer b.mu.Unlock()
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable, autoDelete: autoDelete}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		return notFound(name)
	}
	for _, bd := range b.bindings[exchange] {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: name, key: key})
	return nil
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b, err := ch.lock()
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		return 0, nil
	}
	b.deleted = append(b.deleted, name)
	return b.dropQueueLocked(name), nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}

	msg.Body = append([]byte(nil), msg.Body...)
	if ch.tx {
		ch.txOps = append(ch.txOps, func() { b.routeLocked(exchange, key, msg) })
	} else {
		b.routeLocked(exchange, key, msg)
		b.dispatchLocked()
	}

	if ch.confirm {
		ch.published++
		conf := amqp.Confirmation{DeliveryTag: ch.published, Ack: !b.nackAll}
		for _, c := range ch.confirms {
			select {
			case c <- conf:
			default:
			}
		}
	}
	return nil
}

func (ch *Channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b, err := ch.lock()
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, notFound(queue)
	}
	c := &consumer{ch: ch, tag: consumerTag, queue: queue, autoAck: autoAck, out: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, c)
	ch.consumers[consumerTag] = c
	b.dispatchLocked()
	return c.out, nil
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.cancelLocked(consumerTag)
	return nil
}

func (ch *Channel) cancelLocked(tag string) {
	b := ch.conn.broker
	c, ok := ch.consumers[tag]
	if !ok {
		return
	}
	delete(ch.consumers, tag)
	close(c.out)
	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	for i, x := range q.consumers {
		if x == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.autoDelete && len(q.consumers) == 0 {
		b.dropQueueLocked(q.name)
	}
}

func (ch *Channel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	b, err := ch.lock()
	if err != nil {
		return amqp.Delivery{}, false, err
	}
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return amqp.Delivery{}, false, notFound(queue)
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	ch.tag++
	if !autoAck {
		ch.unacked[ch.tag] = pending{queue: queue, msg: msg}
	}
	return delivery(msg, ch.tag, ""), true, nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if _, ok := ch.unacked[tag]; !ok {
		return fmt.Errorf("brokertest: unknown delivery tag %d", tag)
	}
	op := func() {
		delete(ch.unacked, tag)
		b.dispatchLocked()
	}
	if ch.tx {
		ch.txOps = append(ch.txOps, op)
		return nil
	}
	op()
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if _, ok := ch.unacked[tag]; !ok {
		return fmt.Errorf("brokertest: unknown delivery tag %d", tag)
	}
	op := func() {
		p, ok := ch.unacked[tag]
		if !ok {
			return
		}
		delete(ch.unacked, tag)
		if requeue {
			b.requeueLocked(p)
		}
		b.dispatchLocked()
	}
	if ch.tx {
		ch.txOps = append(ch.txOps, op)
		return nil
	}
	op()
	return nil
}

func (b *Broker) requeueLocked(p pending) {
	q, ok := b.queues[p.queue]
	if !ok {
		return
	}
	p.msg.redelivered = true
	q.ready = append([]message{p.msg}, q.ready...)
}

func (ch *Channel) Close() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.closeLocked()
	for i, x := range ch.conn.channels {
		if x == ch {
			ch.conn.channels = append(ch.conn.channels[:i], ch.conn.channels[i+1:]...)
			break
		}
	}
	b.dispatchLocked()
	return nil
}

// closeLocked requeues unsettled deliveries and ends consumers
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	b := ch.conn.broker
	for tag := range ch.consumers {
		ch.cancelLocked(tag)
	}
	for tag, p := range ch.unacked {
		b.requeueLocked(p)
		delete(ch.unacked, tag)
	}
	ch.txOps = nil
	for _, c := range ch.confirms {
		close(c)
	}
	ch.confirms = nil
	ch.closed = true
}

func (ch *Channel) deliverLocked(q *queue, msg message, c *consumer) {
	ch.tag++
	if !c.autoAck {
		ch.unacked[ch.tag] = pending{queue: q.name, msg: msg, consumer: c.tag}
	}
	c.out <- delivery(msg, ch.tag, c.tag)
}

func delivery(msg message, tag uint64, consumerTag string) amqp.Delivery {
	p := msg.pub
	return amqp.Delivery{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.key,
		Body:            append([]byte(nil), p.Body...),
	}
}

func notFound(queue string) error {
	return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queue)}
}
