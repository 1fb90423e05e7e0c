package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections. The default dialer uses amqp091; tests substitute
// an in-memory broker.
type Dialer interface {
	Dial(ctx context.Context, d Descriptor) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, d Descriptor) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, d Descriptor) (Conn, error) {
	return f(ctx, d)
}

// Conn is the subset of *amqp.Connection the client needs
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the client needs. *amqp.Channel satisfies it.
type Channel interface {
	Tx() error
	TxCommit() error
	TxRollback() error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// AMQPDialer dials real brokers through amqp091
type AMQPDialer struct {
	// ConnectionName is advertised to the broker as the client connection name
	ConnectionName string
}

func (a AMQPDialer) Dial(ctx context.Context, d Descriptor) (Conn, error) {
	url, err := d.Resolve()
	if err != nil {
		return nil, err
	}

	props := amqp.NewConnectionProperties()
	if a.ConnectionName != "" {
		props.SetClientConnectionName(a.ConnectionName)
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{Properties: props})
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return &amqpConn{conn: conn}, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		// a late connection must not leak
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

type amqpConn struct {
	conn *amqp.Connection
}

func (c *amqpConn) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConn) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConn) Close() error {
	return c.conn.Close()
}
