package broker

import (
	"sync"
)

// Session is a broker channel opened on one Connection. It remembers the connection it
// belongs to so failures are reported against the right candidate even after failover.
type Session struct {
	Channel

	conn       *Connection
	link       Conn
	transacted bool

	mu     sync.Mutex
	closed bool
}

// Connection returns the connection the session was opened on
func (s *Session) Connection() *Connection {
	return s.conn
}

// Live reports whether the session still rides on the connection's active broker link.
// A failure, stop or redial since the session was opened makes it dead.
func (s *Session) Live() bool {
	return s.conn.serves(s.link)
}

// Transacted reports whether the channel is in transaction mode
func (s *Session) Transacted() bool {
	return s.transacted
}

// Commit commits the current transaction
func (s *Session) Commit() error {
	if !s.transacted {
		return ErrSessionNotTransacted
	}
	if err := s.Channel.TxCommit(); err != nil {
		return s.transportError("commit", err)
	}
	return nil
}

// Rollback discards the current transaction
func (s *Session) Rollback() error {
	if !s.transacted {
		return ErrSessionNotTransacted
	}
	if err := s.Channel.TxRollback(); err != nil {
		return s.transportError("rollback", err)
	}
	return nil
}

// Fail reports err against the owning connection
func (s *Session) Fail(err error) {
	s.conn.ReportFailure(err)
}

// Close closes the channel. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.Channel.Close()
}

// discard closes the session ignoring errors
func (s *Session) discard() {
	if err := s.Close(); err != nil {
		s.conn.logger.Debug("ignoring session close error",
			"url", s.conn.descriptor.Sanitized(),
			"error", err)
	}
}

func (s *Session) transportError(op string, err error) error {
	return s.conn.transportError(op, err)
}
