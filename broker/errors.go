package broker

import (
	"errors"
)

var (
	// Connection errors
	ErrConnectionNotReady = errors.New("relay: connection not ready")
	ErrConnectionClosed   = errors.New("relay: connection is closed")
	ErrConnectionTimeout  = errors.New("relay: connection timeout")
	ErrNoCandidates       = errors.New("relay: failover connection has no candidates")

	// Session errors
	ErrSessionClosed        = errors.New("relay: session is closed")
	ErrSessionNotTransacted = errors.New("relay: session is not transacted")
	ErrNoSubscription       = errors.New("relay: subscription has ended")

	// Producer / consumer errors
	ErrProducerClosed      = errors.New("relay: producer is closed")
	ErrConsumerClosed      = errors.New("relay: consumer is closed")
	ErrPublishNotConfirmed = errors.New("relay: publish not confirmed")
	ErrInvalidDestination  = errors.New("relay: invalid destination")

	// Probe errors
	ErrProbeTimeout = errors.New("relay: probe not acknowledged in time")
)
