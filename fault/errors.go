package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateProbe is wrapped when two probes watch an identical broker descriptor
	ErrDuplicateProbe = errors.New("relay: duplicate connection probe")
	// ErrNotTransacted is wrapped when a strict transacted workflow is paired with a
	// non transaction-safe consumer or producer
	ErrNotTransacted = errors.New("relay: component is not transaction-safe")
	// ErrInvalidConfiguration is the generic configuration sentinel
	ErrInvalidConfiguration = errors.New("relay: invalid configuration")
)

// TransportError represents a broker I/O failure. It drives failover and is retried by
// the probe or the next send.
type TransportError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("relay transport error: %s on %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("relay transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a TransportError stamped with the current time
func NewTransportError(op, url string, err error) *TransportError {
	return &TransportError{Op: op, URL: url, Err: err, Timestamp: time.Now()}
}

// TranslationError represents a payload or type mismatch while converting between an
// envelope and a wire message. It is surfaced to the caller and never retried.
type TranslationError struct {
	Direction string // "inbound" or "outbound"
	Kind      string // Wire shape being translated
	Err       error  // Underlying error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("relay translation error: %s %s message: %v", e.Direction, e.Kind, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// ConfigurationError represents an invalid or conflicting setup detected at
// initialise/prepare time. It is fatal to startup.
type ConfigurationError struct {
	Component string // Component being prepared
	Err       error  // Underlying error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("relay configuration error: %s: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ProcessingFailure wraps a business error raised while processing a consumed message
// under a transaction. It triggers rollback and redelivery.
type ProcessingFailure struct {
	MessageID string
	Attempt   int64
	Err       error
}

func (e *ProcessingFailure) Error() string {
	return fmt.Sprintf("relay processing failure: message %s (attempt %d): %v", e.MessageID, e.Attempt, e.Err)
}

func (e *ProcessingFailure) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error is worth retrying on the broker
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}

	var trErr *TranslationError
	if errors.As(err, &trErr) {
		return false
	}

	var tErr *TransportError
	return errors.As(err, &tErr)
}

// IsTransport reports whether err is, or wraps, a TransportError
func IsTransport(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsTranslation reports whether err is, or wraps, a TranslationError
func IsTranslation(err error) bool {
	var trErr *TranslationError
	return errors.As(err, &trErr)
}
