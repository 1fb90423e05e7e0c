package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-relay/envelope"
)

// ErrUnknownPolicy is returned by FromConfig for an unrecognised policy name
var ErrUnknownPolicy = errors.New("session: unknown policy")

// Policy decides, immediately before each send, whether the cached session must be rebuilt.
// A lease without a session is always built by the producer regardless of the policy.
type Policy interface {
	NewSessionRequired(lease *Lease, env *envelope.Envelope) bool
}

// Default never invalidates a session once it exists
type Default struct{}

func (Default) NewSessionRequired(*Lease, *envelope.Envelope) bool {
	return false
}

// PerMessage gives every send a fresh session
type PerMessage struct{}

func (PerMessage) NewSessionRequired(lease *Lease, _ *envelope.Envelope) bool {
	return lease.SendCount > 0
}

// TimedInactivity invalidates once the session has been idle longer than Window
type TimedInactivity struct {
	Window time.Duration

	now func() time.Time
}

// NewTimedInactivity creates a TimedInactivity policy
func NewTimedInactivity(window time.Duration) *TimedInactivity {
	return &TimedInactivity{Window: window, now: time.Now}
}

func (p *TimedInactivity) NewSessionRequired(lease *Lease, _ *envelope.Envelope) bool {
	last := lease.LastUsed
	if last.IsZero() {
		last = lease.CreatedAt
	}
	if last.IsZero() {
		return false
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return now().Sub(last) > p.Window
}

// MessageCount invalidates once Limit messages were sent on the session
type MessageCount struct {
	Limit int64
}

func (p MessageCount) NewSessionRequired(lease *Lease, _ *envelope.Envelope) bool {
	return p.Limit > 0 && lease.SendCount >= p.Limit
}

// MessageSize invalidates once LimitBytes of payload were sent on the session
type MessageSize struct {
	LimitBytes int64
}

func (p MessageSize) NewSessionRequired(lease *Lease, _ *envelope.Envelope) bool {
	return p.LimitBytes > 0 && lease.Bytes >= p.LimitBytes
}

// Metadata invalidates when the next envelope carries Key with a boolean true value
type Metadata struct {
	Key string
}

func (p Metadata) NewSessionRequired(_ *Lease, env *envelope.Envelope) bool {
	if env == nil {
		return false
	}
	v, ok := env.Metadata().Get(p.Key)
	return ok && strings.EqualFold(strings.TrimSpace(v), "true")
}

// Config selects and parameterises a policy
type Config struct {
	Policy      string        `yaml:"policy" env:"POLICY" validate:"omitempty,oneof=default per-message timed message-count message-size metadata"`
	Window      time.Duration `yaml:"window" env:"WINDOW"`
	MaxCount    int64         `yaml:"max_count" env:"MAX_COUNT" validate:"gte=0"`
	MaxBytes    int64         `yaml:"max_bytes" env:"MAX_BYTES" validate:"gte=0"`
	MetadataKey string        `yaml:"metadata_key" env:"METADATA_KEY"`
}

// FromConfig builds the policy named by cfg.Policy; an empty name selects Default
func FromConfig(cfg Config) (Policy, error) {
	switch cfg.Policy {
	case "", "default":
		return Default{}, nil
	case "per-message":
		return PerMessage{}, nil
	case "timed":
		if cfg.Window <= 0 {
			return nil, fmt.Errorf("%w: timed policy requires a positive window", ErrUnknownPolicy)
		}
		return NewTimedInactivity(cfg.Window), nil
	case "message-count":
		if cfg.MaxCount <= 0 {
			return nil, fmt.Errorf("%w: message-count policy requires max_count > 0", ErrUnknownPolicy)
		}
		return MessageCount{Limit: cfg.MaxCount}, nil
	case "message-size":
		if cfg.MaxBytes <= 0 {
			return nil, fmt.Errorf("%w: message-size policy requires max_bytes > 0", ErrUnknownPolicy)
		}
		return MessageSize{LimitBytes: cfg.MaxBytes}, nil
	case "metadata":
		if cfg.MetadataKey == "" {
			return nil, fmt.Errorf("%w: metadata policy requires metadata_key", ErrUnknownPolicy)
		}
		return Metadata{Key: cfg.MetadataKey}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Policy)
}
