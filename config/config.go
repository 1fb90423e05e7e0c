package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/fault"
	"github.com/glimte/mmate-relay/session"
	"github.com/glimte/mmate-relay/translate"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RELAY_"

// Config is the full relay configuration
type Config struct {
	Connections []broker.Descriptor `yaml:"connections" validate:"required,min=1,dive"`

	// URLs replaces Connections when set, e.g. RELAY_URLS=amqp://a,amqp://b
	URLs []string `yaml:"-" env:"URLS"`
	// Username and Password fill in credentials missing from a connection
	Username string `yaml:"-" env:"USERNAME"`
	Password string `yaml:"-" env:"PASSWORD"`

	Failover  Failover   `yaml:"failover" envPrefix:"FAILOVER_"`
	Probe     Probe      `yaml:"probe" envPrefix:"PROBE_"`
	Producers []Producer `yaml:"producers" validate:"dive"`
	Workflows []Workflow `yaml:"workflows" validate:"dive"`
	Log       Log        `yaml:"log" envPrefix:"LOG_"`
}

// Failover configures candidate selection and reconnection
type Failover struct {
	RegisterOwner *bool         `yaml:"register_owner" env:"REGISTER_OWNER"`
	MaxAttempts   uint64        `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseBackoff   time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF" validate:"gte=0"`
	MaxBackoff    time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF" validate:"gte=0"`
	DialTimeout   time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT" validate:"gte=0"`
}

// Probe configures the connection health probe
type Probe struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	CheckIntervalMS   int64         `yaml:"check_interval_ms" env:"CHECK_INTERVAL_MS"`
	AdditionalLogging bool          `yaml:"additional_logging" env:"ADDITIONAL_LOGGING"`
	MaxFailures       int64         `yaml:"max_failures" env:"MAX_FAILURES" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
}

// Producer configures one named producer
type Producer struct {
	Name                 string              `yaml:"name" validate:"required"`
	Destination          broker.Destination  `yaml:"destination"`
	Delivery             broker.DeliveryMode `yaml:"delivery" validate:"omitempty,oneof=non-persistent persistent transacted"`
	Priority             uint8               `yaml:"priority" validate:"lte=9"`
	TTL                  time.Duration       `yaml:"ttl" validate:"gte=0"`
	PerMessageProperties bool                `yaml:"per_message_properties"`
	Session              session.Config      `yaml:"session"`
	Translator           translate.Config    `yaml:"translator"`
}

// Workflow configures one transacted consumption workflow
type Workflow struct {
	Name         string             `yaml:"name" validate:"required"`
	Source       broker.Destination `yaml:"source"`
	Strict       *bool              `yaml:"strict"`
	RollbackWait time.Duration      `yaml:"rollback_wait" validate:"gte=0"`
	Prefetch     int                `yaml:"prefetch" validate:"gte=0"`
	Translator   translate.Config   `yaml:"translator"`
	// Forward names the producer that receives processing results
	Forward string `yaml:"forward"`
}

// Log configures the process logger
type Log struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=text json tint"`
}

// SlogLevel maps the configured level onto slog
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML file at path, applies RELAY_ environment overrides, fills
// defaults and validates the result. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset values
func (c *Config) ApplyDefaults() {
	if len(c.URLs) > 0 {
		c.Connections = make([]broker.Descriptor, 0, len(c.URLs))
		for _, u := range c.URLs {
			c.Connections = append(c.Connections, broker.Descriptor{URL: strings.TrimSpace(u)})
		}
	}
	for i := range c.Connections {
		if c.Connections[i].Username == "" {
			c.Connections[i].Username = c.Username
		}
		if c.Connections[i].Password == "" {
			c.Connections[i].Password = c.Password
		}
	}

	if c.Failover.RegisterOwner == nil {
		registerOwner := true
		c.Failover.RegisterOwner = &registerOwner
	}
	if c.Failover.BaseBackoff == 0 {
		c.Failover.BaseBackoff = 200 * time.Millisecond
	}
	if c.Failover.MaxBackoff == 0 {
		c.Failover.MaxBackoff = 30 * time.Second
	}
	if c.Failover.DialTimeout == 0 {
		c.Failover.DialTimeout = 30 * time.Second
	}

	if c.Probe.CheckIntervalMS <= 0 {
		c.Probe.CheckIntervalMS = broker.DefaultCheckInterval.Milliseconds()
	}
	if c.Probe.MaxFailures == 0 {
		c.Probe.MaxFailures = 1
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = 5 * time.Second
	}

	for i := range c.Producers {
		if c.Producers[i].Delivery == "" {
			c.Producers[i].Delivery = broker.Persistent
		}
		if c.Producers[i].Translator.Kind == "" {
			c.Producers[i].Translator.Kind = translate.KindText
		}
	}
	for i := range c.Workflows {
		w := &c.Workflows[i]
		if w.Strict == nil {
			strict := true
			w.Strict = &strict
		}
		if w.RollbackWait == 0 {
			w.RollbackWait = time.Second
		}
		if w.Prefetch == 0 {
			w.Prefetch = 1
		}
		if w.Translator.Kind == "" {
			w.Translator.Kind = translate.KindAuto
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "tint"
	}
}

// Validate checks field constraints and cross references between sections
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}

	producers := make(map[string]bool, len(c.Producers))
	for _, p := range c.Producers {
		if producers[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate producer %q", p.Name))
		}
		producers[p.Name] = true
		if err := p.Destination.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("producer %q: %w", p.Name, err))
		}
		if _, err := session.FromConfig(p.Session); err != nil {
			errs = append(errs, fmt.Errorf("producer %q: %w", p.Name, err))
		}
		if err := p.Translator.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("producer %q: %w", p.Name, err))
		}
	}

	workflows := make(map[string]bool, len(c.Workflows))
	for _, w := range c.Workflows {
		if workflows[w.Name] {
			errs = append(errs, fmt.Errorf("duplicate workflow %q", w.Name))
		}
		workflows[w.Name] = true
		if err := w.Source.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("workflow %q: %w", w.Name, err))
		}
		if w.Forward != "" && !producers[w.Forward] {
			errs = append(errs, fmt.Errorf("workflow %q forwards to unknown producer %q", w.Name, w.Forward))
		}
		if err := w.Translator.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("workflow %q: %w", w.Name, err))
		}
	}

	if len(errs) > 0 {
		return &fault.ConfigurationError{Component: "config", Err: errors.Join(errs...)}
	}
	return nil
}

// ProducerNamed returns the producer section called name
func (c *Config) ProducerNamed(name string) (Producer, bool) {
	for _, p := range c.Producers {
		if p.Name == name {
			return p, true
		}
	}
	return Producer{}, false
}
