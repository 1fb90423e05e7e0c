package translate

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/glimte/mmate-relay/fault"
)

// Kind names a wire message shape
type Kind string

const (
	KindText   Kind = "text"
	KindBytes  Kind = "bytes"
	KindMap    Kind = "map"
	KindObject Kind = "object"
	KindBasic  Kind = "basic"
	KindAuto   Kind = "auto"
)

const (
	// DefaultStreamThreshold is the payload size from which payloads are streamed
	DefaultStreamThreshold int64 = 1 << 20
	// DefaultPayloadField is the map entry carrying the payload
	DefaultPayloadField = "payload"
)

// Config holds translator settings
type Config struct {
	Kind            Kind     `yaml:"kind" env:"KIND" validate:"omitempty,oneof=text bytes map object basic auto"`
	Include         []string `yaml:"include" env:"INCLUDE"`
	Exclude         []string `yaml:"exclude" env:"EXCLUDE"`
	MoveHeaders     bool     `yaml:"move_headers" env:"MOVE_HEADERS"`
	ReportAllErrors bool     `yaml:"report_all_errors" env:"REPORT_ALL_ERRORS"`
	StreamThreshold int64    `yaml:"stream_threshold" env:"STREAM_THRESHOLD" validate:"gte=0"`
	OutputType      Kind     `yaml:"output_type" env:"OUTPUT_TYPE" validate:"omitempty,oneof=text bytes map object basic"`
	PayloadField    string   `yaml:"payload_field" env:"PAYLOAD_FIELD"`
	// SpoolDir receives inbound payloads at or above StreamThreshold; empty means the
	// system temp directory
	SpoolDir string `yaml:"spool_dir" env:"SPOOL_DIR"`
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindAuto
	}
	if c.StreamThreshold == 0 {
		c.StreamThreshold = DefaultStreamThreshold
	}
	if c.OutputType == "" {
		c.OutputType = KindText
	}
	if c.PayloadField == "" {
		c.PayloadField = DefaultPayloadField
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and that every filter pattern compiles
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &fault.ConfigurationError{Component: "translator", Err: err}
	}
	if _, err := newFilter(c.Include, c.Exclude); err != nil {
		return &fault.ConfigurationError{Component: "translator", Err: err}
	}
	return nil
}

// Filter decides which metadata keys cross the envelope/wire boundary.
// An empty include list admits every key; exclusions always win.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func newFilter(include, exclude []string) (*Filter, error) {
	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid metadata filter %q: %w", p, err)
			}
			out = append(out, re)
		}
		return out, nil
	}

	inc, err := compile(include)
	if err != nil {
		return nil, err
	}
	exc, err := compile(exclude)
	if err != nil {
		return nil, err
	}
	return &Filter{include: inc, exclude: exc}, nil
}

// Allows reports whether key passes the filter
func (f *Filter) Allows(key string) bool {
	matches := func(re *regexp.Regexp) bool { return re.MatchString(key) }
	if len(f.include) > 0 && !lo.ContainsBy(f.include, matches) {
		return false
	}
	return !lo.ContainsBy(f.exclude, matches)
}
