package translate

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
)

// Translator converts between envelopes and one AMQP wire message shape
type Translator interface {
	// ToEnvelope builds an envelope from a received delivery
	ToEnvelope(d amqp.Delivery) (*envelope.Envelope, error)

	// ToPublishing builds a publishing from an envelope
	ToPublishing(env *envelope.Envelope) (amqp.Publishing, error)

	// Kind returns the wire shape this translator produces
	Kind() Kind
}

// Option configures a translator
type Option func(*base)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		b.logger = logger
	}
}

// New creates the translator selected by cfg.Kind
func New(cfg Config, opts ...Option) (Translator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := newBase(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return b.forKind(b.cfg.Kind), nil
}

// streamChunk bounds the buffer used when streaming large payloads
const streamChunk = 32 * 1024

type base struct {
	cfg    Config
	filter *Filter
	logger *slog.Logger
}

func newBase(cfg Config, opts ...Option) (*base, error) {
	cfg = cfg.withDefaults()
	filter, err := newFilter(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, &fault.ConfigurationError{Component: "translator", Err: err}
	}
	b := &base{cfg: cfg, filter: filter, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *base) forKind(kind Kind) Translator {
	switch kind {
	case KindText:
		return &TextTranslator{b}
	case KindBytes:
		return &BytesTranslator{b}
	case KindMap:
		return &MapTranslator{b}
	case KindObject:
		return &ObjectTranslator{b}
	case KindBasic:
		return &BasicTranslator{b}
	}
	return &AutoTranslator{base: b}
}

// inbound copies delivery headers and, if enabled, protocol properties into metadata
func (b *base) inbound(kind Kind, d amqp.Delivery, env *envelope.Envelope) error {
	if b.cfg.MoveHeaders {
		copyHeadersIn(d, env)
	}
	env.SetEncoding(d.ContentEncoding)

	for _, key := range sortedKeys(map[string]interface{}(d.Headers)) {
		if !b.filter.Allows(key) {
			continue
		}
		value, err := headerString(d.Headers[key])
		if err != nil {
			if b.cfg.ReportAllErrors {
				return &fault.TranslationError{Direction: "inbound", Kind: string(kind), Err: fmt.Errorf("header %q: %w", key, err)}
			}
			b.logger.Warn("skipping header", "header", key, "error", err)
			continue
		}
		env.AddMetadata(key, value)
	}
	return nil
}

// outbound fills the common publishing properties and headers from env
func (b *base) outbound(kind Kind, env *envelope.Envelope, p *amqp.Publishing) error {
	p.MessageId = env.ID()
	p.ContentEncoding = env.Encoding()
	if b.cfg.MoveHeaders {
		copyHeadersOut(env, p)
	}

	var failed error
	env.Metadata().Each(func(key, value string) {
		if failed != nil || IsReserved(key) || !b.filter.Allows(key) {
			return
		}
		if key == "" || len(key) > maxHeaderKey {
			err := fmt.Errorf("header key %q is not a valid AMQP short string", key)
			if b.cfg.ReportAllErrors {
				failed = &fault.TranslationError{Direction: "outbound", Kind: string(kind), Err: err}
				return
			}
			b.logger.Warn("skipping metadata", "key", key, "error", err)
			return
		}
		if p.Headers == nil {
			p.Headers = amqp.Table{}
		}
		p.Headers[key] = value
	})
	return failed
}

// readPayload returns the envelope payload. In-memory payloads are handed over as is
// once they reach the threshold; file backed payloads are streamed from disk through a
// bounded buffer. Read failures are transport errors.
func (b *base) readPayload(env *envelope.Envelope) ([]byte, error) {
	if !env.FileBacked() {
		data, err := env.Payload()
		if err != nil {
			return nil, fault.NewTransportError("read payload", "", err)
		}
		if int64(len(data)) < b.cfg.StreamThreshold {
			return append([]byte(nil), data...), nil
		}
		return data, nil
	}

	r, err := env.PayloadReader()
	if err != nil {
		return nil, fault.NewTransportError("stream payload", "", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if size := env.Size(); size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.CopyBuffer(onlyWriter{&buf}, onlyReader{r}, make([]byte, streamChunk)); err != nil {
		return nil, fault.NewTransportError("stream payload", "", err)
	}
	return buf.Bytes(), nil
}

// writePayload creates the envelope for body. Bodies at or above the threshold are
// spooled to a file in SpoolDir so the envelope does not hold a second copy.
func (b *base) writePayload(d amqp.Delivery, body []byte) (*envelope.Envelope, error) {
	opts := []envelope.Option{}
	if d.MessageId != "" {
		opts = append(opts, envelope.WithID(d.MessageId))
	}
	if int64(len(body)) < b.cfg.StreamThreshold {
		return envelope.New(body, opts...), nil
	}

	f, err := os.CreateTemp(b.cfg.SpoolDir, "relay-payload-*")
	if err != nil {
		return nil, fault.NewTransportError("spool payload", "", err)
	}
	_, err = io.CopyBuffer(onlyWriter{f}, onlyReader{bytes.NewReader(body)}, make([]byte, streamChunk))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fault.NewTransportError("spool payload", "", err)
	}
	return envelope.NewSpooled(f.Name(), opts...), nil
}

// onlyWriter and onlyReader hide ReaderFrom/WriterTo so io.CopyBuffer uses the bounded buffer
type onlyWriter struct{ io.Writer }

type onlyReader struct{ io.Reader }
