package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
)

// Content types identifying each wire shape
const (
	ContentTypeText   = "text/plain"
	ContentTypeBytes  = "application/octet-stream"
	ContentTypeMap    = "application/x-relay-map+json"
	ContentTypeObject = "application/x-relay-object+json"
)

// ObjectKey is the transient object holding the decoded value of an object message
const ObjectKey = "relay.object"

// TextTranslator maps the payload to a text/plain body
type TextTranslator struct{ *base }

func (t *TextTranslator) Kind() Kind { return KindText }

func (t *TextTranslator) ToEnvelope(d amqp.Delivery) (*envelope.Envelope, error) {
	opts := []envelope.Option{}
	if d.MessageId != "" {
		opts = append(opts, envelope.WithID(d.MessageId))
	}
	env := envelope.New(d.Body, opts...)
	if err := t.inbound(KindText, d, env); err != nil {
		return nil, err
	}
	return env, nil
}

func (t *TextTranslator) ToPublishing(env *envelope.Envelope) (amqp.Publishing, error) {
	p := amqp.Publishing{ContentType: ContentTypeText}
	body, err := env.Payload()
	if err != nil {
		return p, fault.NewTransportError("read payload", "", err)
	}
	p.Body = append([]byte(nil), body...)
	if err := t.outbound(KindText, env, &p); err != nil {
		return p, err
	}
	return p, nil
}

// BytesTranslator maps the payload to an opaque binary body, streaming large payloads
type BytesTranslator struct{ *base }

func (t *BytesTranslator) Kind() Kind { return KindBytes }

func (t *BytesTranslator) ToEnvelope(d amqp.Delivery) (*envelope.Envelope, error) {
	env, err := t.writePayload(d, d.Body)
	if err != nil {
		return nil, err
	}
	if err := t.inbound(KindBytes, d, env); err != nil {
		env.Release()
		return nil, err
	}
	return env, nil
}

func (t *BytesTranslator) ToPublishing(env *envelope.Envelope) (amqp.Publishing, error) {
	p := amqp.Publishing{ContentType: ContentTypeBytes}
	body, err := t.readPayload(env)
	if err != nil {
		return p, err
	}
	p.Body = body
	if err := t.outbound(KindBytes, env, &p); err != nil {
		return p, err
	}
	return p, nil
}

// MapTranslator carries the payload in one designated field of a JSON object; the
// remaining fields are metadata.
type MapTranslator struct{ *base }

func (t *MapTranslator) Kind() Kind { return KindMap }

func (t *MapTranslator) ToEnvelope(d amqp.Delivery) (*envelope.Envelope, error) {
	fields := map[string]interface{}{}
	if len(d.Body) > 0 {
		if err := json.Unmarshal(d.Body, &fields); err != nil {
			return nil, &fault.TranslationError{Direction: "inbound", Kind: string(KindMap), Err: err}
		}
	}

	var payload string
	if v, ok := fields[t.cfg.PayloadField]; ok && v != nil {
		payload = fmt.Sprint(v)
	}

	opts := []envelope.Option{}
	if d.MessageId != "" {
		opts = append(opts, envelope.WithID(d.MessageId))
	}
	env := envelope.NewString(payload, opts...)
	if err := t.inbound(KindMap, d, env); err != nil {
		return nil, err
	}

	for _, key := range sortedKeys(fields) {
		if key == t.cfg.PayloadField || !t.filter.Allows(key) {
			continue
		}
		value, err := headerString(fields[key])
		if err != nil {
			if t.cfg.ReportAllErrors {
				return nil, &fault.TranslationError{Direction: "inbound", Kind: string(KindMap), Err: fmt.Errorf("field %q: %w", key, err)}
			}
			t.logger.Warn("skipping map field", "field", key, "error", err)
			continue
		}
		env.AddMetadata(key, value)
	}
	return env, nil
}

func (t *MapTranslator) ToPublishing(env *envelope.Envelope) (amqp.Publishing, error) {
	p := amqp.Publishing{ContentType: ContentTypeMap}
	payload, err := env.Payload()
	if err != nil {
		return p, fault.NewTransportError("read payload", "", err)
	}
	if !utf8.Valid(payload) {
		return p, &fault.TranslationError{Direction: "outbound", Kind: string(KindMap), Err: errors.New("payload is not valid UTF-8 text")}
	}

	fields := map[string]string{t.cfg.PayloadField: string(payload)}
	env.Metadata().Each(func(key, value string) {
		if key != t.cfg.PayloadField && !IsReserved(key) && t.filter.Allows(key) {
			fields[key] = value
		}
	})
	body, err := json.Marshal(fields)
	if err != nil {
		return p, &fault.TranslationError{Direction: "outbound", Kind: string(KindMap), Err: err}
	}
	p.Body = body

	p.MessageId = env.ID()
	p.ContentEncoding = env.Encoding()
	if t.cfg.MoveHeaders {
		copyHeadersOut(env, &p)
	}
	return p, nil
}

// ObjectTranslator carries a serialized JSON value. Inbound the value is decoded and kept
// as a transient object for display; the payload stays byte-identical.
type ObjectTranslator struct{ *base }

func (t *ObjectTranslator) Kind() Kind { return KindObject }

func (t *ObjectTranslator) ToEnvelope(d amqp.Delivery) (*envelope.Envelope, error) {
	var value interface{}
	if err := json.Unmarshal(d.Body, &value); err != nil {
		return nil, &fault.TranslationError{Direction: "inbound", Kind: string(KindObject), Err: err}
	}

	env, err := t.writePayload(d, d.Body)
	if err != nil {
		return nil, err
	}
	env.AddObject(ObjectKey, value)
	if err := t.inbound(KindObject, d, env); err != nil {
		env.Release()
		return nil, err
	}
	t.logger.Debug("received object message", "messageId", env.ID(), "object", value)
	return env, nil
}

func (t *ObjectTranslator) ToPublishing(env *envelope.Envelope) (amqp.Publishing, error) {
	p := amqp.Publishing{ContentType: ContentTypeObject}
	body, err := t.readPayload(env)
	if err != nil {
		return p, err
	}
	if !json.Valid(body) {
		return p, &fault.TranslationError{Direction: "outbound", Kind: string(KindObject), Err: errors.New("payload is not a serialized object")}
	}
	p.Body = body
	if err := t.outbound(KindObject, env, &p); err != nil {
		return p, err
	}
	return p, nil
}

// BasicTranslator sends headers only; inbound payloads are ignored
type BasicTranslator struct{ *base }

func (t *BasicTranslator) Kind() Kind { return KindBasic }

func (t *BasicTranslator) ToEnvelope(d amqp.Delivery) (*envelope.Envelope, error) {
	opts := []envelope.Option{}
	if d.MessageId != "" {
		opts = append(opts, envelope.WithID(d.MessageId))
	}
	env := envelope.New(nil, opts...)
	if err := t.inbound(KindBasic, d, env); err != nil {
		return nil, err
	}
	return env, nil
}

func (t *BasicTranslator) ToPublishing(env *envelope.Envelope) (amqp.Publishing, error) {
	p := amqp.Publishing{}
	if err := t.outbound(KindBasic, env, &p); err != nil {
		return p, err
	}
	return p, nil
}
