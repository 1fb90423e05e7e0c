package translate

import (
	"mime"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/envelope"
)

// AutoTranslator inspects each delivery's content type and dispatches to the matching
// shape. Outbound it produces the configured output type.
type AutoTranslator struct {
	*base
}

func (t *AutoTranslator) Kind() Kind { return t.cfg.OutputType }

func (t *AutoTranslator) ToEnvelope(d amqp.Delivery) (*envelope.Envelope, error) {
	kind := Detect(d)
	if kind == KindBasic && len(d.Body) > 0 {
		t.logger.Warn("unrecognised content type, payload dropped",
			"contentType", d.ContentType,
			"messageId", d.MessageId,
			"size", len(d.Body))
	}
	return t.forKind(kind).ToEnvelope(d)
}

func (t *AutoTranslator) ToPublishing(env *envelope.Envelope) (amqp.Publishing, error) {
	return t.forKind(t.cfg.OutputType).ToPublishing(env)
}

// Detect classifies a delivery by content type. A body without a content type is treated
// as bytes; anything unrecognised is handled as a headers-only shell.
func Detect(d amqp.Delivery) Kind {
	if d.ContentType == "" {
		if len(d.Body) == 0 {
			return KindBasic
		}
		return KindBytes
	}

	mediaType, _, err := mime.ParseMediaType(d.ContentType)
	if err != nil {
		return KindBasic
	}

	switch {
	case mediaType == ContentTypeMap:
		return KindMap
	case mediaType == ContentTypeObject:
		return KindObject
	case mediaType == ContentTypeBytes:
		return KindBytes
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/xml":
		return KindText
	}
	return KindBasic
}
