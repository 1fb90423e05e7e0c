package translate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"

	"github.com/glimte/mmate-relay/envelope"
)

// Reserved metadata keys, one per overridable wire header
const (
	MetadataType          = "amqp.type"
	MetadataCorrelationID = "amqp.correlation-id"
	MetadataPriority      = "amqp.priority"
	MetadataDeliveryMode  = "amqp.delivery-mode"
	MetadataExpiration    = "amqp.expiration"
	MetadataTimestamp     = "amqp.timestamp"
	MetadataRedelivered   = "amqp.redelivered"
	MetadataDestination   = "amqp.destination"
	MetadataMessageID     = "amqp.message-id"
	MetadataReplyTo       = "amqp.reply-to"
)

// ReservedKeys lists every reserved metadata key
var ReservedKeys = []string{
	MetadataType,
	MetadataCorrelationID,
	MetadataPriority,
	MetadataDeliveryMode,
	MetadataExpiration,
	MetadataTimestamp,
	MetadataRedelivered,
	MetadataDestination,
	MetadataMessageID,
	MetadataReplyTo,
}

// IsReserved reports whether key is a reserved header key
func IsReserved(key string) bool {
	return lo.Contains(ReservedKeys, key)
}

// maxHeaderKey is the AMQP short string limit for field table keys
const maxHeaderKey = 255

// copyHeadersIn moves delivery properties into reserved metadata keys
func copyHeadersIn(d amqp.Delivery, env *envelope.Envelope) {
	set := func(key, value string) {
		if value != "" {
			env.AddMetadata(key, value)
		}
	}

	set(MetadataType, d.Type)
	set(MetadataCorrelationID, d.CorrelationId)
	set(MetadataExpiration, d.Expiration)
	set(MetadataMessageID, d.MessageId)
	set(MetadataReplyTo, d.ReplyTo)
	set(MetadataDestination, destinationOf(d))
	if !d.Timestamp.IsZero() {
		env.AddMetadata(MetadataTimestamp, strconv.FormatInt(d.Timestamp.UnixMilli(), 10))
	}
	env.AddMetadata(MetadataPriority, strconv.Itoa(int(d.Priority)))
	env.AddMetadata(MetadataDeliveryMode, strconv.Itoa(int(d.DeliveryMode)))
	env.AddMetadata(MetadataRedelivered, strconv.FormatBool(d.Redelivered))
}

func destinationOf(d amqp.Delivery) string {
	if d.Exchange == "" {
		return d.RoutingKey
	}
	return d.Exchange + "/" + d.RoutingKey
}

// copyHeadersOut moves reserved metadata into publishing properties. Values that do not
// parse are skipped so the producer's static defaults stay in force.
func copyHeadersOut(env *envelope.Envelope, p *amqp.Publishing) {
	md := env.Metadata()
	if v, ok := md.Get(MetadataType); ok {
		p.Type = v
	}
	if v, ok := md.Get(MetadataCorrelationID); ok {
		p.CorrelationId = v
	}
	if v, ok := md.Get(MetadataReplyTo); ok {
		p.ReplyTo = v
	}
	if v, ok := md.Get(MetadataMessageID); ok && v != "" {
		p.MessageId = v
	}
	if v, ok := md.Get(MetadataExpiration); ok {
		if _, err := strconv.ParseUint(v, 10, 64); err == nil {
			p.Expiration = v
		}
	}
	if v, ok := md.Get(MetadataTimestamp); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.Timestamp = time.UnixMilli(ms)
		}
	}
	if v, ok := md.Get(MetadataPriority); ok {
		if prio, ok := ParsePriority(v); ok {
			p.Priority = prio
		}
	}
	if v, ok := md.Get(MetadataDeliveryMode); ok {
		if mode, ok := ParseDeliveryMode(v); ok {
			p.DeliveryMode = mode
		}
	}
}

// ParsePriority parses an AMQP priority in 0..9
func ParsePriority(v string) (uint8, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 || n > 9 {
		return 0, false
	}
	return uint8(n), true
}

// ParseDeliveryMode accepts "persistent", "non-persistent", "transient", "1" and "2"
func ParseDeliveryMode(v string) (uint8, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "2", "persistent":
		return amqp.Persistent, true
	case "1", "non-persistent", "non_persistent", "transient":
		return amqp.Transient, true
	}
	return 0, false
}

// ParseTTL parses a time-to-live in milliseconds
func ParseTTL(v string) (time.Duration, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// headerString renders an AMQP field value as metadata text
func headerString(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case amqp.Decimal:
		return fmt.Sprintf("%de-%d", val.Value, val.Scale), nil
	}
	return "", fmt.Errorf("unsupported header value type %T", v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
