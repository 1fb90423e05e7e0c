package translate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/envelope"
	"github.com/glimte/mmate-relay/fault"
)

// deliver mimics the broker handing a publishing back to a consumer
func deliver(p amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		Body:            p.Body,
		RoutingKey:      "orders",
	}
}

func mustNew(t *testing.T, cfg Config) Translator {
	t.Helper()
	tr, err := New(cfg)
	require.NoError(t, err)
	return tr
}

func roundTrip(t *testing.T, tr Translator, env *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	p, err := tr.ToPublishing(env)
	require.NoError(t, err)
	out, err := tr.ToEnvelope(deliver(p))
	require.NoError(t, err)
	return out
}

func TestRoundTripEveryShape(t *testing.T) {
	large := bytes.Repeat([]byte("0123456789"), 200)

	cases := []struct {
		name    string
		kind    Kind
		payload []byte
	}{
		{"text", KindText, []byte("hello")},
		{"bytes below threshold", KindBytes, []byte{0, 1, 2, 0xff}},
		{"bytes at threshold", KindBytes, large[:1024]},
		{"bytes above threshold", KindBytes, large},
		{"map", KindMap, []byte("hello map")},
		{"object below threshold", KindObject, []byte(`{"order":42,"lines":["a","b"]}`)},
		{"object above threshold", KindObject, []byte(`"` + string(large) + `"`)},
		{"basic", KindBasic, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr := mustNew(t, Config{Kind: c.kind, StreamThreshold: 1024, SpoolDir: t.TempDir()})
			env := envelope.New(c.payload, envelope.WithMetadata("k", "v", "other", "2"))

			out := roundTrip(t, tr, env)
			defer out.Release()

			data, err := out.Payload()
			require.NoError(t, err)
			assert.Equal(t, len(c.payload), len(data))
			if len(c.payload) > 0 {
				assert.Equal(t, c.payload, data)
			}
			assert.Equal(t, "v", out.MetadataValue("k"))
			assert.Equal(t, "2", out.MetadataValue("other"))
			assert.Equal(t, env.ID(), out.ID())
		})
	}
}

func TestTextScenarioWithFilter(t *testing.T) {
	env := envelope.NewString("hello", envelope.WithMetadata("k", "v"))

	t.Run("filter passes k", func(t *testing.T) {
		tr := mustNew(t, Config{Kind: KindText, Include: []string{"^k$"}})
		out := roundTrip(t, tr, env)
		assert.Equal(t, "hello", out.StringPayload())
		assert.Equal(t, "v", out.MetadataValue("k"))
	})

	t.Run("filter excludes k", func(t *testing.T) {
		tr := mustNew(t, Config{Kind: KindText, Exclude: []string{"^k$"}})
		out := roundTrip(t, tr, env)
		assert.Equal(t, "hello", out.StringPayload())
		assert.False(t, out.HasMetadata("k"))
	})

	t.Run("include list drops everything else", func(t *testing.T) {
		tr := mustNew(t, Config{Kind: KindText, Include: []string{"^x-"}})
		p, err := tr.ToPublishing(envelope.NewString("a", envelope.WithMetadata("x-a", "1", "b", "2")))
		require.NoError(t, err)
		assert.Equal(t, amqp.Table{"x-a": "1"}, p.Headers)
	})
}

func TestMoveHeaders(t *testing.T) {
	d := amqp.Delivery{
		ContentType:   ContentTypeText,
		Type:          "order.created",
		CorrelationId: "corr-1",
		Priority:      7,
		DeliveryMode:  amqp.Persistent,
		Expiration:    "60000",
		Timestamp:     time.UnixMilli(1700000000000),
		Redelivered:   true,
		Exchange:      "amq.topic",
		RoutingKey:    "orders.eu",
		MessageId:     "msg-1",
		ReplyTo:       "replies",
		Body:          []byte("x"),
	}

	t.Run("disabled leaves reserved keys out", func(t *testing.T) {
		env, err := mustNew(t, Config{Kind: KindText}).ToEnvelope(d)
		require.NoError(t, err)
		for _, key := range ReservedKeys {
			assert.False(t, env.HasMetadata(key), key)
		}
		assert.Equal(t, "msg-1", env.ID())
	})

	t.Run("enabled copies every property", func(t *testing.T) {
		env, err := mustNew(t, Config{Kind: KindText, MoveHeaders: true}).ToEnvelope(d)
		require.NoError(t, err)
		assert.Equal(t, "order.created", env.MetadataValue(MetadataType))
		assert.Equal(t, "corr-1", env.MetadataValue(MetadataCorrelationID))
		assert.Equal(t, "7", env.MetadataValue(MetadataPriority))
		assert.Equal(t, "2", env.MetadataValue(MetadataDeliveryMode))
		assert.Equal(t, "60000", env.MetadataValue(MetadataExpiration))
		assert.Equal(t, "1700000000000", env.MetadataValue(MetadataTimestamp))
		assert.Equal(t, "true", env.MetadataValue(MetadataRedelivered))
		assert.Equal(t, "amq.topic/orders.eu", env.MetadataValue(MetadataDestination))
		assert.Equal(t, "msg-1", env.MetadataValue(MetadataMessageID))
		assert.Equal(t, "replies", env.MetadataValue(MetadataReplyTo))
	})

	t.Run("outbound moves reserved keys into properties", func(t *testing.T) {
		env := envelope.NewString("x", envelope.WithMetadata(
			MetadataType, "t",
			MetadataCorrelationID, "c",
			MetadataPriority, "3",
			MetadataDeliveryMode, "non-persistent",
			MetadataExpiration, "1000",
			MetadataReplyTo, "r",
		))
		p, err := mustNew(t, Config{Kind: KindText, MoveHeaders: true}).ToPublishing(env)
		require.NoError(t, err)
		assert.Equal(t, "t", p.Type)
		assert.Equal(t, "c", p.CorrelationId)
		assert.Equal(t, uint8(3), p.Priority)
		assert.Equal(t, amqp.Transient, p.DeliveryMode)
		assert.Equal(t, "1000", p.Expiration)
		assert.Equal(t, "r", p.ReplyTo)
		assert.Empty(t, p.Headers, "reserved keys never become headers")
	})

	t.Run("unparseable values are ignored", func(t *testing.T) {
		env := envelope.NewString("x", envelope.WithMetadata(
			MetadataPriority, "urgent",
			MetadataDeliveryMode, "sometimes",
			MetadataExpiration, "soon",
		))
		p, err := mustNew(t, Config{Kind: KindText, MoveHeaders: true}).ToPublishing(env)
		require.NoError(t, err)
		assert.Zero(t, p.Priority)
		assert.Zero(t, p.DeliveryMode)
		assert.Empty(t, p.Expiration)
	})
}

func TestReportAllErrors(t *testing.T) {
	d := amqp.Delivery{
		ContentType: ContentTypeText,
		Headers:     amqp.Table{"nested": amqp.Table{"a": 1}, "ok": int32(5)},
		Body:        []byte("x"),
	}

	t.Run("skips unsupported headers by default", func(t *testing.T) {
		env, err := mustNew(t, Config{Kind: KindText}).ToEnvelope(d)
		require.NoError(t, err)
		assert.False(t, env.HasMetadata("nested"))
		assert.Equal(t, "5", env.MetadataValue("ok"))
	})

	t.Run("fails when reporting all errors", func(t *testing.T) {
		_, err := mustNew(t, Config{Kind: KindText, ReportAllErrors: true}).ToEnvelope(d)
		var trErr *fault.TranslationError
		require.ErrorAs(t, err, &trErr)
		assert.Equal(t, "inbound", trErr.Direction)
	})

	t.Run("invalid outbound header key", func(t *testing.T) {
		key := string(bytes.Repeat([]byte("k"), 300))
		env := envelope.NewString("x", envelope.WithMetadata(key, "v"))

		p, err := mustNew(t, Config{Kind: KindText}).ToPublishing(env)
		require.NoError(t, err)
		assert.NotContains(t, p.Headers, key)

		_, err = mustNew(t, Config{Kind: KindText, ReportAllErrors: true}).ToPublishing(env)
		assert.True(t, fault.IsTranslation(err))
	})
}

func TestLargeInboundPayloadsAreSpooled(t *testing.T) {
	dir := t.TempDir()
	tr := mustNew(t, Config{Kind: KindBytes, StreamThreshold: 16, SpoolDir: dir})

	small, err := tr.ToEnvelope(amqp.Delivery{Body: bytes.Repeat([]byte("a"), 15)})
	require.NoError(t, err)
	assert.False(t, small.FileBacked())

	atThreshold, err := tr.ToEnvelope(amqp.Delivery{Body: bytes.Repeat([]byte("b"), 16)})
	require.NoError(t, err)
	assert.True(t, atThreshold.FileBacked())
	assert.Equal(t, int64(16), atThreshold.Size())

	above, err := tr.ToEnvelope(amqp.Delivery{Body: bytes.Repeat([]byte("c"), 100)})
	require.NoError(t, err)
	assert.True(t, above.FileBacked())
	assert.Equal(t, string(bytes.Repeat([]byte("c"), 100)), above.StringPayload())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	p, err := tr.ToPublishing(above)
	require.NoError(t, err)
	assert.Len(t, p.Body, 100)

	require.NoError(t, atThreshold.Release())
	require.NoError(t, above.Release())
	require.NoError(t, above.Release())
	files, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSpoolFailureIsTransportError(t *testing.T) {
	tr := mustNew(t, Config{Kind: KindBytes, StreamThreshold: 16, SpoolDir: filepath.Join(t.TempDir(), "missing")})
	_, err := tr.ToEnvelope(amqp.Delivery{Body: bytes.Repeat([]byte("a"), 32)})
	assert.True(t, fault.IsTransport(err))
}

func TestStreamingFailureIsTransportError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("a"), 64), 0o600))
	env := envelope.NewFileBacked(path)

	tr := mustNew(t, Config{Kind: KindBytes, StreamThreshold: 16})
	p, err := tr.ToPublishing(env)
	require.NoError(t, err)
	assert.Len(t, p.Body, 64)

	require.NoError(t, os.Remove(path))
	_, err = tr.ToPublishing(env)
	assert.True(t, fault.IsTransport(err))
}

func TestShapeMismatches(t *testing.T) {
	t.Run("map body must be a JSON object", func(t *testing.T) {
		_, err := mustNew(t, Config{Kind: KindMap}).ToEnvelope(amqp.Delivery{Body: []byte("[1,2]")})
		assert.True(t, fault.IsTranslation(err))
	})

	t.Run("map payload must be text", func(t *testing.T) {
		_, err := mustNew(t, Config{Kind: KindMap}).ToPublishing(envelope.New([]byte{0xff, 0xfe}))
		assert.True(t, fault.IsTranslation(err))
	})

	t.Run("map designated field", func(t *testing.T) {
		tr := mustNew(t, Config{Kind: KindMap, PayloadField: "body"})
		env, err := tr.ToEnvelope(amqp.Delivery{Body: []byte(`{"body":"hi","count":3,"flag":true}`)})
		require.NoError(t, err)
		assert.Equal(t, "hi", env.StringPayload())
		assert.Equal(t, "3", env.MetadataValue("count"))
		assert.Equal(t, "true", env.MetadataValue("flag"))
	})

	t.Run("object payload must be serialized", func(t *testing.T) {
		_, err := mustNew(t, Config{Kind: KindObject}).ToPublishing(envelope.NewString("not json"))
		assert.True(t, fault.IsTranslation(err))

		_, err = mustNew(t, Config{Kind: KindObject}).ToEnvelope(amqp.Delivery{Body: []byte("{")})
		assert.True(t, fault.IsTranslation(err))
	})

	t.Run("object is decoded for display", func(t *testing.T) {
		env, err := mustNew(t, Config{Kind: KindObject}).ToEnvelope(amqp.Delivery{Body: []byte(`{"a":1}`)})
		require.NoError(t, err)
		obj, ok := env.Object(ObjectKey)
		require.True(t, ok)
		assert.Equal(t, map[string]interface{}{"a": float64(1)}, obj)
	})
}

func TestAutoTranslator(t *testing.T) {
	t.Run("detects shapes", func(t *testing.T) {
		cases := map[string]struct {
			d    amqp.Delivery
			want Kind
		}{
			"text":            {amqp.Delivery{ContentType: "text/plain; charset=utf-8", Body: []byte("a")}, KindText},
			"json":            {amqp.Delivery{ContentType: "application/json", Body: []byte("{}")}, KindText},
			"bytes":           {amqp.Delivery{ContentType: ContentTypeBytes, Body: []byte{1}}, KindBytes},
			"untyped body":    {amqp.Delivery{Body: []byte{1}}, KindBytes},
			"map":             {amqp.Delivery{ContentType: ContentTypeMap, Body: []byte("{}")}, KindMap},
			"object":          {amqp.Delivery{ContentType: ContentTypeObject, Body: []byte("1")}, KindObject},
			"empty shell":     {amqp.Delivery{}, KindBasic},
			"unrecognised":    {amqp.Delivery{ContentType: "image/png", Body: []byte{1}}, KindBasic},
			"malformed ctype": {amqp.Delivery{ContentType: ";;", Body: []byte{1}}, KindBasic},
		}
		for name, c := range cases {
			assert.Equal(t, c.want, Detect(c.d), name)
		}
	})

	t.Run("unrecognised shells keep metadata with empty payload", func(t *testing.T) {
		tr := mustNew(t, Config{})
		env, err := tr.ToEnvelope(amqp.Delivery{ContentType: "image/png", Headers: amqp.Table{"k": "v"}, Body: []byte{1, 2}})
		require.NoError(t, err)
		assert.Equal(t, int64(0), env.Size())
		assert.Equal(t, "v", env.MetadataValue("k"))
	})

	t.Run("outbound uses output type", func(t *testing.T) {
		tr := mustNew(t, Config{OutputType: KindBytes})
		assert.Equal(t, KindBytes, tr.Kind())
		p, err := tr.ToPublishing(envelope.NewString("x"))
		require.NoError(t, err)
		assert.Equal(t, ContentTypeBytes, p.ContentType)

		out, err := tr.ToEnvelope(deliver(p))
		require.NoError(t, err)
		assert.Equal(t, "x", out.StringPayload())
	})
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Kind: KindMap, Include: []string{"^a"}}.Validate())

	for name, cfg := range map[string]Config{
		"kind":      {Kind: "xml"},
		"output":    {OutputType: KindAuto},
		"threshold": {StreamThreshold: -1},
		"pattern":   {Exclude: []string{"("}},
	} {
		err := cfg.Validate()
		assert.True(t, fault.IsConfiguration(err), name)
	}

	_, err := New(Config{Include: []string{"["}})
	assert.True(t, fault.IsConfiguration(err))
}

func TestParsers(t *testing.T) {
	p, ok := ParsePriority(" 9 ")
	assert.True(t, ok)
	assert.Equal(t, uint8(9), p)
	_, ok = ParsePriority("10")
	assert.False(t, ok)

	m, ok := ParseDeliveryMode("PERSISTENT")
	assert.True(t, ok)
	assert.Equal(t, amqp.Persistent, m)
	_, ok = ParseDeliveryMode("3")
	assert.False(t, ok)

	ttl, ok := ParseTTL("1500")
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, ttl)
	_, ok = ParseTTL("-1")
	assert.False(t, ok)
}
