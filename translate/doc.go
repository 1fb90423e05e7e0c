// Package translate converts between envelopes and AMQP wire messages.
//
// One Translator exists per wire shape:
//   - TextTranslator: text/plain body
//   - BytesTranslator: opaque binary body, streamed at or above the stream threshold
//   - MapTranslator: JSON object with one designated payload field, other fields as metadata
//   - ObjectTranslator: serialized JSON value, decoded inbound for display
//   - BasicTranslator: headers only
//   - AutoTranslator: detects the inbound shape from the content type
//
// Ordinary metadata travels as AMQP headers through an include/exclude filter. Protocol
// properties (type, correlation id, priority...) are moved to and from reserved metadata
// keys only when MoveHeaders is enabled.
package translate
