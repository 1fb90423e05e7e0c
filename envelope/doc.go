// Package envelope provides the platform's protocol independent message representation.
//
// An Envelope carries:
//   - a payload, in memory or backed by a file for large messages
//   - a declared payload encoding
//   - ordered, case-sensitive string metadata
//   - transient objects that are never serialized
//   - a unique id
package envelope
