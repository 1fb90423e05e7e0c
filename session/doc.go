// Package session decides when a producer's cached broker session must be rebuilt.
//
// Policies:
//   - Default: keep the session forever
//   - PerMessage: a fresh session for every send
//   - TimedInactivity: rebuild after an idle window
//   - MessageCount: rebuild after a number of sends
//   - MessageSize: rebuild after a cumulative payload size
//   - Metadata: rebuild when the next envelope asks for it
package session
