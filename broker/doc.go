// Package broker provides the reliable AMQP client used by relay pipelines.
//
// This package includes:
//   - Connection: a single broker connection with lifecycle state and exception listeners
//   - FailoverConnection: ordered candidates, switching round robin on failure
//   - Probe: background liveness check through a temporary queue
//   - Producer: policy-driven session reuse, translation and delivery tiers
//   - Consumer: queue, topic, durable subscription and temporary queue consumption
//
// Failures flow one way: whoever observes a broken connection (a send, the probe, a
// broker initiated close) calls Connection.ReportFailure, and the connection's owner or
// registered FailoverConnection switches to the next candidate.
package broker
