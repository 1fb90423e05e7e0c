// Package workflow runs transacted consume-process-forward loops.
//
// A Workflow receives one message at a time on a transacted session, hands it to a
// Processor and forwards the results through the same session. Success acknowledges
// and commits. Any failure, including an untranslatable message or a processor panic,
// rolls back, returns the message to the broker and waits before the next receive.
package workflow
