// Package outbox implements the transactional outbox pattern.
//
// Producers append events inside their own database transaction through a
// Publisher, so an event exists exactly when the state change that raised it
// commits. A Dispatcher claims eligible events from a Store, delivers them to
// the handlers registered for their topic and records the outcome: published,
// retried after a backoff, or quarantined as failed-permanently once the
// attempt ceiling is reached or a handler reports an unrecoverable error. A
// Sweeper returns claims abandoned by crashed dispatchers to pending.
//
// Delivery is at-least-once and handlers must be idempotent. Ordering is by
// priority, then occurrence time, then id; concurrent dispatchers do not
// preserve it across workers.
//
// Store implementations live in the postgres and sqlite subpackages.
package outbox
