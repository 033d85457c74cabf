// Package dedupe tracks identifiers that have already been handled.
//
// Cache is a thread-safe TTL window for idempotency keys on inbound
// callbacks. Set is the per-session processed-id set used while a timeline
// is open; it never expires entries.
package dedupe
