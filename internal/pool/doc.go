// Package pool manages reusable transport handles keyed by (id, type).
//
// A handle is dialed once and reused until it has been idle longer than
// the configured timeout, at which point a background sweep closes it.
// When the pool is full, the least-recently-used idle handle is evicted
// to admit a new one; with no idle handle to evict, acquisition fails.
package pool
