// Package archive optionally records dispatched envelopes to Postgres.
//
// The writer consumes the dispatcher's tap channel, batches rows, and
// inserts them append-only. It is best-effort observability: the
// optimizer makes no persistence guarantees and runs fine without it.
package archive
