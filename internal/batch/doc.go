// Package batch accumulates low-tier messages per destination and
// flushes them as single envelopes.
//
// A batch flushes on whichever comes first: the queue reaching
// MaxSize, or MaxWait elapsing since the first message. Dispatch
// failures are retried with exponential backoff; an envelope that
// exhausts its retries is dropped and reported, never fatal.
package batch
