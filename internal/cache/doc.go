// Package cache provides the bounded response cache.
//
// Entries live for a configured TTL and the population is bounded by an
// LRU policy. Keys are normalized (trimmed, lower-cased) on both store
// and lookup, so casing and whitespace variants of the same request
// share one entry. Expired entries are purged lazily on lookup and by a
// periodic sweep.
package cache
