// Package metrics aggregates counters from the optimizer components.
//
// The collector is passive: the classifier, aggregator, cache, and pool
// increment it, and Snapshot derives a read-only view on request.
// Counters are optionally mirrored to Prometheus for scraping.
package metrics
