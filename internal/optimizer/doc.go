// Package optimizer ties the classifier, batch aggregator, response
// cache, connection pool, and metrics collector into one explicitly
// owned context.
//
// An Optimizer is a value the caller creates and shuts down; there is
// no package-level instance. Multiple independent optimizers can
// coexist in one process, which is also what makes the tests
// deterministic.
package optimizer
