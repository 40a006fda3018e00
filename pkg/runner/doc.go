// Package runner drives cooperative worker loops.
//
// A Runner repeatedly calls an Iterator: RunIteration once per interval,
// HandleResult for every completed item waiting in the result queue, and a
// short check-interval sleep in between. Errors and panics are recorded in the
// Error Core and followed by a longer backoff; only Stop ends the loop.
//
// TestRunner is the bundled Iterator. It executes a test suite through a
// Harness, turns failures into WorkItems and re-runs them on a bounded Pool.
package runner
