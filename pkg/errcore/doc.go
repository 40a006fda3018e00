// Package errcore classifies failures, decides retry eligibility and delay, and
// protects downstream operations with decaying circuit breakers.
//
// Invariants:
//   - A breaker's failure count never goes below zero.
//   - An Open breaker refuses work until its reset timeout has elapsed.
//   - The error ledger never holds more than its configured capacity.
//   - WithRetry is the only place a collaborator error is returned to the caller,
//     and only after retries are exhausted.
//
// Usage:
//
//	core := errcore.New(errcore.DefaultConfig())
//	err := core.WithRetry(ctx, "run-tests", "agent-1", func(ctx context.Context) error {
//		return harness.Run(ctx)
//	})
package errcore
