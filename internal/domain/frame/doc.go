// Package frame manages the lifecycle of the embedded annotation frame.
//
// States move uninitialized -> loading -> ready -> {error | destroyed}.
// A failed or timed-out load moves to error and is retried with doubling
// backoff. Destroy is reachable from every state, idempotent and terminal.
package frame
