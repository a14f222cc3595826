/*
Package resilience provides a circuit breaker used to detect a lost transport.

# Overview

The sync manager runs every batch round trip through a Breaker. Consecutive
retryable failures open the circuit, which is how the manager enters offline
mode; after OpenTimeout the breaker lets a probe through and a successful
probe closes it again, resuming normal flushing.

# Usage

	breaker := resilience.New("sync", resilience.Settings{
		FailureThreshold: 3,
		OpenTimeout:      15 * time.Second,
		IsFailure:        fault.Retryable,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Info("breaker", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	err := breaker.Do(func() error {
		return transport.SyncBatch(ctx, batch)
	})

# States

	Closed --[threshold failures]-> Open --[timeout]-> Half-Open --[probe ok]-> Closed
	                                                      |
	                                                 [probe fails]
	                                                      v
	                                                     Open

Errors rejected by IsFailure (validation, permission) pass through without
affecting the circuit.
*/
package resilience
