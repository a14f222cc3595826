/*
Package syncer owns the queue of local annotation mutations and keeps the
backend's copy consistent with it.

# Lifecycle

Each Operation moves queued -> sending -> {acknowledged | conflicted | failed}.
A conflicted operation is resolved once by the Policy bound when it was
enqueued: LastWriterWins discards it, LocalWins resends it on top of the
remote version (at most MaxConflictRetries times), Manual parks it as a
Conflict and holds every later operation on the same entity until
ResolveConflictManually is called or ManualConflictTTL passes, at which
point the remote version wins and sync:conflict-expired is emitted.

Retryable batch failures requeue the batch in order with exponential
backoff capped at MaxBackoff. OfflineThreshold consecutive transport
failures open a circuit breaker; while it is open flushes are skipped and
operations keep queuing up to MaxQueueSize, oldest evicted first with a
sync:data-loss event.

# Usage

	mgr := syncer.NewManager(syncer.NewBridgeTransport(b), syncer.Options{
		Authorizer: contexts,
		Bus:        bus,
	})
	mgr.Start(ctx)
	defer mgr.Stop()

	op, err := mgr.Enqueue(ctx, syncer.Mutation{
		Type:        syncer.OpUpdate,
		EntityID:    "ann-1",
		Payload:     annotation,
		BaseVersion: 4,
	})
*/
package syncer
