// Package fault defines the error taxonomy shared by the bridge, access and
// sync layers.
//
// Kinds:
//   - channel_error: handshake or setup failed
//   - message_timeout: no response after all retries
//   - channel_closed: the channel was cleaned up while a send was pending
//   - security_violation: origin or signature mismatch (never retried)
//   - permission_denied: capability check failed (never retried)
//   - sync_conflict: remote version is newer than the operation's base
//   - network_failure: transport failure (retryable)
//   - queue_overflow: oldest queued operation evicted
//
// Example Usage:
//
//	if errors.Is(err, fault.ErrSecurity) {
//	    logger.Audit("security violation", zap.Error(err))
//	}
package fault
