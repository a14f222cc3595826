/*
Package bridge implements the request/response channel between the host
and the embedded annotation tool.

Every inbound envelope is checked against the exact target origin before
anything else looks at it. Mismatches are dropped, audit-logged and raised
once as events.SecurityViolation. When the bridge is built with a
SignedChannel, envelopes whose HKDF-derived MAC does not verify are dropped
the same way, and a pending Send whose reply fails verification is rejected
with fault.ErrSecurity.

Send retries on timeout only, re-transmitting the same message id so a late
reply to an earlier attempt still correlates:

	b := bridge.New(bridge.Options{Channel: channel, Logger: logger})
	if err := b.Initialize(ctx, conn, "https://annotate.example"); err != nil {
		return err
	}
	resp, err := b.Send(ctx, "context:set", snapshot)

Cleanup rejects every in-flight Send with fault.ErrClosed.
*/
package bridge
