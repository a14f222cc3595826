/*
Package tracing correlates a dashboard request with the backend calls it
causes.

Each HTTP request gets a span. The trace id arrives in X-Trace-ID or is
minted, is echoed in the response headers, and rides the request context
into the backend client, which forwards it on outgoing requests. Finished
spans are logged by a buffered collector; when the buffer is full spans
are dropped rather than blocking requests.

# Usage

	tracer := tracing.New("annotation-bridge", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	// outgoing calls
	tracing.Inject(ctx, req.Header)
*/
package tracing
