/*
Package monitoring provides Prometheus metrics for the bridge service.

# Overview

Metrics are registered on an injected prometheus.Registerer so several
collectors can coexist in tests. Every Record/Set method is safe on a nil
*Metrics, which lets components treat metrics as optional.

# Features

- HTTP request metrics (latency, status)
- Bridge metrics (messages, send latency, retries, security violations)
- Permission check results
- Sync metrics (queue depth, outcomes, conflicts, flush latency, offline flag)
- Frame lifecycle transitions
- WebSocket connection gauge

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
