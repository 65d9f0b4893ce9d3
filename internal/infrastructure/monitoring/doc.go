/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the
overlay proxy, tracking HTTP requests, upstream fetches, content cache
behavior, rewrite work, and WebSocket tunnel activity.

# Features

- HTTP request metrics (latency, throughput, size) labeled by route template
- Upstream fetch metrics per tenant and kind
- Content cache hit/miss counters
- HTML rewrite and CSS scope failure counters
- WebSocket tunnel and control bus gauges
- System metrics (uptime)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record domain metrics
	metrics.RecordUpstreamFetch("blerps", "page", "200")
	metrics.RecordCacheHit("asset")

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
