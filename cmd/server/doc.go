// Package main is the entry point for the overlay proxy server.
//
// The proxy multiplexes third-party browser overlays (alerts, chat,
// sound widgets) onto a single compositor page. Each overlay is a
// tenant with its own upstream origin, cookie jar, and CSS scope.
//
// Architecture:
//
//	Compositor page → Overlay proxy → Overlay vendor origins
//	Control clients → /api/control  → WebSocket control bus
//
// The server provides:
//   - Wrapped-URL proxying with HTML/CSS rewriting
//   - Per-tenant cookie isolation and content caching
//   - WebSocket tunneling for realtime overlay transports
//   - A control bus for reload/visibility commands
//   - Fallback attribution for requests that lost their overlay hint
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 4321 -tenants config/overlays.yaml
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
