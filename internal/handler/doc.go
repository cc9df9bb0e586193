// Package handler wires the selector to the forwarding engine for
// inbound HTTP requests and WebSocket upgrades. It owns the
// no-eligible-target behavior (503 for HTTP, internal-error close for
// WebSocket) and emits metric events along the way.
package handler
