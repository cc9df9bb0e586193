// Package healthcheck implements the background health monitor. It
// probes every registered origin concurrently on a fixed interval,
// records liveness and latency per origin, and exposes a point-in-time
// snapshot query surface consumed by the selector.
package healthcheck
