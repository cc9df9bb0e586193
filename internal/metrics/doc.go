// Package metrics collects per-origin request, latency, tunnel and
// health statistics through a buffered event channel, keeping
// aggregation off the request path. A JSON snapshot is exposed over
// HTTP.
package metrics
