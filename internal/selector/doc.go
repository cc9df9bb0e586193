// Package selector implements the two target selection policies: a
// static round robin over a fixed origin list, and a health-aware
// policy that picks the fastest healthy origin under per-window request
// quotas fed by the health monitor.
package selector
