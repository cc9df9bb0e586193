// Package upstream normalizes the configured upstream list into a
// canonical registry of origins. Input is either plain address strings
// (uniform probing) or per-upstream configuration records carrying a
// probe path and an optional request quota; the two forms are never
// mixed.
package upstream
