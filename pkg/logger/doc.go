// Package logger provides structured logging with configurable log levels.
// It wraps the standard log/slog package, emitting JSON in prod and text
// elsewhere, with optional size-rotated file output.
package logger
