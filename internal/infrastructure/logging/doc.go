// Package logging provides structured logging for Fleet Core.
//
// It wraps log/slog with configuration-driven level, format, and output
// selection, plus default service/version attributes on every record.
package logging
