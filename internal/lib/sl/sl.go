// Package sl holds small helpers for structured logging with slog.
package sl

import "log/slog"

// Err returns a slog attribute with the "error" key so error fields look
// the same everywhere in the logs.
func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}
