package utils

import (
	"io"
	"log/slog"
)

// LoggerOrDiscard returns logger, or a logger that discards everything when
// logger is nil. Absence of a logging sink must never change behavior.
func LoggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
