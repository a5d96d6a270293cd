// Package storetest holds small helpers shared by the store package's tests.
package storetest

import (
	"log/slog"
	"os"
)

// NewLogger returns a quiet test logger; set DEBUG=1 or DEBUG=2 to see
// info- or debug-level chatter while debugging a failing test.
func NewLogger() *slog.Logger {
	level := slog.LevelError
	switch os.Getenv("DEBUG") {
	case "1":
		level = slog.LevelInfo
	case "2":
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
