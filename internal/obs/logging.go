// Package obs contains observability utilities such as logging and tracing.
package obs

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the global structured logger used by the service.
//
// Logger is exported to allow other packages to use it for logging. It
// writes through slog.Default until InitLogger is called.
var Logger = slog.Default()

// level backs the handler so the threshold can change after init.
var level = new(slog.LevelVar)

// InitLogger initializes the global Logger with a JSON handler at info level.
func InitLogger() {
	level.Set(slog.LevelInfo)
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	Logger = slog.New(h)
}

// SetLevel changes the threshold of the JSON handler.
func SetLevel(s string) { level.Set(ParseLevel(s)) }

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
