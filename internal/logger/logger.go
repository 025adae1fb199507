package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

// New builds the process logger. Development gets a console writer; every
// other environment writes JSON lines to stdout. Explicit writers override
// both.
func New(env, level string, writers ...io.Writer) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer
	switch {
	case len(writers) > 0:
		out = io.MultiWriter(writers...)
	case isDevelopment(env):
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	default:
		out = os.Stdout
	}

	return zerolog.New(out).With().Timestamp().Str("service", "whatsapp-queue").Logger().Level(lvl), nil
}

func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}

func isDevelopment(env string) bool {
	return strings.EqualFold(env, "development") || strings.EqualFold(env, "dev")
}
