package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv overrides the level when no explicit level is given.
const LevelEnv = "NARRATIVE_LOG_LEVEL"

// Init configures the global logger. level is debug, info, warn or error (default info,
// or NARRATIVE_LOG_LEVEL when level is empty). format "json" writes one JSON object per
// line for headless runs; anything else uses the console writer.
func Init(level, format string) {
	InitTo(os.Stderr, level, format)
}

// InitTo is Init with an explicit destination.
func InitTo(w io.Writer, level, format string) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv(LevelEnv)
	}
	zerolog.SetGlobalLevel(ParseLevel(level))

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
