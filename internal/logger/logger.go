package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Options controls how Init builds the global logger.
type Options struct {
	Level   string // zerolog level name, info when empty or unknown
	Format  string // json or console; console is also forced by ENV=development
	Service string // added to every line when set
	Output  io.Writer
}

// Init initializes the global logger
func Init(opts Options) {
	logLevel, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	if opts.Format == "console" || os.Getenv("CALLWATCH_ENV") == "development" || os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp().Caller()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	Logger = ctx.Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithRule returns a logger scoped to one alert rule
func WithRule(component, ruleID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("rule_id", ruleID).Logger()
}
