package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// InitLogger initializes the global zerolog logger and returns it.
// env "development" gets a console writer, anything else JSON lines.
func InitLogger(serviceName, env, level string) zerolog.Logger {
	return initLogger(os.Stdout, serviceName, env, level)
}

// InitLoggerTo is InitLogger writing to out, e.g. stderr for CLI commands.
func InitLoggerTo(out io.Writer, serviceName, env, level string) zerolog.Logger {
	return initLogger(out, serviceName, env, level)
}

func initLogger(out io.Writer, serviceName, env, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if env == "development" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	} else {
		log.Logger = zerolog.New(out).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	}
	return log.Logger
}

// WithTrace adds the trace and span ids of the span in ctx, if any, to base.
func WithTrace(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return base
	}
	return base.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
}
