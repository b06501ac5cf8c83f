package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type loggerContextKey struct{}

func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		// stdout is reserved for command output
		fallback := slog.New(NewTraceLogHandler(slog.NewJSONHandler(os.Stderr, nil)))
		fallback = fallback.With(slog.String("logger", "fallback"))
		return fallback
	}
	return logger
}

func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

func AddMetaToContext(ctx context.Context, args ...slog.Attr) context.Context {
	logger := FromContext(ctx)

	// Convert our []slog.Attr to []any
	anySlice := make([]any, len(args))
	for i, arg := range args {
		anySlice[i] = arg
	}

	withMeta := logger.With(anySlice...)

	return AddToContext(ctx, withMeta)
}

// JSON logger with trace correlation, as used by the binaries
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewTraceLogHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}
