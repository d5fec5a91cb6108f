package agent

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	agentContextKey   contextKey = "agent"
	loggerContextKey  contextKey = "logger"
	messageContextKey contextKey = "message_id"
)

// WithAgent returns a context carrying the agent handling the current message.
func WithAgent(ctx context.Context, a *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, a)
}

// FromContext returns the agent handling the current message. Executors use
// it to call peers or reach their own state.
func FromContext(ctx context.Context) (*Agent, bool) {
	a, ok := ctx.Value(agentContextKey).(*Agent)
	return a, ok
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext returns the message-scoped logger, or the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func withMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageContextKey, id)
}

// MessageIDFromContext returns the id of the message being handled.
func MessageIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(messageContextKey).(string)
	return id
}
