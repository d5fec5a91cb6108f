package taskrouter

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey     ContextKey = "logger"
	WorkflowIDContextKey ContextKey = "workflow_id"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WorkflowIDContextKey, id)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetWorkflowIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(WorkflowIDContextKey).(string)
	return id, ok
}
