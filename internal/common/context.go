package common

import (
	"context"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyTaskID   contextKey = "task_id"
	ContextKeyWorkerID contextKey = "worker_id"
)

// WithTaskID adds the durable task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, taskID)
}

// TaskIDFromContext extracts the task ID from context
func TaskIDFromContext(ctx context.Context) string {
	if taskID, ok := ctx.Value(ContextKeyTaskID).(string); ok {
		return taskID
	}
	return ""
}

// WithWorkerID adds the worker number to the context
func WithWorkerID(ctx context.Context, workerID int) context.Context {
	return context.WithValue(ctx, ContextKeyWorkerID, workerID)
}

// WorkerIDFromContext extracts the worker number from context, 0 when absent
func WorkerIDFromContext(ctx context.Context) int {
	if id, ok := ctx.Value(ContextKeyWorkerID).(int); ok {
		return id
	}
	return 0
}
