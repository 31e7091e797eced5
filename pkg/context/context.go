// Package context carries job tracing values through context.Context
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context keys. Unexported struct pointers prevent key collisions.
var (
	requestIDKey = &struct{}{}
	jobIDKey     = &struct{}{}
	queueKeyKey  = &struct{}{}
	operationKey = &struct{}{}
	startTimeKey = &struct{}{}
)

// WithRequestID adds a request ID to the context
func WithRequestID(parent context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	return context.WithValue(parent, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context, or "" when unset
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithJobID tags the context with the job being executed
func WithJobID(parent context.Context, jobID string) context.Context {
	return context.WithValue(parent, jobIDKey, jobID)
}

// GetJobID retrieves the job ID from context, or "" when unset
func GetJobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey).(string)
	return id
}

// WithQueueKey tags the context with the queue key a job was dispatched on
func WithQueueKey(parent context.Context, key string) context.Context {
	return context.WithValue(parent, queueKeyKey, key)
}

// GetQueueKey retrieves the queue key from context, or "" when unset
func GetQueueKey(ctx context.Context) string {
	key, _ := ctx.Value(queueKeyKey).(string)
	return key
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context
func GetOperation(ctx context.Context) string {
	op, _ := ctx.Value(operationKey).(string)
	return op
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetDuration returns the time elapsed since WithStartTime, or 0 when unset
func GetDuration(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// GenerateRequestID creates a new unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.New().String()
}

// ForJob returns a context enriched for one job attempt
func ForJob(parent context.Context, jobID, queueKey string) context.Context {
	ctx := parent
	if GetRequestID(ctx) == "" {
		ctx = WithRequestID(ctx, "")
	}
	ctx = WithJobID(ctx, jobID)
	if queueKey != "" {
		ctx = WithQueueKey(ctx, queueKey)
	}
	return WithStartTime(ctx, time.Now())
}
