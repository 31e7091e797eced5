package logger

import (
	"context"

	dcontext "github.com/deckhand/deckhand/pkg/context"
)

// WithContext returns a logger that adds the tracing values found in ctx
// (request id, job, queue key, operation, elapsed time) to every entry
func WithContext(ctx context.Context, log Logger) Logger {
	if ctx == nil {
		return log
	}
	if jobID := dcontext.GetJobID(ctx); jobID != "" {
		log = log.WithJob(jobID)
	}
	return &contextualLogger{ctx: ctx, logger: log}
}

// contextualLogger wraps a logger with automatic context field extraction
type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) fields(fields []Field) []Field {
	var out []Field
	if id := dcontext.GetRequestID(cl.ctx); id != "" {
		out = append(out, WithField("request_id", id))
	}
	if key := dcontext.GetQueueKey(cl.ctx); key != "" {
		out = append(out, WithField("queue", key))
	}
	if op := dcontext.GetOperation(cl.ctx); op != "" {
		out = append(out, WithField("operation", op))
	}
	if d := dcontext.GetDuration(cl.ctx); d > 0 {
		out = append(out, WithField("duration_ms", d.Milliseconds()))
	}
	return append(out, fields...)
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, cl.fields(fields)...)
}

func (cl *contextualLogger) WithJob(jobID string) Logger {
	return &contextualLogger{
		ctx:    cl.ctx,
		logger: cl.logger.WithJob(jobID),
	}
}
