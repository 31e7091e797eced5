// Package errtrack reports unexpected job failures to an error tracker
package errtrack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/deckhand/deckhand/pkg/logger"
)

// UserError marks a failure caused by the user (bad config, bad input).
// Reporters never forward these.
type UserError struct {
	Err error
}

// NewUserError creates a user-caused error
func NewUserError(format string, args ...interface{}) error {
	return &UserError{Err: fmt.Errorf(format, args...)}
}

func (e *UserError) Error() string { return e.Err.Error() }
func (e *UserError) Unwrap() error { return e.Err }

// IsUserError reports whether err or anything it wraps is a UserError
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// Reporter forwards errors to a tracker and returns the tracker's
// reference for the notice, or "" when the tracker gave none
type Reporter interface {
	Notify(ctx context.Context, err error, fields map[string]interface{}) (string, error)
}

// LogReporter "tracks" errors by logging them under a generated reference.
// When URLTemplate contains {{error_id}} the returned reference is that URL.
type LogReporter struct {
	Logger      logger.Logger
	URLTemplate string
}

// NewLogReporter creates a reporter backed by the given logger
func NewLogReporter(log logger.Logger, urlTemplate string) *LogReporter {
	return &LogReporter{Logger: log, URLTemplate: urlTemplate}
}

// Notify implements Reporter
func (r *LogReporter) Notify(_ context.Context, err error, fields map[string]interface{}) (string, error) {
	if err == nil || IsUserError(err) {
		return "", nil
	}

	id := uuid.New().String()
	logFields := []logger.Field{
		logger.WithField("error_id", id),
		logger.WithField("error", err.Error()),
	}
	for k, v := range fields {
		logFields = append(logFields, logger.WithField(k, v))
	}
	r.Logger.Error("Error reported", logFields...)

	if strings.Contains(r.URLTemplate, "{{error_id}}") {
		return strings.ReplaceAll(r.URLTemplate, "{{error_id}}", id), nil
	}
	return id, nil
}
