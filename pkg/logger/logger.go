// Package logger provides structured logging with job-scoped prefixes
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger interface for abstracted logging
type Logger interface {
	Info(message string, fields ...Field)
	Error(message string, fields ...Field)
	Warn(message string, fields ...Field)
	Debug(message string, fields ...Field)
	Success(message string, fields ...Field)
	WithJob(jobID string) Logger
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// WithField creates a new field
func WithField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// JobLogger implements Logger on top of logrus, optionally scoped to a job
type JobLogger struct {
	logger *logrus.Logger
	jobID  string
}

// CustomFormatter renders one colored line per entry with a job prefix
type CustomFormatter struct {
	TimestampFormat string
	DisableColors   bool
}

// Format implements logrus.Formatter
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	var levelColor *color.Color
	var levelText string

	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = color.New(color.FgRed, color.Bold)
		levelText = "ERROR"
	case logrus.WarnLevel:
		levelColor = color.New(color.FgYellow, color.Bold)
		levelText = "WARN"
	case logrus.InfoLevel:
		levelColor = color.New(color.FgCyan)
		levelText = "INFO"
	default:
		levelColor = color.New(color.FgWhite, color.Faint)
		levelText = "DEBUG"
	}

	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		data[k] = v
	}

	jobPrefix := ""
	if job, ok := data["job"]; ok {
		if f.DisableColors {
			jobPrefix = fmt.Sprintf("[%v] ", job)
		} else {
			jobPrefix = fmt.Sprintf("[%s] ", color.New(color.FgBlue).Sprint(job))
		}
		delete(data, "job")
	}

	level := levelText
	if !f.DisableColors {
		level = levelColor.Sprint(levelText)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚓ [%s] %s: %s%s", timestamp, level, jobPrefix, entry.Message)

	if len(data) > 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, data[k]))
		}
		fields := " {" + strings.Join(pairs, ", ") + "}"
		if f.DisableColors {
			b.WriteString(fields)
		} else {
			b.WriteString(color.New(color.FgWhite, color.Faint).Sprint(fields))
		}
	}

	b.WriteString("\n")
	return []byte(b.String()), nil
}

// CreateLogger creates a new logger writing to stdout and, when logFile is
// set, appending to that file as well
func CreateLogger(logFile string, logLevel string) Logger {
	var out io.Writer = os.Stdout
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, file)
		}
	}
	return newJobLogger(logLevel, out, false)
}

// CreateLoggerWithOutput creates a logger with custom output (for testing)
func CreateLoggerWithOutput(logLevel string, output io.Writer) Logger {
	return newJobLogger(logLevel, output, true)
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger {
	return newJobLogger("panic", io.Discard, true)
}

func newJobLogger(logLevel string, out io.Writer, disableColors bool) *JobLogger {
	log := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&CustomFormatter{
		TimestampFormat: "15:04:05",
		DisableColors:   disableColors,
	})
	log.SetOutput(out)

	return &JobLogger{logger: log}
}

// WithJob creates a new logger whose entries carry the job id
func (l *JobLogger) WithJob(jobID string) Logger {
	return &JobLogger{
		logger: l.logger,
		jobID:  jobID,
	}
}

func (l *JobLogger) entry(fields []Field) *logrus.Entry {
	result := make(logrus.Fields, len(fields)+1)
	if l.jobID != "" {
		result["job"] = l.jobID
	}
	for _, f := range fields {
		result[f.Key] = f.Value
	}
	return l.logger.WithFields(result)
}

// Info logs an info message
func (l *JobLogger) Info(message string, fields ...Field) {
	l.entry(fields).Info(message)
}

// Error logs an error message
func (l *JobLogger) Error(message string, fields ...Field) {
	l.entry(fields).Error(message)
}

// Warn logs a warning message
func (l *JobLogger) Warn(message string, fields ...Field) {
	l.entry(fields).Warn(message)
}

// Debug logs a debug message
func (l *JobLogger) Debug(message string, fields ...Field) {
	l.entry(fields).Debug(message)
}

// Success logs a success message (info level with special formatting)
func (l *JobLogger) Success(message string, fields ...Field) {
	l.entry(fields).Info("✅ " + message)
}

// ConsoleLogger prints plain CLI status lines
type ConsoleLogger struct {
	out io.Writer
	err io.Writer
}

// NewConsoleLogger creates a console logger for CLI output
func NewConsoleLogger(out, errOut io.Writer) *ConsoleLogger {
	return &ConsoleLogger{out: out, err: errOut}
}

// Info prints info message
func (c *ConsoleLogger) Info(message string) {
	fmt.Fprintf(c.out, "⚓ %s %s\n", color.CyanString("[deckhand]"), message)
}

// Error prints error message
func (c *ConsoleLogger) Error(message string) {
	fmt.Fprintf(c.err, "⚓ %s %s\n", color.RedString("[deckhand]"), message)
}

// Warn prints warning message
func (c *ConsoleLogger) Warn(message string) {
	fmt.Fprintf(c.out, "⚓ %s %s\n", color.YellowString("[deckhand]"), message)
}

// Success prints success message
func (c *ConsoleLogger) Success(message string) {
	fmt.Fprintf(c.out, "⚓ %s ✅ %s\n", color.GreenString("[deckhand]"), message)
}
