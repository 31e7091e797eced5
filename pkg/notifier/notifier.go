// Package notifier is the observability sink for queue and execution events
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/deckhand/deckhand/pkg/logger"
)

// Event names emitted by the engine
const (
	EventJobQueue   = "job_queue"
	EventExecuteJob = "execute_job"
)

// Instrumenter receives fire-and-forget events
type Instrumenter interface {
	Instrument(name string, payload map[string]interface{})
}

// Config represents notification configuration
type Config struct {
	// Enabled turns on desktop notifications; events are logged regardless
	Enabled bool
	// QueueThreshold is the queued count above which a queue notification is sent
	QueueThreshold int
}

// Notifier logs every event and, when enabled, raises desktop
// notifications for finished deploys and long queues
type Notifier struct {
	config Config
	logger logger.Logger
	send   func(title, message string) error
}

// New creates a new notifier
func New(config Config, log logger.Logger) *Notifier {
	if config.QueueThreshold <= 0 {
		config.QueueThreshold = 5
	}
	return &Notifier{
		config: config,
		logger: log,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

var _ Instrumenter = (*Notifier)(nil)

// Instrument implements Instrumenter
func (n *Notifier) Instrument(name string, payload map[string]interface{}) {
	fields := make([]logger.Field, 0, len(payload)+1)
	fields = append(fields, logger.WithField("event", name))
	for k, v := range payload {
		fields = append(fields, logger.WithField(k, v))
	}
	n.logger.Debug("Instrument", fields...)

	if !n.config.Enabled {
		return
	}

	switch name {
	case EventJobQueue:
		queued, _ := payload["queued"].(int)
		threads, _ := payload["threads"].(int)
		if queued > n.config.QueueThreshold {
			n.notify("⏳ Deploy Queue", fmt.Sprintf("%d running, %d queued", threads, queued))
		}
	case EventExecuteJob:
		project, _ := payload["project"].(string)
		stage, _ := payload["stage"].(string)
		duration, _ := payload["duration"].(time.Duration)
		if success, _ := payload["success"].(bool); success {
			n.notify("✅ Deploy Succeeded", fmt.Sprintf("%s to %s in %s", project, stage, formatDuration(duration)))
		} else {
			n.notify("❌ Deploy Failed", fmt.Sprintf("%s to %s", project, stage))
		}
	}
}

func (n *Notifier) notify(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithField("error", err))
	}
}

// Event is one recorded instrument call
type Event struct {
	Name    string
	Payload map[string]interface{}
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Instrumenter = (*Recorder)(nil)

// Instrument implements Instrumenter
func (r *Recorder) Instrument(name string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Payload: payload})
}

// Events returns the events recorded under name, in order
func (r *Recorder) Events(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Nop discards events
type Nop struct{}

// Instrument implements Instrumenter
func (Nop) Instrument(string, map[string]interface{}) {}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
