// Package output provides the append-only event stream a job writes to and
// any number of viewers read from
package output

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Marker tags lifecycle events in the stream
type Marker string

const (
	MarkerNone     Marker = ""
	MarkerStarted  Marker = "started"
	MarkerFinished Marker = "finished"
	MarkerReloaded Marker = "reloaded"
)

// Event is one entry in the stream
type Event struct {
	Marker Marker
	Data   string
}

// Buffer is an append-only event stream. Every subscriber sees the full
// history followed by live events until the buffer is closed.
type Buffer struct {
	mu      sync.Mutex
	events  []Event
	closed  bool
	changed chan struct{}
}

// NewBuffer creates an empty open buffer
func NewBuffer() *Buffer {
	return &Buffer{changed: make(chan struct{})}
}

// Write appends a chunk. Writes after Close are dropped.
func (b *Buffer) Write(data string, marker Marker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.events = append(b.events, Event{Marker: marker, Data: data})
	b.broadcast()
}

// Puts appends a line, adding the trailing newline when missing
func (b *Buffer) Puts(line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	b.Write(line, MarkerNone)
}

// Close ends the stream. It is safe to call more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

// Closed reports whether Close has been called
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Events returns a snapshot of everything written so far
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Aggregate joins the data of all events into a single string
func (b *Buffer) Aggregate() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	for _, e := range b.events {
		sb.WriteString(e.Data)
	}
	return sb.String()
}

// Writer adapts the buffer to io.Writer for process output
func (b *Buffer) Writer() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		b.Write(string(p), MarkerNone)
		return len(p), nil
	})
}

// Subscribe streams the full history and then live events. The channel is
// closed once the buffer is closed and drained, or when ctx is done.
func (b *Buffer) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		next := 0
		for {
			b.mu.Lock()
			pending := b.events[next:]
			next = len(b.events)
			closed := b.closed
			changed := b.changed
			b.mu.Unlock()

			for _, e := range pending {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}

			if closed {
				b.mu.Lock()
				drained := next == len(b.events)
				b.mu.Unlock()
				if drained {
					return
				}
				continue
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// broadcast wakes every subscriber; callers hold b.mu
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
