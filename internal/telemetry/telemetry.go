// Package telemetry records application usage events.
//
// Recording is fire-and-forget: a Session never fails the operation that
// records an event. Events are buffered until SubmitEvents.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is one recorded occurrence.
type Event struct {
	Name       string
	Attributes map[string]string
	At         time.Time
}

// Session is an analytics session.
type Session interface {
	// Start opens the session.
	Start(ctx context.Context)

	// Stop closes the session. Events recorded after Stop are discarded.
	Stop(ctx context.Context)

	// Record buffers an event.
	Record(name string, attrs map[string]string)

	// SubmitEvents flushes buffered events to the backend.
	SubmitEvents(ctx context.Context) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Start(context.Context)              {}
func (Nop) Stop(context.Context)               {}
func (Nop) Record(string, map[string]string)   {}
func (Nop) SubmitEvents(context.Context) error { return nil }

var (
	_ Session = Nop{}
	_ Session = (*LogSession)(nil)
)

// LogSession buffers events in memory and writes them to a slog logger on
// SubmitEvents.
//
// Thread-safety: safe for concurrent use.
type LogSession struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	started   time.Time
	stopped   bool
	events    []Event
	submitted int
}

// Option configures a LogSession.
type Option func(*LogSession)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *LogSession) { s.now = now }
}

// NewLogSession creates a session writing to logger (nil: slog.Default()).
func NewLogSession(logger *slog.Logger, opts ...Option) *LogSession {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LogSession{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LogSession) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = s.now()
	s.stopped = false
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "telemetry session started")
}

func (s *LogSession) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var duration time.Duration
	if !s.started.IsZero() {
		duration = s.now().Sub(s.started)
	}
	pending := len(s.events)
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "telemetry session stopped", "duration", duration, "pending", pending)
}

func (s *LogSession) Record(name string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	s.events = append(s.events, Event{Name: name, Attributes: copied, At: s.now()})
}

// SubmitEvents logs every buffered event and clears the buffer.
func (s *LogSession) SubmitEvents(ctx context.Context) error {
	s.mu.Lock()
	events := s.events
	s.events = nil
	s.submitted += len(events)
	s.mu.Unlock()

	for _, ev := range events {
		args := []any{"event", ev.Name, "at", ev.At}
		keys := make([]string, 0, len(ev.Attributes))
		for k := range ev.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, k, ev.Attributes[k])
		}
		s.logger.InfoContext(ctx, "telemetry event", args...)
	}
	return nil
}

// Pending returns a copy of the buffered events.
func (s *LogSession) Pending() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Submitted counts events handed to the logger so far.
func (s *LogSession) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}
