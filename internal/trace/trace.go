// Package trace records the ordered task-boundary events of a session and
// renders them for explainability tooling.
package trace

import (
	"sync"
	"time"
)

// Kind classifies a trace event.
type Kind string

const (
	KindEnter   Kind = "enter"
	KindMessage Kind = "message"
	KindRetry   Kind = "retry"
	KindExit    Kind = "exit"
	KindFail    Kind = "fail"
)

// Event is one entry of a session trace.
type Event struct {
	TaskID      string `json:"task_id"`
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
	TimestampMs int64  `json:"timestamp_ms"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// Publisher receives events as they are recorded.
type Publisher interface {
	Publish(sessionID string, e Event)
}

// Collector accumulates the events of one session in execution order.
type Collector struct {
	mu        sync.Mutex
	sessionID string
	events    []Event
	pub       Publisher
	now       func() time.Time
}

func NewCollector(sessionID string) *Collector {
	return &Collector{sessionID: sessionID, now: time.Now}
}

// FromEvents restores a collector from persisted events so a resumed
// session keeps appending to the same trace.
func FromEvents(sessionID string, events []Event) *Collector {
	c := NewCollector(sessionID)
	c.events = append(c.events, events...)
	return c
}

// Attach sets the publisher notified on every Record.
func (c *Collector) Attach(p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pub = p
}

// SetClock overrides the time source.
func (c *Collector) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Record stamps and appends an event.
func (c *Collector) Record(taskID string, kind Kind, message string) Event {
	return c.Append(Event{TaskID: taskID, Kind: kind, Message: message})
}

// RecordDuration appends an event carrying an elapsed duration.
func (c *Collector) RecordDuration(taskID string, kind Kind, message string, d time.Duration) Event {
	return c.Append(Event{TaskID: taskID, Kind: kind, Message: message, DurationMs: d.Milliseconds()})
}

// Append adds e, stamping it when TimestampMs is zero. Timestamps never go
// backwards within one collector.
func (c *Collector) Append(e Event) Event {
	c.mu.Lock()
	if e.TimestampMs == 0 {
		e.TimestampMs = c.now().UnixMilli()
	}
	if n := len(c.events); n > 0 && e.TimestampMs < c.events[n-1].TimestampMs {
		e.TimestampMs = c.events[n-1].TimestampMs
	}
	c.events = append(c.events, e)
	pub, id := c.pub, c.sessionID
	c.mu.Unlock()

	if pub != nil {
		pub.Publish(id, e)
	}
	return e
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *Collector) SessionID() string { return c.sessionID }

// TaskPath returns the task ids in the order they were entered.
func TaskPath(events []Event) []string {
	var path []string
	for _, e := range events {
		if e.Kind == KindEnter {
			path = append(path, e.TaskID)
		}
	}
	return path
}
