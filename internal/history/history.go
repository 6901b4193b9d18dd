// Package history exports backend lifecycle events of a session to external
// stores for later inspection.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawned    EventType = "spawned"
	EventReused     EventType = "reused"
	EventRefused    EventType = "refused"
	EventStatus     EventType = "status"
	EventTerminated EventType = "terminated"
	EventRemoved    EventType = "removed"
	EventRebuilt    EventType = "rebuilt"
)

// Event is one row of session history.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	Backend    string    `json:"backend,omitempty"`
	ImageID    string    `json:"image_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single delivery to one sink.
const DefaultSendTimeout = 5 * time.Second

const queueSize = 256

// Recorder stamps events with the session id and fans them out to sinks from
// a background worker, so a slow sink never stalls the caller. Delivery is
// best effort: sink failures are logged and events that overflow the queue
// are dropped.
type Recorder struct {
	mu      sync.RWMutex
	session string
	sinks   []Sink
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	queue  chan Event
	closed bool
	done   chan struct{}
}

func NewRecorder(session string, logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		session: session,
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger.With("component", "history"),
		now:     time.Now,
		timeout: DefaultSendTimeout,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Session returns the id stamped on every event.
func (r *Recorder) Session() string {
	if r == nil {
		return ""
	}
	return r.session
}

// AddSink appends s to the fan-out list.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record queues e for every sink and returns without waiting for delivery.
// A nil or closed Recorder discards events.
func (r *Recorder) Record(_ context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || len(r.sinks) == 0 {
		return
	}
	e.Session = r.session
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "event", e.Type, "backend", e.Backend)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.mu.RLock()
		sinks := append([]Sink(nil), r.sinks...)
		r.mu.RUnlock()
		for _, s := range sinks {
			r.send(s, e)
		}
	}
}

func (r *Recorder) send(s Sink, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := s.Send(ctx, e); err != nil {
		r.logger.Warn("history sink failed", "event", e.Type, "backend", e.Backend, "error", err)
	}
}

// Close delivers the queued events, then closes every sink that implements
// io.Closer. Events recorded afterwards are discarded.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
