// Package backend holds the in-memory record of every backend spawned in a
// development session and the registry that owns those records.
package backend

import (
	"time"
)

// Status is the lifecycle state reported by a backend's status stream.
type Status string

const (
	StatusLoading  Status = "Loading"
	StatusStarting Status = "Starting"
	StatusReady    Status = "Ready"

	// StatusDisconnected is recorded locally when a stream ends without the
	// remote side ever reporting a terminal state.
	StatusDisconnected Status = "Disconnected"
)

// IsTerminal reports whether s ends a backend's life. An empty status means
// no update has been received yet and is not terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case "", StatusLoading, StatusStarting, StatusReady:
		return false
	}
	return true
}

// Closer releases the streams attached to a backend. Close must be safe to
// call more than once; Done is closed after every stream has stopped delivering.
type Closer interface {
	Close()
	Done() <-chan struct{}
}

// Backend describes one remote compute instance spawned in this session.
type Backend struct {
	Name       string    `json:"name"`
	ImageID    string    `json:"image_id"`
	SpawnTime  time.Time `json:"spawn_time"`
	LastStatus Status    `json:"last_status,omitempty"`
	Lock       string    `json:"lock,omitempty"`
	Streaming  bool      `json:"streaming"`
	Color      Color     `json:"color"`
	Closer     Closer    `json:"-"`
}

// Outdated reports whether b runs an image other than imageID.
func (b Backend) Outdated(imageID string) bool {
	return b.ImageID != imageID
}
