package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNoImage is returned when a spawn is attempted before any image exists.
	ErrNoImage = errors.New("no image has been built yet")
	// ErrInconsistent marks a spawn response that violates the control plane's
	// lock semantics. It is fatal for the session.
	ErrInconsistent = errors.New("inconsistent spawn response")
	// ErrStaleBackend refuses reuse of a backend running an outdated image.
	ErrStaleBackend = errors.New("backend runs an outdated image")
	// ErrUntrackedBackend refuses reuse of a backend this session did not spawn.
	ErrUntrackedBackend = errors.New("backend was not spawned by this session")
)

// InconsistencyError describes a spawn response whose spawned flag
// contradicts what the registry knows about the returned name.
//
// A tracked name reported as newly spawned is fatal. An untracked name
// reported as reused is refused; the error then also matches
// ErrUntrackedBackend.
type InconsistencyError struct {
	Name    string
	Spawned bool
	Tracked bool
}

func (e *InconsistencyError) Error() string {
	if e.Tracked {
		return fmt.Sprintf("%s: %q was reported as newly spawned but is already tracked", ErrInconsistent, e.Name)
	}
	return fmt.Sprintf("%s: %q was reported as an existing instance: %s", ErrInconsistent, e.Name, ErrUntrackedBackend)
}

func (e *InconsistencyError) Unwrap() []error {
	if e.Fatal() {
		return []error{ErrInconsistent}
	}
	return []error{ErrInconsistent, ErrUntrackedBackend}
}

// Fatal reports whether the session can no longer trust its registry.
func (e *InconsistencyError) Fatal() bool { return e.Tracked }

// IsRefusal reports whether err is a refused spawn rather than a failure.
func IsRefusal(err error) bool {
	return errors.Is(err, ErrStaleBackend) || errors.Is(err, ErrUntrackedBackend)
}
