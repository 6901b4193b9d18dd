package remote

import (
	"errors"
	"fmt"
)

// ErrNoPusher is returned by Push when no image pusher is configured.
var ErrNoPusher = errors.New("no image pusher configured")

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: control plane returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: control plane returned %d: %s", e.Op, e.Status, e.Body)
}
