package backend

import "errors"

// ErrEmptyName is returned when a record without a name is upserted.
var ErrEmptyName = errors.New("backend name is empty")

// ErrMissingCloser is returned when a streaming record carries no closer.
var ErrMissingCloser = errors.New("streaming backend has no stream closer")
