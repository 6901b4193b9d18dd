package remote

import (
	"context"
	"sync"
)

// Stream is a handle on one long-lived producer. Close is idempotent; Done is
// closed once the producer has returned and will deliver nothing more.
type Stream struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewStream runs produce in its own goroutine. produce must return promptly
// once its context is cancelled.
func NewStream(ctx context.Context, produce func(ctx context.Context)) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer cancel()
		produce(ctx)
	}()
	return s
}

func (s *Stream) Close() {
	s.once.Do(s.cancel)
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}
