// Package remotetest provides an in-memory control plane for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/loykin/devsession/internal/remote"
)

// Fake is a programmable remote.Client. Unless SpawnFunc is set, every spawn
// creates a fresh backend named backend-N, and a spawn carrying a lock that a
// previous spawn used returns that earlier backend with Spawned=false.
type Fake struct {
	mu sync.Mutex

	SpawnFunc     func(req remote.SpawnRequest) (remote.SpawnResult, error)
	TerminateFunc func(name string) error
	PushFunc      func(service, imageID string) error

	Spawns     []remote.SpawnRequest
	Terminated []string
	Pushed     []string

	seq      int
	locks    map[string]string
	status   map[string][]*feed[remote.StatusEvent]
	logs     map[string][]*feed[string]
	allFeeds []doner
}

type doner interface{ Done() <-chan struct{} }

type feed[T any] struct {
	stream  *remote.Stream
	handler func(T)
	end     chan struct{}
	once    sync.Once
}

func (f *feed[T]) Done() <-chan struct{} { return f.stream.Done() }

func (f *feed[T]) finish() { f.once.Do(func() { close(f.end) }) }

func NewFake() *Fake {
	return &Fake{
		locks:  make(map[string]string),
		status: make(map[string][]*feed[remote.StatusEvent]),
		logs:   make(map[string][]*feed[string]),
	}
}

var _ remote.Client = (*Fake)(nil)

func (f *Fake) Push(_ context.Context, service, imageID string) error {
	f.mu.Lock()
	f.Pushed = append(f.Pushed, imageID)
	fn := f.PushFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(service, imageID)
	}
	return nil
}

func (f *Fake) Spawn(_ context.Context, req remote.SpawnRequest) (remote.SpawnResult, error) {
	f.mu.Lock()
	f.Spawns = append(f.Spawns, req)
	fn := f.SpawnFunc
	if fn == nil {
		defer f.mu.Unlock()
		if req.Lock != "" {
			if name, ok := f.locks[req.Lock]; ok {
				return remote.SpawnResult{Name: name, Spawned: false}, nil
			}
		}
		f.seq++
		name := fmt.Sprintf("backend-%d", f.seq)
		if req.Lock != "" {
			f.locks[req.Lock] = name
		}
		return remote.SpawnResult{Name: name, Spawned: true, URL: "https://" + name + ".example"}, nil
	}
	f.mu.Unlock()
	return fn(req)
}

func (f *Fake) Terminate(_ context.Context, name string) error {
	f.mu.Lock()
	f.Terminated = append(f.Terminated, name)
	fn := f.TerminateFunc
	for lock, n := range f.locks {
		if n == name {
			delete(f.locks, lock)
		}
	}
	f.mu.Unlock()
	if fn != nil {
		return fn(name)
	}
	return nil
}

func (f *Fake) StreamStatus(ctx context.Context, name string, onUpdate func(remote.StatusEvent)) (*remote.Stream, error) {
	fd := newFeed(ctx, onUpdate)
	f.mu.Lock()
	f.status[name] = append(f.status[name], fd)
	f.allFeeds = append(f.allFeeds, fd)
	f.mu.Unlock()
	return fd.stream, nil
}

func (f *Fake) StreamLogs(ctx context.Context, name string, onLine func(string)) (*remote.Stream, error) {
	fd := newFeed(ctx, onLine)
	f.mu.Lock()
	f.logs[name] = append(f.logs[name], fd)
	f.allFeeds = append(f.allFeeds, fd)
	f.mu.Unlock()
	return fd.stream, nil
}

func newFeed[T any](ctx context.Context, handler func(T)) *feed[T] {
	fd := &feed[T]{handler: handler, end: make(chan struct{})}
	fd.stream = remote.NewStream(ctx, func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-fd.end:
		}
	})
	return fd
}

// SendStatus delivers ev to every status subscriber of name, including ones
// whose stream was closed. It returns the number of subscribers.
func (f *Fake) SendStatus(name string, ev remote.StatusEvent) int {
	f.mu.Lock()
	feeds := append([]*feed[remote.StatusEvent](nil), f.status[name]...)
	f.mu.Unlock()
	for _, fd := range feeds {
		fd.handler(ev)
	}
	return len(feeds)
}

// SendLog delivers line to every log subscriber of name.
func (f *Fake) SendLog(name, line string) int {
	f.mu.Lock()
	feeds := append([]*feed[string](nil), f.logs[name]...)
	f.mu.Unlock()
	for _, fd := range feeds {
		fd.handler(line)
	}
	return len(feeds)
}

// EndStreams makes the remote side hang up every stream of name.
func (f *Fake) EndStreams(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fd := range f.status[name] {
		fd.finish()
	}
	for _, fd := range f.logs[name] {
		fd.finish()
	}
}

// StatusSubscribers returns how many status streams were opened for name.
func (f *Fake) StatusSubscribers(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.status[name])
}

// AllStreamsDone reports whether every stream ever opened has finished.
func (f *Fake) AllStreamsDone() bool {
	f.mu.Lock()
	feeds := append([]doner(nil), f.allFeeds...)
	f.mu.Unlock()
	for _, fd := range feeds {
		select {
		case <-fd.Done():
		default:
			return false
		}
	}
	return true
}

// TerminatedNames returns a copy of the names passed to Terminate.
func (f *Fake) TerminatedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Terminated...)
}

// SpawnCount returns how many spawn calls were made.
func (f *Fake) SpawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Spawns)
}
