package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorderStampsAndFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	r := NewRecorder("sess-1", nil, a, b)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Record(context.Background(), Event{Type: EventSpawned, Backend: "fox", ImageID: "img"})
	require.NoError(t, r.Close())

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, "sess-1", a.events[0].Session)
	assert.Equal(t, fixed, a.events[0].OccurredAt)
	assert.Equal(t, EventSpawned, b.events[0].Type)
}

func TestRecorderKeepsExplicitTime(t *testing.T) {
	s := &memSink{}
	r := NewRecorder("s", nil, s)
	at := time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC)
	r.Record(context.Background(), Event{Type: EventStatus, OccurredAt: at})
	require.NoError(t, r.Close())
	assert.Equal(t, at, s.events[0].OccurredAt)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventRefused})
	assert.NoError(t, r.Close())
	assert.Equal(t, "", r.Session())
}

func TestRecorderCloseClosesSinks(t *testing.T) {
	s := &memSink{}
	r := NewRecorder("s", nil)
	r.AddSink(s)
	require.NoError(t, r.Close())
	assert.True(t, s.closed)

	r.Record(context.Background(), Event{Type: EventStatus})
	assert.Empty(t, s.events)
	assert.NoError(t, r.Close())
}

type blockingSink struct {
	release chan struct{}
	sent    chan Event
}

func (b *blockingSink) Send(ctx context.Context, e Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.sent <- e
	return nil
}

func TestRecordDoesNotWaitForSlowSink(t *testing.T) {
	s := &blockingSink{release: make(chan struct{}), sent: make(chan Event, 4)}
	r := NewRecorder("s", nil, s)

	returned := make(chan struct{})
	go func() {
		r.Record(context.Background(), Event{Type: EventSpawned, Backend: "a"})
		r.Record(context.Background(), Event{Type: EventRemoved, Backend: "a"})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}

	close(s.release)
	require.NoError(t, r.Close())
	require.Len(t, s.sent, 2)
	assert.Equal(t, EventSpawned, (<-s.sent).Type)
	assert.Equal(t, EventRemoved, (<-s.sent).Type)
}

func TestStalledSinkIsBoundedByTimeout(t *testing.T) {
	s := &blockingSink{release: make(chan struct{}), sent: make(chan Event, 1)}
	r := NewRecorder("s", nil, s)
	r.timeout = 20 * time.Millisecond

	r.Record(context.Background(), Event{Type: EventStatus})

	closed := make(chan error, 1)
	go func() { closed <- r.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited on a stalled sink past its timeout")
	}
	assert.Empty(t, s.sent)
}
