package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devsession/internal/backend"
	"github.com/loykin/devsession/internal/builder"
	"github.com/loykin/devsession/internal/history"
	"github.com/loykin/devsession/internal/remote"
	"github.com/loykin/devsession/internal/remote/remotetest"
)

type fakeBuilder struct {
	mu  sync.Mutex
	ids []string
	n   int
	err error
}

func (f *fakeBuilder) Build(_ context.Context, _ builder.Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := f.ids[len(f.ids)-1]
	if f.n < len(f.ids) {
		id = f.ids[f.n]
	}
	f.n++
	return id, nil
}

func newManager(t *testing.T, ids ...string) (*Manager, *backend.Registry, *remotetest.Fake, *fakeBuilder) {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{"sha256:aaaa"}
	}
	reg := backend.NewRegistry()
	fake := remotetest.NewFake()
	fb := &fakeBuilder{ids: ids}
	m, err := New(Config{
		Service:         "web",
		Client:          fake,
		Builder:         fb,
		Registry:        reg,
		ShutdownTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return m, reg, fake, fb
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSpawnBeforeImageIsFatal(t *testing.T) {
	m, _, fake, _ := newManager(t)

	_, err := m.Spawn(context.Background(), remote.SpawnRequest{})
	require.ErrorIs(t, err, ErrNoImage)
	assert.Equal(t, 0, fake.SpawnCount())
	select {
	case ferr := <-m.Fatal():
		assert.ErrorIs(t, ferr, ErrNoImage)
	default:
		t.Fatal("expected fatal signal")
	}
}

func TestSpawnRegistersAndStreams(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))

	port := 8080
	res, err := m.Spawn(ctx, remote.SpawnRequest{Service: "ignored", Port: &port, Lock: "k1", Env: map[string]string{"A": "1"}})
	require.NoError(t, err)
	assert.True(t, res.Spawned)

	b, ok := reg.Get(res.Name)
	require.True(t, ok)
	assert.Equal(t, "sha256:aaaa", b.ImageID)
	assert.Equal(t, "k1", b.Lock)
	assert.True(t, b.Streaming)
	assert.Equal(t, backend.DefaultColors[0], b.Color)
	assert.False(t, b.SpawnTime.IsZero())
	assert.Equal(t, 1, fake.StatusSubscribers(res.Name))

	require.Len(t, fake.Spawns, 1)
	assert.Equal(t, "web", fake.Spawns[0].Service)
	assert.Equal(t, 8080, *fake.Spawns[0].Port)
	assert.Equal(t, "1", fake.Spawns[0].Env["A"])
}

func TestSpawnColorsRoundRobin(t *testing.T) {
	m, reg, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))

	for i := 0; i < 3; i++ {
		_, err := m.Spawn(ctx, remote.SpawnRequest{})
		require.NoError(t, err)
	}
	var colors []backend.Color
	for _, b := range reg.All() {
		colors = append(colors, b.Color)
	}
	assert.Equal(t, backend.DefaultColors[:3], colors)
}

func TestSpawnLockReuseReturnsSameBackend(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))

	first, err := m.Spawn(ctx, remote.SpawnRequest{Lock: "shared"})
	require.NoError(t, err)
	second, err := m.Spawn(ctx, remote.SpawnRequest{Lock: "shared"})
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.False(t, second.Spawned)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, fake.StatusSubscribers(first.Name))
}

func TestSpawnTrackedNameReportedAsNewIsFatal(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	require.NoError(t, reg.Upsert(backend.Backend{Name: "dup", ImageID: "sha256:aaaa"}))
	fake.SpawnFunc = func(remote.SpawnRequest) (remote.SpawnResult, error) {
		return remote.SpawnResult{Name: "dup", Spawned: true}, nil
	}

	res, err := m.Spawn(ctx, remote.SpawnRequest{})
	require.ErrorIs(t, err, ErrInconsistent)
	assert.Empty(t, res.Name)
	var ierr *InconsistencyError
	require.ErrorAs(t, err, &ierr)
	assert.True(t, ierr.Fatal())
	assert.Equal(t, 1, reg.Len())

	select {
	case <-m.Fatal():
	default:
		t.Fatal("expected fatal signal")
	}
}

func TestSpawnUntrackedReuseIsRefused(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	fake.SpawnFunc = func(remote.SpawnRequest) (remote.SpawnResult, error) {
		return remote.SpawnResult{Name: "stranger", Spawned: false}, nil
	}

	res, err := m.Spawn(ctx, remote.SpawnRequest{Lock: "k"})
	require.ErrorIs(t, err, ErrUntrackedBackend)
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.True(t, IsRefusal(err))
	assert.Empty(t, res.Name)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, fake.StatusSubscribers("stranger"))

	select {
	case <-m.Fatal():
		t.Fatal("refusal must not end the session")
	default:
	}
}

func TestSpawnStaleReuseIsRefused(t *testing.T) {
	m, reg, fake, _ := newManager(t, "sha256:bbbb")
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	require.NoError(t, reg.Upsert(backend.Backend{Name: "old", ImageID: "sha256:aaaa"}))
	fake.SpawnFunc = func(remote.SpawnRequest) (remote.SpawnResult, error) {
		return remote.SpawnResult{Name: "old", Spawned: false, URL: "https://old"}, nil
	}

	res, err := m.Spawn(ctx, remote.SpawnRequest{Lock: "k"})
	require.ErrorIs(t, err, ErrStaleBackend)
	assert.True(t, IsRefusal(err))
	assert.Empty(t, res.URL)
	b, ok := reg.Get("old")
	require.True(t, ok)
	assert.Equal(t, "sha256:aaaa", b.ImageID)
}

func TestSpawnRemoteErrorPropagates(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	boom := errors.New("connection reset")
	fake.SpawnFunc = func(remote.SpawnRequest) (remote.SpawnResult, error) {
		return remote.SpawnResult{}, boom
	}

	_, err := m.Spawn(ctx, remote.SpawnRequest{})
	require.ErrorIs(t, err, boom)
	assert.False(t, IsRefusal(err))
	assert.Equal(t, 0, reg.Len())
}

func TestSpawnDedupConsistencyMatrix(t *testing.T) {
	cases := []struct {
		tracked, spawned bool
		wantErr          error
	}{
		{false, true, nil},
		{false, false, ErrInconsistent},
		{true, true, ErrInconsistent},
		{true, false, nil},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("tracked=%t/spawned=%t", tc.tracked, tc.spawned), func(t *testing.T) {
			m, reg, fake, _ := newManager(t)
			ctx := context.Background()
			require.NoError(t, m.Rebuild(ctx))
			if tc.tracked {
				require.NoError(t, reg.Upsert(backend.Backend{Name: "x", ImageID: "sha256:aaaa"}))
			}
			fake.SpawnFunc = func(remote.SpawnRequest) (remote.SpawnResult, error) {
				return remote.SpawnResult{Name: "x", Spawned: tc.spawned}, nil
			}
			_, err := m.Spawn(ctx, remote.SpawnRequest{})
			if tc.wantErr == nil {
				assert.NoError(t, err)
				assert.Equal(t, 1, reg.Len())
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestRebuildTerminatesOnlyOutdated(t *testing.T) {
	m, reg, fake, _ := newManager(t, "sha256:bbbb")
	ctx := context.Background()
	spawned := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, reg.Upsert(backend.Backend{Name: "old", ImageID: "sha256:aaaa", SpawnTime: spawned}))
	require.NoError(t, reg.Upsert(backend.Backend{Name: "fresh", ImageID: "sha256:bbbb", SpawnTime: spawned, LastStatus: backend.StatusReady}))

	require.NoError(t, m.Rebuild(ctx))

	assert.Equal(t, "sha256:bbbb", m.Image())
	assert.Equal(t, []string{"old"}, fake.TerminatedNames())
	assert.Equal(t, []string{"sha256:bbbb"}, fake.Pushed)

	// termination does not remove entries
	_, ok := reg.Get("old")
	assert.True(t, ok)
	fresh, ok := reg.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, backend.StatusReady, fresh.LastStatus)
	assert.Equal(t, spawned, fresh.SpawnTime)
}

func TestRebuildAttemptsEveryTermination(t *testing.T) {
	m, reg, fake, _ := newManager(t, "sha256:new")
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, reg.Upsert(backend.Backend{Name: n, ImageID: "sha256:old"}))
	}
	fake.TerminateFunc = func(name string) error {
		if name == "b" {
			return errors.New("remote unavailable")
		}
		return nil
	}

	err := m.Rebuild(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminate b")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, fake.TerminatedNames())
	assert.Equal(t, "sha256:new", m.Image())
}

func TestRebuildBuildFailureKeepsImage(t *testing.T) {
	m, _, fake, fb := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))

	fb.err = fmt.Errorf("%w: syntax error", builder.ErrBuildFailed)
	err := m.Rebuild(ctx)
	require.ErrorIs(t, err, builder.ErrBuildFailed)
	assert.Equal(t, "sha256:aaaa", m.Image())
	assert.Len(t, fake.Pushed, 1)
}

func TestRebuildPushFailureKeepsImage(t *testing.T) {
	m, _, fake, _ := newManager(t, "sha256:aaaa", "sha256:bbbb")
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	fake.PushFunc = func(_, _ string) error { return errors.New("denied") }

	require.Error(t, m.Rebuild(ctx))
	assert.Equal(t, "sha256:aaaa", m.Image())
}

func TestTerminateAbsentNameIsNoop(t *testing.T) {
	m, _, fake, _ := newManager(t)

	require.NoError(t, m.Terminate(context.Background(), "gone", "gone"))
	assert.Empty(t, fake.TerminatedNames())
}

func TestTerminateAllKeepsEntriesUntilTerminalStatus(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	res, err := m.Spawn(ctx, remote.SpawnRequest{})
	require.NoError(t, err)

	require.NoError(t, m.TerminateAll(ctx))
	assert.Equal(t, []string{res.Name}, fake.TerminatedNames())
	assert.Equal(t, 1, reg.Len())

	fake.SendStatus(res.Name, remote.StatusEvent{State: "Terminated"})
	assert.Equal(t, 0, reg.Len())
}

func TestShutdownWaitsForTerminalStatus(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	fake.TerminateFunc = func(name string) error {
		fake.SendStatus(name, remote.StatusEvent{State: "Terminated"})
		return nil
	}
	for i := 0; i < 3; i++ {
		_, err := m.Spawn(ctx, remote.SpawnRequest{})
		require.NoError(t, err)
	}

	m.Shutdown(ctx)

	assert.Equal(t, 0, reg.Len())
	assert.True(t, fake.AllStreamsDone())
	assert.Len(t, fake.TerminatedNames(), 3)
}

func TestShutdownForcesStuckStreams(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	fake.TerminateFunc = func(string) error { return errors.New("transport closed") }
	_, err := m.Spawn(ctx, remote.SpawnRequest{})
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(backend.Backend{Name: "never-streamed", ImageID: "sha256:aaaa"}))

	start := time.Now()
	m.Shutdown(ctx)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, reg.Len())
	assert.True(t, fake.AllStreamsDone())
}

func TestConcurrentSpawnsKeepUniqueKeys(t *testing.T) {
	m, reg, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Spawn(ctx, remote.SpawnRequest{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, reg.Len())
	assert.Equal(t, 20, fake.SpawnCount())
	seen := map[string]bool{}
	for _, n := range reg.Names() {
		assert.False(t, seen[n])
		seen[n] = true
	}
}

func TestSpawnAppliesDefaultsToUnsetFields(t *testing.T) {
	fake := remotetest.NewFake()
	m, err := New(Config{
		Service:  "web",
		Client:   fake,
		Builder:  &fakeBuilder{ids: []string{"sha256:aaaa"}},
		Registry: backend.NewRegistry(),
		Defaults: Defaults{GracePeriodSeconds: 30, Port: 8080, Env: map[string]string{"A": "1", "B": "2"}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Rebuild(context.Background()))

	port := 9000
	_, err = m.Spawn(context.Background(), remote.SpawnRequest{Port: &port, Env: map[string]string{"B": "override"}})
	require.NoError(t, err)

	require.Len(t, fake.Spawns, 1)
	got := fake.Spawns[0]
	assert.Equal(t, "web", got.Service)
	require.NotNil(t, got.GracePeriodSeconds)
	assert.Equal(t, 30, *got.GracePeriodSeconds)
	require.NotNil(t, got.Port)
	assert.Equal(t, 9000, *got.Port)
	assert.Equal(t, map[string]string{"A": "1", "B": "override"}, got.Env)
}

func TestSpawnWithoutDefaultsSendsRequestAsIs(t *testing.T) {
	m, _, fake, _ := newManager(t)
	require.NoError(t, m.Rebuild(context.Background()))

	_, err := m.Spawn(context.Background(), remote.SpawnRequest{Service: "ignored"})
	require.NoError(t, err)
	got := fake.Spawns[0]
	assert.Equal(t, "web", got.Service)
	assert.Nil(t, got.GracePeriodSeconds)
	assert.Nil(t, got.Port)
	assert.Nil(t, got.Env)
}

func TestSpawnRacingRebuildIsStreamedAndRemoved(t *testing.T) {
	m, reg, fake, _ := newManager(t, "sha256:aaaa", "sha256:bbbb")
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	fake.SpawnFunc = func(remote.SpawnRequest) (remote.SpawnResult, error) {
		require.NoError(t, m.Rebuild(ctx))
		return remote.SpawnResult{Name: "raced", Spawned: true}, nil
	}

	_, err := m.Spawn(ctx, remote.SpawnRequest{})
	require.ErrorIs(t, err, ErrStaleBackend)
	assert.Equal(t, "sha256:bbbb", m.Image())

	b, ok := reg.Get("raced")
	require.True(t, ok)
	assert.True(t, b.Streaming)
	assert.Equal(t, 1, fake.StatusSubscribers("raced"))
	require.Eventually(t, func() bool {
		for _, n := range fake.TerminatedNames() {
			if n == "raced" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	fake.SendStatus("raced", remote.StatusEvent{State: "Terminated"})
	require.Eventually(t, func() bool {
		_, ok := reg.Get("raced")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Send(ctx context.Context, _ history.Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestStalledHistorySinkDoesNotBlockSpawns(t *testing.T) {
	sink := &stuckSink{release: make(chan struct{})}
	rec := history.NewRecorder("s", nil, sink)
	t.Cleanup(func() {
		close(sink.release)
		_ = rec.Close()
	})
	m, err := New(Config{
		Service:  "web",
		Client:   remotetest.NewFake(),
		Builder:  &fakeBuilder{ids: []string{"sha256:aaaa"}},
		Registry: backend.NewRegistry(),
		History:  rec,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))

	done := make(chan error, 2)
	go func() {
		for i := 0; i < 2; i++ {
			_, err := m.Spawn(ctx, remote.SpawnRequest{})
			done <- err
		}
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("spawn blocked behind a stalled history sink")
		}
	}

	image := make(chan string, 1)
	go func() { image <- m.Image() }()
	select {
	case id := <-image:
		assert.Equal(t, "sha256:aaaa", id)
	case <-time.After(time.Second):
		t.Fatal("Image blocked behind a stalled history sink")
	}
}

type unstreamable struct {
	*remotetest.Fake
}

func (unstreamable) StreamStatus(context.Context, string, func(remote.StatusEvent)) (*remote.Stream, error) {
	return nil, errors.New("dial refused")
}

func TestSpawnRacingRebuildWithoutStreamsIsDropped(t *testing.T) {
	fake := remotetest.NewFake()
	reg := backend.NewRegistry()
	m, err := New(Config{
		Service:  "web",
		Client:   unstreamable{fake},
		Builder:  &fakeBuilder{ids: []string{"sha256:aaaa", "sha256:bbbb"}},
		Registry: reg,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx))
	fake.SpawnFunc = func(remote.SpawnRequest) (remote.SpawnResult, error) {
		require.NoError(t, m.Rebuild(ctx))
		return remote.SpawnResult{Name: "raced", Spawned: true}, nil
	}

	_, err = m.Spawn(ctx, remote.SpawnRequest{})
	require.ErrorIs(t, err, ErrStaleBackend)

	require.Eventually(t, func() bool {
		_, ok := reg.Get("raced")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, fake.TerminatedNames(), "raced")
}
