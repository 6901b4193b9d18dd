// Package lifecycle sequences spawn, rebuild, terminate and shutdown of the
// backends of one development session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/devsession/internal/backend"
	"github.com/loykin/devsession/internal/builder"
	"github.com/loykin/devsession/internal/history"
	"github.com/loykin/devsession/internal/metrics"
	"github.com/loykin/devsession/internal/remote"
	"github.com/loykin/devsession/internal/streaming"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for streams to close
// on their own before forcing them.
const DefaultShutdownTimeout = 30 * time.Second

// Output receives session-level console lines.
type Output interface {
	Line(text string)
}

type discard struct{}

func (discard) Line(string) {}

// Config wires a Manager to its collaborators. Client, Builder and Registry
// are required.
type Config struct {
	Service    string
	Descriptor builder.Descriptor

	Client   remote.Client
	Builder  builder.Builder
	Registry *backend.Registry
	Streamer *streaming.Streamer
	Palette  *backend.Palette
	History  *history.Recorder
	Output   Output
	Logger   *slog.Logger
	OnChange func()

	// Defaults fill spawn request fields the caller left unset.
	Defaults Defaults

	ShutdownTimeout time.Duration
}

// Defaults are applied to spawn requests. Zero values leave the request alone.
type Defaults struct {
	GracePeriodSeconds int
	Port               int
	Env                map[string]string
}

func (d Defaults) apply(req remote.SpawnRequest) remote.SpawnRequest {
	if req.GracePeriodSeconds == nil && d.GracePeriodSeconds > 0 {
		v := d.GracePeriodSeconds
		req.GracePeriodSeconds = &v
	}
	if req.Port == nil && d.Port > 0 {
		v := d.Port
		req.Port = &v
	}
	if len(d.Env) > 0 {
		env := make(map[string]string, len(d.Env)+len(req.Env))
		for k, v := range d.Env {
			env[k] = v
		}
		for k, v := range req.Env {
			env[k] = v
		}
		req.Env = env
	}
	return req
}

// Manager owns the current image and every mutation of the registry that is
// not driven by a stream.
type Manager struct {
	service  string
	desc     builder.Descriptor
	defaults Defaults

	client   remote.Client
	builder  builder.Builder
	reg      *backend.Registry
	streamer *streaming.Streamer
	palette  *backend.Palette
	rec      *history.Recorder
	out      Output
	logger   *slog.Logger
	onChange func()

	shutdownTimeout time.Duration
	now             func() time.Time

	// streamCtx outlives any single request; streams attach to it.
	streamCtx context.Context

	spawnMu   sync.Mutex
	image     string
	rebuildMu sync.Mutex

	fatal chan error
}

func New(cfg Config) (*Manager, error) {
	if cfg.Client == nil || cfg.Builder == nil || cfg.Registry == nil {
		return nil, errors.New("lifecycle: client, builder and registry are required")
	}
	m := &Manager{
		service:         cfg.Service,
		desc:            cfg.Descriptor,
		defaults:        cfg.Defaults,
		client:          cfg.Client,
		builder:         cfg.Builder,
		reg:             cfg.Registry,
		streamer:        cfg.Streamer,
		palette:         cfg.Palette,
		rec:             cfg.History,
		out:             cfg.Output,
		logger:          cfg.Logger,
		onChange:        cfg.OnChange,
		shutdownTimeout: cfg.ShutdownTimeout,
		now:             time.Now,
		streamCtx:       context.Background(),
		fatal:           make(chan error, 1),
	}
	if m.out == nil {
		m.out = discard{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "lifecycle")
	if m.palette == nil {
		m.palette = backend.NewPalette()
	}
	if m.streamer == nil {
		m.streamer = streaming.New(m.client, m.reg, streaming.Options{History: m.rec, Logger: cfg.Logger, OnChange: m.onChange})
	}
	if m.shutdownTimeout <= 0 {
		m.shutdownTimeout = DefaultShutdownTimeout
	}
	return m, nil
}

// Bind sets the context streams are attached under. It must be called before
// the first spawn; cancelling ctx ends every stream.
func (m *Manager) Bind(ctx context.Context) {
	m.spawnMu.Lock()
	m.streamCtx = ctx
	m.spawnMu.Unlock()
}

// Image returns the current image identifier, empty before the first rebuild.
func (m *Manager) Image() string {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	return m.image
}

// Fatal delivers the first error after which the session must stop.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

func (m *Manager) raise(err error) {
	select {
	case m.fatal <- err:
	default:
	}
}

// Spawn asks the control plane for a backend and reconciles the answer with
// the registry. Refusals match ErrStaleBackend or ErrUntrackedBackend.
func (m *Manager) Spawn(ctx context.Context, req remote.SpawnRequest) (remote.SpawnResult, error) {
	image := m.Image()
	if image == "" {
		metrics.IncSpawn("failed")
		m.raise(ErrNoImage)
		return remote.SpawnResult{}, ErrNoImage
	}
	req = m.defaults.apply(req)
	req.Service = m.service

	start := m.now()
	res, err := m.client.Spawn(ctx, req)
	metrics.ObserveSpawnDuration(m.now().Sub(start).Seconds())
	if err != nil {
		metrics.IncSpawn("failed")
		m.logger.Warn("spawn failed", "error", err)
		return remote.SpawnResult{}, fmt.Errorf("spawn %s: %w", m.service, err)
	}

	v := m.reconcile(res, req, image)
	m.report(v, req)
	if v.err != nil {
		if v.raced {
			m.retire(v.backend.Name)
		}
		return remote.SpawnResult{}, v.err
	}
	m.attach(res.Name)
	m.changed()
	return res, nil
}

type verdictKind int

const (
	verdictSpawned verdictKind = iota
	verdictReused
	verdictRefused
	verdictFatal
	verdictFailed
)

// verdict is what reconcile decided under spawnMu. Reporting happens after
// the lock is released.
type verdict struct {
	kind    verdictKind
	backend backend.Backend
	err     error
	// raced is set when the entry was inserted from an image a rebuild
	// replaced while the control plane was spawning.
	raced bool
}

// reconcile applies the dedup protocol atomically with respect to other
// spawns and to the image swap of a rebuild.
func (m *Manager) reconcile(res remote.SpawnResult, req remote.SpawnRequest, image string) verdict {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	existing, tracked := m.reg.Get(res.Name)
	switch {
	case tracked && res.Spawned, !tracked && !res.Spawned:
		ierr := &InconsistencyError{Name: res.Name, Spawned: res.Spawned, Tracked: tracked}
		if ierr.Fatal() {
			m.raise(ierr)
			return verdict{kind: verdictFatal, backend: backend.Backend{Name: res.Name}, err: ierr}
		}
		return verdict{kind: verdictRefused, backend: backend.Backend{Name: res.Name}, err: ierr}

	case tracked:
		if existing.Outdated(m.image) {
			err := fmt.Errorf("%w: %s runs %s, current image is %s", ErrStaleBackend,
				res.Name, builder.ShortID(existing.ImageID), builder.ShortID(m.image))
			return verdict{kind: verdictRefused, backend: existing, err: err}
		}
		return verdict{kind: verdictReused, backend: existing}
	}

	b := backend.Backend{
		Name:      res.Name,
		ImageID:   image,
		SpawnTime: m.now(),
		Lock:      req.Lock,
		Color:     m.palette.Next(),
	}
	if err := m.reg.Upsert(b); err != nil {
		return verdict{kind: verdictFailed, backend: b, err: err}
	}
	if image != m.image {
		err := fmt.Errorf("%w: %s was spawned from %s during a rebuild", ErrStaleBackend, b.Name, builder.ShortID(image))
		return verdict{kind: verdictRefused, backend: b, err: err, raced: true}
	}
	return verdict{kind: verdictSpawned, backend: b}
}

// report logs, counts and records a verdict. It must not hold spawnMu.
func (m *Manager) report(v verdict, req remote.SpawnRequest) {
	b := v.backend
	if v.kind == verdictSpawned || v.raced {
		metrics.SetLiveBackends(m.reg.Len())
		m.rec.Record(context.Background(), history.Event{Type: history.EventSpawned, Backend: b.Name, ImageID: b.ImageID})
	}
	switch v.kind {
	case verdictFatal:
		metrics.IncSpawn("failed")
		m.logger.Error("spawn response contradicts registry", "backend", b.Name, "error", v.err)
	case verdictFailed:
		metrics.IncSpawn("failed")
		m.logger.Warn("cannot track backend", "backend", b.Name, "error", v.err)
	case verdictRefused:
		metrics.IncSpawn("refused")
		m.logger.Warn("spawn refused", "backend", b.Name, "error", v.err)
		m.out.Line("warning: " + v.err.Error())
		m.rec.Record(context.Background(), history.Event{Type: history.EventRefused, Backend: b.Name, ImageID: b.ImageID, Error: v.err.Error()})
	case verdictReused:
		metrics.IncSpawn("reused")
		m.rec.Record(context.Background(), history.Event{Type: history.EventReused, Backend: b.Name, ImageID: b.ImageID})
		m.logger.Info("reusing backend", "backend", b.Name, "lock", req.Lock)
	case verdictSpawned:
		metrics.IncSpawn("spawned")
		m.logger.Info("backend spawned", "backend", b.Name, "image", builder.ShortID(b.ImageID), "lock", b.Lock)
		m.out.Line(fmt.Sprintf("spawned %s (image %s)", b.Name, builder.ShortID(b.ImageID)))
	}
}

func (m *Manager) attach(name string) bool {
	if err := m.streamer.Attach(m.streamContext(), name); err != nil {
		m.logger.Warn("attach streams failed", "backend", name, "error", err)
		m.out.Line(fmt.Sprintf("warning: cannot stream %s: %v", name, err))
		return false
	}
	return true
}

// retire terminates a backend spawned from a replaced image. Its streams are
// attached so the terminal status removes the entry; without them the entry
// is dropped once the terminate is issued.
func (m *Manager) retire(name string) {
	streamed := m.attach(name)
	go func() {
		m.terminateQuietly(name)
		if streamed {
			return
		}
		if b, ok := m.reg.Get(name); ok && !b.Streaming {
			m.reg.Remove(name)
			metrics.SetLiveBackends(m.reg.Len())
			m.changed()
		}
	}()
	m.changed()
}

func (m *Manager) streamContext() context.Context {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	return m.streamCtx
}

func (m *Manager) terminateQuietly(name string) {
	if err := m.Terminate(m.streamContext(), name); err != nil {
		m.logger.Warn("terminate failed", "backend", name, "error", err)
	}
}

// Rebuild builds and pushes a new image, makes it current, and terminates
// every backend running another image. Terminations are attempted
// independently; their failures are joined.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.out.Line("building image...")
	id, err := m.builder.Build(ctx, m.desc)
	if err != nil {
		metrics.IncRebuild("error")
		m.rec.Record(context.Background(), history.Event{Type: history.EventRebuilt, Error: err.Error()})
		return fmt.Errorf("rebuild: %w", err)
	}
	if err := m.client.Push(ctx, m.service, id); err != nil {
		metrics.IncRebuild("error")
		m.rec.Record(context.Background(), history.Event{Type: history.EventRebuilt, ImageID: id, Error: err.Error()})
		return fmt.Errorf("rebuild: push %s: %w", builder.ShortID(id), err)
	}

	m.spawnMu.Lock()
	m.image = id
	m.spawnMu.Unlock()

	outdated := m.reg.Outdated(id)
	metrics.IncRebuild("ok")
	m.rec.Record(context.Background(), history.Event{Type: history.EventRebuilt, ImageID: id})
	m.logger.Info("image rebuilt", "image", builder.ShortID(id), "outdated", len(outdated))
	m.out.Line(fmt.Sprintf("image %s ready, terminating %d outdated backend(s)", builder.ShortID(id), len(outdated)))
	m.changed()

	return m.Terminate(ctx, outdated...)
}

// Terminate asks the control plane to stop the named backends concurrently.
// Entries stay in the registry until their status stream reports a terminal
// state. Names that are no longer tracked are skipped.
func (m *Manager) Terminate(ctx context.Context, names ...string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		b, ok := m.reg.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(b backend.Backend) {
			defer wg.Done()
			err := m.client.Terminate(ctx, b.Name)
			if err != nil {
				metrics.IncTerminate("error")
				mu.Lock()
				errs = append(errs, fmt.Errorf("terminate %s: %w", b.Name, err))
				mu.Unlock()
				return
			}
			metrics.IncTerminate("ok")
			m.rec.Record(context.Background(), history.Event{Type: history.EventTerminated, Backend: b.Name, ImageID: b.ImageID})
			m.out.Line("terminating " + b.Name)
		}(b)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// TerminateAll terminates every tracked backend.
func (m *Manager) TerminateAll(ctx context.Context) error {
	return m.Terminate(ctx, m.reg.Names()...)
}

// Shutdown terminates every backend, waits for their streams to close, and
// leaves the registry empty. Terminate failures are logged, not returned.
// Streams still open after the shutdown timeout are closed by force.
func (m *Manager) Shutdown(ctx context.Context) {
	live := m.reg.All()
	if err := m.Terminate(ctx, m.reg.Names()...); err != nil {
		m.logger.Warn("terminate during shutdown", "error", err)
	}

	var closers []backend.Closer
	for _, b := range live {
		if b.Closer != nil {
			closers = append(closers, b.Closer)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	pending := awaitClosed(waitCtx, closers)
	cancel()
	if len(pending) > 0 {
		m.logger.Warn("forcing streams closed", "pending", len(pending))
		for _, c := range pending {
			c.Close()
		}
		awaitClosed(ctx, pending)
	}

	// streams attached after the snapshot
	for _, b := range m.reg.Clear() {
		if b.Closer != nil {
			b.Closer.Close()
			awaitClosed(ctx, []backend.Closer{b.Closer})
		}
	}
	metrics.SetLiveBackends(0)
	m.changed()
}

// awaitClosed waits for every closer's Done until ctx ends and returns the
// ones still open.
func awaitClosed(ctx context.Context, closers []backend.Closer) []backend.Closer {
	var pending []backend.Closer
	for i, c := range closers {
		select {
		case <-c.Done():
		case <-ctx.Done():
			for _, rest := range closers[i:] {
				select {
				case <-rest.Done():
				default:
					pending = append(pending, rest)
				}
			}
			return pending
		}
	}
	return nil
}

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}
