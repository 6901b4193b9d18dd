// Package session runs the interactive loop of a development session: the
// initial build, the spawn proxy, keyboard commands, optional rebuild on
// file changes, and the orderly shutdown that follows.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultDrainTimeout bounds how long the proxy may take to finish in-flight
// requests on exit.
const DefaultDrainTimeout = 10 * time.Second

var errAborted = errors.New("session aborted")

// Lifecycle is the part of the lifecycle manager the driver sequences.
type Lifecycle interface {
	Bind(ctx context.Context)
	Rebuild(ctx context.Context) error
	TerminateAll(ctx context.Context) error
	Shutdown(ctx context.Context)
	Fatal() <-chan error
}

// Server is a listener whose Start blocks until Shutdown.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// ChangeSource delivers one value per settled burst of file changes.
type ChangeSource interface {
	Changes() <-chan struct{}
	Start(ctx context.Context)
	Close() error
}

// Output receives session-level console lines.
type Output interface {
	Line(text string)
}

type discard struct{}

func (discard) Line(string) {}

// Options wires a Driver. Lifecycle and Proxy are required.
type Options struct {
	Lifecycle Lifecycle
	Proxy     Server
	Inspect   Server
	Keys      KeySource
	Changes   ChangeSource
	Output    Output
	Logger    *slog.Logger

	// Signals overrides SIGINT/SIGTERM delivery, mainly for tests.
	Signals      <-chan os.Signal
	DrainTimeout time.Duration
}

type Driver struct {
	lc      Lifecycle
	proxy   Server
	inspect Server
	keys    KeySource
	changes ChangeSource
	out     Output
	logger  *slog.Logger
	signals <-chan os.Signal
	drain   time.Duration
}

func New(opts Options) (*Driver, error) {
	if opts.Lifecycle == nil || opts.Proxy == nil {
		return nil, errors.New("session: lifecycle and proxy are required")
	}
	d := &Driver{
		lc:      opts.Lifecycle,
		proxy:   opts.Proxy,
		inspect: opts.Inspect,
		keys:    opts.Keys,
		changes: opts.Changes,
		out:     opts.Output,
		logger:  opts.Logger,
		signals: opts.Signals,
		drain:   opts.DrainTimeout,
	}
	if d.out == nil {
		d.out = discard{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "session")
	if d.drain <= 0 {
		d.drain = DefaultDrainTimeout
	}
	return d, nil
}

// Run blocks until the session ends. It returns nil when the user or ctx
// ended the session, and the triggering error otherwise. Every backend
// spawned during the session is terminated before Run returns.
func (d *Driver) Run(ctx context.Context) error {
	// registered first so input is released on every exit path, and last
	defer d.releaseInput()

	sigs := d.signals
	if sigs == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigs = ch
	}
	var keys <-chan Key
	if d.keys != nil {
		keys = d.keys.Keys()
	}

	// streams must stay open through Shutdown to observe terminal statuses
	streamCtx, cancelStreams := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStreams()
	d.lc.Bind(streamCtx)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	if err := d.initialBuild(workCtx, cancelWork, keys, sigs); err != nil {
		if errors.Is(err, errAborted) {
			return nil
		}
		return err
	}

	proxyDone := d.serve(d.proxy)
	var inspectDone <-chan error
	if d.inspect != nil {
		inspectDone = d.serve(d.inspect)
	}
	if a, ok := d.proxy.(interface{ Addr() string }); ok {
		d.out.Line("spawn proxy listening on " + a.Addr())
	}

	var changes <-chan struct{}
	if d.changes != nil {
		d.changes.Start(workCtx)
		changes = d.changes.Changes()
	}

	var wg sync.WaitGroup
	handlerErr := make(chan error, 1)
	rebuilds := make(chan struct{}, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.rebuildLoop(workCtx, rebuilds, handlerErr)
	}()

	cause := d.loop(ctx, loopInputs{
		keys:        keys,
		sigs:        sigs,
		changes:     changes,
		rebuilds:    rebuilds,
		handlerErr:  handlerErr,
		proxyDone:   proxyDone,
		inspectDone: inspectDone,
	}, func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.terminateAll(workCtx, handlerErr)
		}()
	})

	d.out.Line("shutting down...")
	if d.changes != nil {
		if err := d.changes.Close(); err != nil {
			d.logger.Warn("close watcher", "error", err)
		}
	}
	cancelWork()
	wg.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), d.drain)
	if err := d.proxy.Shutdown(drainCtx); err != nil {
		d.logger.Warn("spawn proxy shutdown", "error", err)
	}
	cancelDrain()

	d.lc.Shutdown(context.WithoutCancel(ctx))
	cancelStreams()

	if d.inspect != nil {
		inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.drain)
		if err := d.inspect.Shutdown(inspectCtx); err != nil {
			d.logger.Warn("inspect shutdown", "error", err)
		}
		cancel()
	}
	if cause != nil {
		d.logger.Error("session ended", "error", cause)
	} else {
		d.logger.Info("session ended")
	}
	return cause
}

func (d *Driver) initialBuild(ctx context.Context, cancel context.CancelFunc, keys <-chan Key, sigs <-chan os.Signal) error {
	done := make(chan error, 1)
	go func() { done <- d.lc.Rebuild(ctx) }()
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("initial build: %w", err)
			}
			return nil
		case <-ctx.Done():
			<-done
			return errAborted
		case sig := <-sigs:
			d.logger.Info("signal received during initial build", "signal", sig)
			cancel()
			<-done
			return errAborted
		case k, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			if k == KeyExit {
				cancel()
				<-done
				return errAborted
			}
		}
	}
}

type loopInputs struct {
	keys        <-chan Key
	sigs        <-chan os.Signal
	changes     <-chan struct{}
	rebuilds    chan<- struct{}
	handlerErr  <-chan error
	proxyDone   <-chan error
	inspectDone <-chan error
}

func (d *Driver) loop(ctx context.Context, in loopInputs, terminateAll func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-in.sigs:
			d.logger.Info("signal received", "signal", sig)
			return nil
		case err := <-d.lc.Fatal():
			return err
		case err := <-in.handlerErr:
			return err
		case err := <-in.proxyDone:
			if err == nil {
				err = errors.New("spawn proxy stopped")
			}
			return fmt.Errorf("spawn proxy: %w", err)
		case err := <-in.inspectDone:
			if err == nil {
				err = errors.New("inspect server stopped")
			}
			return fmt.Errorf("inspect server: %w", err)
		case _, ok := <-in.changes:
			if !ok {
				in.changes = nil
				continue
			}
			d.logger.Info("source changed, rebuilding")
			request(in.rebuilds)
		case k, ok := <-in.keys:
			if !ok {
				in.keys = nil
				continue
			}
			switch k {
			case KeyExit:
				return nil
			case KeyRebuild:
				request(in.rebuilds)
			case KeyTerminateAll:
				d.out.Line("terminating all backends")
				terminateAll()
			}
		}
	}
}

// request queues a rebuild; requests made while one is queued coalesce.
func request(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *Driver) rebuildLoop(ctx context.Context, rebuilds <-chan struct{}, errs chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rebuilds:
			if err := d.lc.Rebuild(ctx); err != nil {
				d.fail(ctx, errs, err)
			}
		}
	}
}

func (d *Driver) terminateAll(ctx context.Context, errs chan<- error) {
	if err := d.lc.TerminateAll(ctx); err != nil {
		d.fail(ctx, errs, fmt.Errorf("terminate all: %w", err))
	}
}

// fail reports a handler error unless it only reflects the session winding down.
func (d *Driver) fail(ctx context.Context, errs chan<- error, err error) {
	if ctx.Err() != nil {
		d.logger.Debug("handler interrupted by shutdown", "error", err)
		return
	}
	select {
	case errs <- err:
	default:
	}
}

func (d *Driver) serve(s Server) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	return done
}

func (d *Driver) releaseInput() {
	if d.keys == nil {
		return
	}
	if err := d.keys.Close(); err != nil {
		d.logger.Warn("restore terminal", "error", err)
	}
}
