package devsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devsession/internal/backend"
	"github.com/loykin/devsession/internal/builder"
	"github.com/loykin/devsession/internal/console"
	"github.com/loykin/devsession/internal/history"
	"github.com/loykin/devsession/internal/history/factory"
	"github.com/loykin/devsession/internal/inspect"
	"github.com/loykin/devsession/internal/lifecycle"
	"github.com/loykin/devsession/internal/logger"
	"github.com/loykin/devsession/internal/metrics"
	"github.com/loykin/devsession/internal/remote"
	"github.com/loykin/devsession/internal/server"
	"github.com/loykin/devsession/internal/session"
	"github.com/loykin/devsession/internal/streaming"
	tlsx "github.com/loykin/devsession/internal/tls"
	"github.com/loykin/devsession/internal/watch"
)

// IO is the terminal a session runs on. In is switched to raw mode when it
// is a TTY.
type IO struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Run builds and pushes the service image, serves the spawn proxy and drives
// the interactive session until the operator exits. cfg must be validated.
// Every backend spawned during the session is terminated before Run returns.
func Run(ctx context.Context, cfg *Config, stdio IO) error {
	gin.SetMode(gin.ReleaseMode)

	log, logCloser, err := logger.New(cfg.Log, stdio.Err)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	sessionID := uuid.NewString()
	log = log.With("session", sessionID)

	rec, err := openHistory(ctx, cfg, sessionID, log)
	if err != nil {
		return err
	}
	defer func() { _ = rec.Close() }()

	reg := backend.NewRegistry()
	con := console.New(stdio.Out, reg.All)

	docker, err := builder.NewDocker(log)
	if err != nil {
		return err
	}
	defer func() { _ = docker.Close() }()
	docker.OnProgress(func(line string) { log.Debug("docker", "output", line) })

	tlsCfg, err := tlsx.Setup(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	rc, err := remote.NewHTTPClient(remote.HTTPConfig{
		APIURL:   cfg.APIURL,
		Account:  cfg.Account,
		Token:    cfg.Token,
		Registry: cfg.Registry,
		Pusher:   docker,
		TLS:      tlsCfg,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	streamer := streaming.New(rc, reg, streaming.Options{
		Output:   con,
		History:  rec,
		Logger:   log,
		OnChange: con.Redraw,
		Archive:  cfg.Log.BackendWriter,
	})
	mgr, err := lifecycle.New(lifecycle.Config{
		Service:    cfg.Service,
		Descriptor: cfg.Build.Descriptor(),
		Client:     rc,
		Builder:    docker,
		Registry:   reg,
		Streamer:   streamer,
		History:    rec,
		Output:     con,
		Logger:     log,
		OnChange:   con.Redraw,
		Defaults: lifecycle.Defaults{
			GracePeriodSeconds: cfg.Spawn.GracePeriodSeconds,
			Port:               cfg.Spawn.Port,
			Env:                cfg.Spawn.EnvMap(),
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	opts := session.Options{
		Lifecycle: mgr,
		Output:    con,
		Logger:    log,
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		opts.Inspect = inspect.New(cfg.Metrics.Listen, sessionID, reg, mgr.Image)
	}
	if cfg.Watch.Enabled {
		w, err := watch.New(cfg.WatchPaths(), watch.Options{
			Debounce: cfg.Watch.Debounce,
			Ignore:   cfg.Watch.Ignore,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		defer func() { _ = w.Close() }()
		opts.Changes = w
	}

	router := server.NewRouter(mgr, server.Identity{Account: cfg.Account, Service: cfg.Service}, log)
	proxy, err := server.NewServer(cfg.Proxy.Listen, router)
	if err != nil {
		return fmt.Errorf("spawn proxy: %w", err)
	}
	defer func() { _ = proxy.Close() }()
	opts.Proxy = proxy

	keys, err := openKeys(stdio.In)
	if err != nil {
		return fmt.Errorf("keyboard: %w", err)
	}
	opts.Keys = keys

	d, err := session.New(opts)
	if err != nil {
		_ = keys.Close()
		return err
	}
	con.Redraw()
	err = d.Run(ctx)
	con.Clear()
	return err
}

// openKeys uses raw mode on a terminal and line mode otherwise.
func openKeys(in io.Reader) (*session.Keyboard, error) {
	if f, ok := in.(*os.File); ok {
		return session.OpenKeyboard(f)
	}
	return session.NewKeyboard(in), nil
}

// openHistory builds the recorder for the configured sinks. With history
// disabled the recorder has no sinks and discards events.
func openHistory(ctx context.Context, cfg *Config, sessionID string, log *slog.Logger) (*history.Recorder, error) {
	rec := history.NewRecorder(sessionID, log)
	if !cfg.History.Enabled {
		return rec, nil
	}
	for _, dsn := range cfg.History.DSNs {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("history sink: %w", err), rec.Close())
		}
		if t, ok := sink.(interface {
			EnsureTable(context.Context) error
		}); ok {
			if err := t.EnsureTable(ctx); err != nil {
				rec.AddSink(sink)
				return nil, errors.Join(fmt.Errorf("history sink: %w", err), rec.Close())
			}
		}
		rec.AddSink(sink)
	}
	return rec, nil
}
