// Package streaming attaches status and log streams to tracked backends and
// turns what they deliver into registry updates and console lines.
package streaming

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/devsession/internal/backend"
	"github.com/loykin/devsession/internal/history"
	"github.com/loykin/devsession/internal/metrics"
	"github.com/loykin/devsession/internal/remote"
)

// Output receives lines attributed to a backend.
type Output interface {
	BackendLine(name string, color backend.Color, text string)
}

type discard struct{}

func (discard) BackendLine(string, backend.Color, string) {}

// ArchiveFunc opens the file a backend's log lines are copied to. A nil
// writer disables archiving for that backend.
type ArchiveFunc func(name string) (io.WriteCloser, error)

// Options configures a Streamer. Zero values are valid.
type Options struct {
	Output   Output
	History  *history.Recorder
	Logger   *slog.Logger
	OnChange func()
	Archive  ArchiveFunc
}

// Streamer owns the stream pairs of every backend in a registry.
type Streamer struct {
	client   remote.Client
	reg      *backend.Registry
	out      Output
	rec      *history.Recorder
	logger   *slog.Logger
	onChange func()
	archive  ArchiveFunc
}

func New(client remote.Client, reg *backend.Registry, opts Options) *Streamer {
	s := &Streamer{
		client:   client,
		reg:      reg,
		out:      opts.Output,
		rec:      opts.History,
		logger:   opts.Logger,
		onChange: opts.OnChange,
		archive:  opts.Archive,
	}
	if s.out == nil {
		s.out = discard{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "streaming")
	return s
}

// Attach opens the status and log streams of the named backend. It is a no-op
// when the backend is gone or already streaming. ctx bounds the lifetime of
// the streams and should outlive the request that caused the spawn.
func (s *Streamer) Attach(ctx context.Context, name string) error {
	p := newPair()
	if !s.reg.MarkStreaming(name, p) {
		return nil
	}
	if s.archive != nil {
		w, err := s.archive(name)
		if err != nil {
			s.logger.Warn("cannot archive backend logs", "backend", name, "error", err)
		} else if w != nil {
			p.archive = w
		}
	}

	status, err := s.client.StreamStatus(ctx, name, func(ev remote.StatusEvent) {
		s.handleStatus(p, name, ev)
	})
	if err != nil {
		s.abort(p, name)
		return fmt.Errorf("open status stream for %s: %w", name, err)
	}
	p.add(status)

	logs, err := s.client.StreamLogs(ctx, name, func(line string) {
		s.handleLog(p, name, line)
	})
	if err != nil {
		s.abort(p, name)
		return fmt.Errorf("open log stream for %s: %w", name, err)
	}
	p.add(logs)
	p.seal()

	go s.watchHangup(p, name, status)
	go s.watchHangup(p, name, logs)

	s.logger.Debug("streams attached", "backend", name)
	s.changed()
	return nil
}

func (s *Streamer) abort(p *pair, name string) {
	p.Close()
	p.seal()
	s.reg.Detach(name, p)
}

func (s *Streamer) handleStatus(p *pair, name string, ev remote.StatusEvent) {
	if p.isClosed() {
		return
	}
	b, ok := s.reg.Get(name)
	if !ok {
		p.Close()
		return
	}
	if _, ok := s.reg.SetStatus(name, ev.State); !ok {
		p.Close()
		return
	}
	metrics.RecordStatus(string(ev.State))
	s.out.BackendLine(name, b.Color, "status: "+string(ev.State))
	s.rec.Record(context.Background(), history.Event{
		Type: history.EventStatus, Backend: name, ImageID: b.ImageID, Status: string(ev.State),
	})
	if ev.State.IsTerminal() {
		s.cleanup(p, name, ev.State)
	}
	s.changed()
}

func (s *Streamer) handleLog(p *pair, name, line string) {
	if p.isClosed() {
		return
	}
	b, ok := s.reg.Get(name)
	if !ok {
		return
	}
	s.out.BackendLine(name, b.Color, line)
	p.record(line)
}

// watchHangup treats a stream that ends without being closed locally as a
// lost backend.
func (s *Streamer) watchHangup(p *pair, name string, st *remote.Stream) {
	<-st.Done()
	if !p.shut() {
		return
	}
	s.logger.Warn("stream ended without a terminal status", "backend", name)
	b, ok := s.reg.Get(name)
	if ok {
		s.out.BackendLine(name, b.Color, "status: "+string(backend.StatusDisconnected))
	}
	metrics.RecordStatus(string(backend.StatusDisconnected))
	s.cleanup(p, name, backend.StatusDisconnected)
	s.changed()
}

// cleanup closes the pair and drops the entry if p still owns it.
func (s *Streamer) cleanup(p *pair, name string, st backend.Status) {
	p.Close()
	b, ok := s.reg.Get(name)
	if !ok || b.Closer != backend.Closer(p) {
		return
	}
	if _, ok := s.reg.Remove(name); !ok {
		return
	}
	metrics.SetLiveBackends(s.reg.Len())
	s.rec.Record(context.Background(), history.Event{
		Type: history.EventRemoved, Backend: name, ImageID: b.ImageID, Status: string(st),
	})
	s.logger.Info("backend removed", "backend", name, "status", st)
}

func (s *Streamer) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
