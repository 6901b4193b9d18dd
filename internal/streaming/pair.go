package streaming

import (
	"io"
	"sync"

	"github.com/loykin/devsession/internal/remote"
)

// pair bundles the streams of one backend behind a single closer. Streams
// added after Close are closed immediately.
type pair struct {
	mu      sync.Mutex
	closed  bool
	sealed  bool
	streams []*remote.Stream
	archive io.WriteCloser

	once sync.Once
	done chan struct{}
}

func newPair() *pair {
	return &pair{done: make(chan struct{})}
}

func (p *pair) add(st *remote.Stream) {
	p.mu.Lock()
	p.streams = append(p.streams, st)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		st.Close()
	}
}

// seal marks the set of streams complete; Done fires once all of them finish.
func (p *pair) seal() {
	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return
	}
	p.sealed = true
	streams := append([]*remote.Stream(nil), p.streams...)
	p.mu.Unlock()
	go func() {
		for _, st := range streams {
			<-st.Done()
		}
		close(p.done)
	}()
}

func (p *pair) Close() {
	p.shut()
}

// shut closes the pair and reports whether this call was the one that did.
func (p *pair) shut() bool {
	first := false
	p.once.Do(func() {
		first = true
		p.mu.Lock()
		p.closed = true
		streams := append([]*remote.Stream(nil), p.streams...)
		if p.archive != nil {
			_ = p.archive.Close()
			p.archive = nil
		}
		p.mu.Unlock()
		for _, st := range streams {
			st.Close()
		}
	})
	return first
}

func (p *pair) Done() <-chan struct{} {
	return p.done
}

// record copies a log line to the archive while the pair is open.
func (p *pair) record(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.archive == nil {
		return
	}
	_, _ = io.WriteString(p.archive, line+"\n")
}

func (p *pair) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
