package session

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Key is a session command read from the keyboard.
type Key int

const (
	KeyNone Key = iota
	KeyTerminateAll
	KeyRebuild
	KeyExit
)

func (k Key) String() string {
	switch k {
	case KeyTerminateAll:
		return "terminate-all"
	case KeyRebuild:
		return "rebuild"
	case KeyExit:
		return "exit"
	default:
		return "none"
	}
}

const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// KeyFor maps a single input byte to its command.
func KeyFor(b byte) Key {
	switch b {
	case 't', 'T':
		return KeyTerminateAll
	case 'r', 'R':
		return KeyRebuild
	case 'q', 'Q', ctrlC, ctrlD:
		return KeyExit
	}
	return KeyNone
}

// KeySource delivers key commands. The channel is closed when input ends.
type KeySource interface {
	Keys() <-chan Key
	Close() error
}

// Keyboard reads commands from a terminal. On a TTY it switches to raw mode
// so single key presses arrive without Enter; Close restores the previous
// mode. Other inputs are read line by line.
type Keyboard struct {
	fd    int
	state *term.State
	keys  chan Key

	once sync.Once
	stop chan struct{}
	err  error
}

// OpenKeyboard acquires f for the session. The caller must Close it.
func OpenKeyboard(f *os.File) (*Keyboard, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return newKeyboard(f, false), nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	k := newKeyboard(f, true)
	k.fd = fd
	k.state = state
	return k, nil
}

// NewKeyboard reads line-mode commands from r.
func NewKeyboard(r io.Reader) *Keyboard {
	return newKeyboard(r, false)
}

func newKeyboard(r io.Reader, raw bool) *Keyboard {
	k := &Keyboard{keys: make(chan Key, 8), stop: make(chan struct{})}
	if raw {
		go k.readRaw(r)
	} else {
		go k.readLines(r)
	}
	return k
}

func (k *Keyboard) Keys() <-chan Key { return k.keys }

// Close restores the terminal. It is safe to call more than once.
func (k *Keyboard) Close() error {
	k.once.Do(func() {
		close(k.stop)
		if k.state != nil {
			k.err = term.Restore(k.fd, k.state)
		}
	})
	return k.err
}

func (k *Keyboard) readRaw(r io.Reader) {
	defer close(k.keys)
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if key := KeyFor(b); key != KeyNone && !k.send(key) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (k *Keyboard) readLines(r io.Reader) {
	defer close(k.keys)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if key := KeyFor(line[0]); key != KeyNone && !k.send(key) {
			return
		}
	}
}

func (k *Keyboard) send(key Key) bool {
	select {
	case k.keys <- key:
		return true
	case <-k.stop:
		return false
	}
}
