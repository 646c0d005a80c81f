package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/andresmejia3/facegate/internal/sessionlog"
	"github.com/andresmejia3/facegate/internal/verify"
)

// Keys that abort an identity session while the terminal is raw.
const (
	keyEsc   = 0x1b
	keyCtrlC = 0x03
)

func isCancelKey(b byte) bool {
	return b == 'q' || b == 'Q' || b == keyEsc || b == keyCtrlC
}

// keyWatcher holds the terminal in raw mode and cancels on a cancel key.
// It is the only reader of its input: once stopped, everything it reads is
// handed over through Input.
type keyWatcher struct {
	fd       int
	oldState *term.State
	log      *sessionlog.Logger
	once     sync.Once
	mu       sync.Mutex
	stopped  bool

	ackR *io.PipeReader
	ackW *io.PipeWriter
}

func newKeyWatcher(fd int, old *term.State, log *sessionlog.Logger) *keyWatcher {
	r, w := io.Pipe()
	return &keyWatcher{fd: fd, oldState: old, log: log, ackR: r, ackW: w}
}

// watchCancelKey puts in into raw mode and calls cancel when q, Esc or
// Ctrl+C is read. It fails when in is not a terminal.
func watchCancelKey(in *os.File, cancel func(), log *sessionlog.Logger) (*keyWatcher, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	log.SetRawConsole(true)

	w := newKeyWatcher(fd, old, log)
	go w.read(in, cancel)
	return w, nil
}

func (w *keyWatcher) read(in io.Reader, cancel func()) {
	defer w.ackW.Close()
	buf := make([]byte, 64)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if w.isStopped() {
				if _, werr := w.ackW.Write(buf[:n]); werr != nil {
					return
				}
			} else if slices.ContainsFunc(buf[:n], isCancelKey) {
				w.log.Logf("Cancel key pressed")
				cancel()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *keyWatcher) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Input returns the bytes read after Stop. It reports EOF once the watcher
// has quit reading.
func (w *keyWatcher) Input() io.Reader { return w.ackR }

// Stop restores the terminal. Keys read afterwards go to Input instead of
// being checked for cancellation.
func (w *keyWatcher) Stop() {
	w.once.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		if w.oldState != nil {
			term.Restore(w.fd, w.oldState)
		}
		w.log.SetRawConsole(false)
	})
}

// presenceMeter shows session progress on a terminal. On anything else it
// does nothing, so piped output stays clean.
type presenceMeter struct {
	bar *progressbar.ProgressBar
}

func newPresenceMeter(out *os.File, initial verify.Snapshot) *presenceMeter {
	if !term.IsTerminal(int(out.Fd())) {
		return &presenceMeter{}
	}
	bar := progressbar.NewOptions(initial.Required,
		progressbar.OptionSetDescription("👀 "+initial.String()),
		progressbar.OptionSetWriter(out), // Write bar to Stderr
		progressbar.OptionSetWidth(20),
		progressbar.OptionClearOnFinish(),
	)
	return &presenceMeter{bar: bar}
}

func (m *presenceMeter) Update(s verify.Snapshot) {
	if m.bar == nil {
		return
	}
	m.bar.Describe("👀 " + s.String())
	m.bar.Set(min(s.Presence, s.Required))
}

func (m *presenceMeter) Finish() {
	if m.bar == nil {
		return
	}
	m.bar.Finish()
}
