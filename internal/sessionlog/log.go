// Package sessionlog writes the timestamped lifecycle log of an unlock session.
//
// Every line is "<2006-01-02 15:04:05> | <message>", printed to the console and
// appended to a file. Failing to write the file never stops the caller.
package sessionlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// DefaultFile is the log file name used next to the executable.
const DefaultFile = "unlock.log"

// Logger mirrors lifecycle events to a console writer and an append-only file.
type Logger struct {
	mu      sync.Mutex
	path    string
	console io.Writer
	now     func() time.Time
	eol     string
}

// New returns a logger appending to path and printing to console.
// An empty path disables the file sink.
func New(path string, console io.Writer) *Logger {
	if console == nil {
		console = os.Stdout
	}
	return &Logger{path: path, console: console, now: time.Now, eol: "\n"}
}

// Path returns the log file path.
func (l *Logger) Path() string { return l.path }

// SetRawConsole switches console line endings to CRLF while the terminal is in raw mode.
func (l *Logger) SetRawConsole(raw bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if raw {
		l.eol = "\r\n"
	} else {
		l.eol = "\n"
	}
}

// Logf formats and records one event.
func (l *Logger) Logf(format string, args ...any) {
	l.write(fmt.Sprintf(format, args...))
}

// Crash records an unrecoverable error together with its stack trace.
func (l *Logger) Crash(err error, stack []byte) {
	l.write("CRASH: " + err.Error())
	if len(stack) > 0 {
		l.write(strings.TrimRight(string(stack), "\n"))
	}
}

func (l *Logger) write(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := l.now().Format(timeLayout) + " | " + msg
	fmt.Fprint(l.console, strings.ReplaceAll(line, "\n", l.eol)+l.eol)

	if l.path == "" {
		return
	}
	// Open per line so a rotated or deleted file is picked up again.
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}

// Truncate empties the log file.
func (l *Logger) Truncate() error {
	if l.path == "" {
		return nil
	}
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
