package utils

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr.
// This ensures we don't lose critical crash information if a helper process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	return NewSafeCommandContext(context.Background(), name, args...)
}

// NewSafeCommandContext is NewSafeCommand with a context that kills the process when done.
func NewSafeCommandContext(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Tail returns the last n bytes of captured stderr, trimmed.
func (s *SafeCommand) Tail(n int) string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	b := s.Stderr.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// ShowError is the unified error report for facegate.
// It prints a formatted error box and dumps helper logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	showError(os.Stderr, context, err, s)
}

func showError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 FACEGATE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nHELPER PROCESS LOGS (%s):\n%s\n", s.Path, s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// Die prints the error box, optionally waits for the operator, and exits with status 1.
func Die(context string, err error, s *SafeCommand, wait bool) {
	DieReading(os.Stdin, context, err, s, wait)
}

// DieReading is Die for callers that own stdin elsewhere: the
// acknowledgement is read from in.
func DieReading(in io.Reader, context string, err error, s *SafeCommand, wait bool) {
	ShowError(context, err, s)
	if wait {
		WaitForAck(in, os.Stderr)
	}
	os.Exit(1)
}

// WaitForAck blocks until the operator presses Enter (or input closes), so a
// terminal opened just for this run stays readable.
func WaitForAck(r io.Reader, w io.Writer) {
	fmt.Fprint(w, "Press Enter to exit...")
	_, _ = bufio.NewReader(r).ReadString('\n')
}

// --- 2. Camera Stream (MJPEG over a pipe) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCaptureCmd creates a live capture pipe for a camera device.
// It configures FFmpeg to scale frames to width x height and output raw MJPEG to Stdout.
func NewFFmpegCaptureCmd(ctx context.Context, format, device string, width, height int) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args,
		"-i", device,
		"-vf", "scale="+strconv.Itoa(width)+":"+strconv.Itoa(height),
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-",
	)
	return NewSafeCommandContext(ctx, "ffmpeg", args...)
}

// --- 3. Fingerprints ---

// FileFingerprint creates a deterministic hash for a file
// based on its path, size, and modification time.
func FileFingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
