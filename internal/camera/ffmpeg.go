package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

const megabyte = 1024 * 1024

// ErrFrameTimeout is returned (as a transient error) when no frame arrives within FrameTimeout.
var ErrFrameTimeout = errors.New("no frame within timeout")

type readResult struct {
	data []byte
	err  error
}

// FFmpeg reads an MJPEG stream from an ffmpeg capture process.
type FFmpeg struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	cancel  context.CancelFunc
	frames  chan readResult
	done    chan struct{}
	exited  chan struct{}
	timeout time.Duration

	first []byte
	err   error
	once  sync.Once
}

// OpenFFmpeg starts ffmpeg on the configured device and waits for the first frame.
func OpenFFmpeg(ctx context.Context, cfg Config) (*FFmpeg, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, types.DeviceError("open camera", fmt.Errorf("ffmpeg not found in PATH: %w", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(ctx, cfg.Format, cfg.Device, cfg.Width, cfg.Height)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, types.DeviceError("open camera", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, types.DeviceError("open camera", err)
	}

	return startStream(ctx, cancel, cmd, out, cfg.FrameTimeout)
}

// startStream wires the reader goroutine to a running producer and waits for
// the first frame, which doubles as the "camera is open" check.
func startStream(ctx context.Context, cancel context.CancelFunc, cmd *utils.SafeCommand, out io.ReadCloser, timeout time.Duration) (*FFmpeg, error) {
	f := &FFmpeg{
		cmd:     cmd,
		out:     out,
		cancel:  cancel,
		frames:  make(chan readResult, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		timeout: timeout,
	}
	go f.pump()

	select {
	case r := <-f.frames:
		if r.err != nil {
			f.Close()
			return nil, types.DeviceError("open camera", r.err)
		}
		f.first = r.data
		return f, nil
	case <-ctx.Done():
		f.Close()
		return nil, ctx.Err()
	}
}

// pump splits the pipe into frames and keeps only the most recent one queued.
func (f *FFmpeg) pump() {
	defer close(f.exited)

	scanner := bufio.NewScanner(f.out)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		if !f.push(readResult{data: data}) {
			break
		}
	}

	streamErr := scanner.Err()
	if streamErr == nil {
		streamErr = io.EOF
	}
	var waitErr error
	if f.cmd != nil && f.cmd.Process != nil {
		waitErr = f.cmd.Wait()
	}
	if errors.Is(streamErr, io.EOF) && waitErr != nil {
		streamErr = waitErr
	}
	if tail := f.cmd.Tail(2048); tail != "" {
		streamErr = fmt.Errorf("%w (ffmpeg: %s)", streamErr, tail)
	}
	f.push(readResult{err: fmt.Errorf("camera stream ended: %w", streamErr)})
}

func (f *FFmpeg) push(r readResult) bool {
	for {
		select {
		case <-f.done:
			return false
		case f.frames <- r:
			return true
		default:
		}
		// Drop the stale frame so Read always returns the newest one.
		select {
		case <-f.frames:
		default:
		}
	}
}

// Read blocks for the next frame. Without a FrameTimeout it waits indefinitely.
func (f *FFmpeg) Read(ctx context.Context) ([]byte, error) {
	if f.first != nil {
		frame := f.first
		f.first = nil
		return frame, nil
	}
	if f.err != nil {
		return nil, f.err
	}

	var expired <-chan time.Time
	if f.timeout > 0 {
		t := time.NewTimer(f.timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case r := <-f.frames:
		if r.err != nil {
			f.err = types.DeviceError("read frame", r.err)
			return nil, f.err
		}
		if len(r.data) < minFrameSize {
			return nil, types.Transient(fmt.Errorf("frame too short (%d bytes)", len(r.data)))
		}
		return r.data, nil
	case <-expired:
		return nil, types.Transient(ErrFrameTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops ffmpeg and waits for it to exit. Only the first call has an effect.
func (f *FFmpeg) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.cancel()
		f.out.Close()
		<-f.exited
	})
	return nil
}
