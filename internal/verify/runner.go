package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// ErrCancelled is returned when the operator stops the loop before verification.
var ErrCancelled = errors.New("verification cancelled")

// FrameSource delivers camera frames. Read blocks until a frame or an error is
// available. Close must be safe to call more than once.
type FrameSource interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Analyzer runs the face model on one frame. An empty result means no face.
type Analyzer interface {
	Analyze(ctx context.Context, frame []byte) ([]types.Face, error)
}

// Unlocker performs the unlock once verification succeeds.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Logger receives lifecycle events.
type Logger interface {
	Logf(format string, args ...any)
}

// Result summarizes a finished run.
type Result struct {
	Verified bool
	Snapshot Snapshot
	Skipped  int
	Duration time.Duration
}

// Runner drives the polling loop: read, analyze, step, and unlock on success.
type Runner struct {
	Camera   FrameSource
	Analyzer Analyzer
	Session  *Session
	Unlocker Unlocker
	Log      Logger

	// OnFrame, if set, is called after every processed frame.
	OnFrame func(Snapshot)
}

// Run polls until the session verifies, the context is cancelled, or a fatal
// error occurs. The camera is closed on every path, and always before the
// unlocker runs.
func (r *Runner) Run(ctx context.Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		r.Camera.Close()
		res.Snapshot = r.Session.Snapshot()
		res.Duration = time.Since(start)
	}()

	for {
		if ctx.Err() != nil {
			return res, ErrCancelled
		}

		frame, err := r.Camera.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return res, ErrCancelled
			}
			if errors.Is(err, types.ErrTransientFrame) {
				res.Skipped++
				continue
			}
			if _, ok := types.IsFatal(err); ok {
				return res, err
			}
			return res, types.DeviceError("read frame", err)
		}

		faces, err := r.Analyzer.Analyze(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return res, ErrCancelled
			}
			if errors.Is(err, types.ErrTransientFrame) {
				res.Skipped++
				continue
			}
			if _, ok := types.IsFatal(err); ok {
				return res, err
			}
			return res, types.RuntimeError("analyze frame", err)
		}

		state, note, err := r.Session.Step(faces)
		if err != nil {
			if errors.Is(err, types.ErrTransientFrame) {
				res.Skipped++
				continue
			}
			return res, types.RuntimeError("update session", err)
		}
		if note != "" {
			r.logf("%s", note)
		}
		if r.OnFrame != nil {
			r.OnFrame(r.Session.Snapshot())
		}

		if state == Verified {
			snap := r.Session.Snapshot()
			r.logf("Face + %s verified after %d frames, unlocking", snap.EvidenceName, snap.Frames)
			res.Verified = true

			// Camera and keyboard focus can conflict, so release the device first.
			if err := r.Camera.Close(); err != nil {
				r.logf("Camera release reported: %v", err)
			}
			if r.Unlocker != nil {
				if err := r.Unlocker.Unlock(ctx); err != nil {
					return res, types.RuntimeError("unlock", err)
				}
			}
			return res, nil
		}
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.Log != nil {
		r.Log.Logf(format, args...)
	}
}

// String renders the snapshot for progress displays.
func (s Snapshot) String() string {
	mark := "✗"
	if s.Satisfied {
		mark = "✓"
	}
	return fmt.Sprintf("%s presence %d/%d | %s %d %s", s.State, s.Presence, s.Required, s.EvidenceName, s.Evidence, mark)
}
