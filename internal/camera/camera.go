// Package camera owns the exclusive camera handle and delivers JPEG frames.
package camera

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// Camera is an exclusively owned frame source. Close releases the device and
// is safe to call any number of times.
type Camera interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Config selects and tunes the capture backend.
type Config struct {
	Backend      string        `yaml:"backend"` // ffmpeg or gocv
	Format       string        `yaml:"format"`  // ffmpeg input format, e.g. v4l2
	Device       string        `yaml:"device"`  // ffmpeg input, e.g. /dev/video0
	Index        int           `yaml:"index"`   // gocv device index
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
}

// Frame geometry handed to the face model.
const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

// Smallest byte count that can hold a baseline JPEG.
const minFrameSize = 64

// DefaultInput returns the ffmpeg input format and device of the system camera.
func DefaultInput(goos string) (format, device string) {
	switch goos {
	case "darwin":
		return "avfoundation", "0"
	case "windows":
		return "dshow", "video=Integrated Camera"
	default:
		return "v4l2", "/dev/video0"
	}
}

// WithDefaults fills unset fields for the current platform.
func (c Config) WithDefaults() Config {
	if c.Backend == "" {
		c.Backend = "ffmpeg"
	}
	if c.Device == "" {
		c.Format, c.Device = DefaultInput(runtime.GOOS)
	}
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	return c
}

// Open acquires the camera and blocks until it delivers its first frame.
func Open(ctx context.Context, cfg Config) (Camera, error) {
	cfg = cfg.WithDefaults()
	switch cfg.Backend {
	case "ffmpeg":
		return OpenFFmpeg(ctx, cfg)
	case "gocv":
		return OpenGoCV(cfg)
	}
	return nil, types.StartupError("select camera backend", fmt.Errorf("unknown backend %q", cfg.Backend))
}
