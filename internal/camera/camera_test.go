package camera

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// fakeFrame builds a minimal SOI..EOI blob with n filler bytes.
func fakeFrame(n int) []byte {
	b := []byte{0xFF, 0xD8}
	b = append(b, bytes.Repeat([]byte{0x00}, n)...)
	return append(b, 0xFF, 0xD9)
}

func openPipe(t *testing.T, timeout time.Duration) (*FFmpeg, *io.PipeWriter) {
	t.Helper()
	pr, pw := io.Pipe()
	go pw.Write(fakeFrame(128))

	ctx, cancel := context.WithCancel(context.Background())
	cam, err := startStream(ctx, cancel, nil, pr, timeout)
	if err != nil {
		t.Fatalf("startStream failed: %v", err)
	}
	t.Cleanup(func() { cam.Close() })
	return cam, pw
}

func TestFFmpeg_FirstFrameIsReturnedFirst(t *testing.T) {
	cam, pw := openPipe(t, 0)
	defer pw.Close()

	frame, err := cam.Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(frame, fakeFrame(128)) {
		t.Errorf("Expected the first frame, got %d bytes", len(frame))
	}

	go pw.Write(fakeFrame(256))
	frame, err = cam.Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(frame) != 260 {
		t.Errorf("Expected 260 byte frame, got %d", len(frame))
	}
}

func TestFFmpeg_ShortFrameIsTransient(t *testing.T) {
	cam, pw := openPipe(t, 0)
	defer pw.Close()
	cam.Read(context.Background())

	go pw.Write(fakeFrame(4))
	_, err := cam.Read(context.Background())
	if !errors.Is(err, types.ErrTransientFrame) {
		t.Errorf("Expected transient error for short frame, got %v", err)
	}
}

func TestFFmpeg_FrameTimeoutIsTransient(t *testing.T) {
	cam, pw := openPipe(t, 20*time.Millisecond)
	defer pw.Close()
	cam.Read(context.Background())

	_, err := cam.Read(context.Background())
	if !errors.Is(err, ErrFrameTimeout) || !errors.Is(err, types.ErrTransientFrame) {
		t.Errorf("Expected transient timeout, got %v", err)
	}
}

func TestFFmpeg_EndOfStreamIsFatalAndSticky(t *testing.T) {
	cam, pw := openPipe(t, 0)
	cam.Read(context.Background())
	pw.Close()

	_, err := cam.Read(context.Background())
	fe, ok := types.IsFatal(err)
	if !ok || fe.Kind != types.KindDevice {
		t.Fatalf("Expected device error, got %v", err)
	}
	if _, again := cam.Read(context.Background()); again != err {
		t.Errorf("Expected the same error on the next read, got %v", again)
	}
}

func TestFFmpeg_NoFirstFrameIsDeviceError(t *testing.T) {
	pr, pw := io.Pipe()
	pw.CloseWithError(errors.New("device busy"))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := startStream(ctx, cancel, nil, pr, 0)
	fe, ok := types.IsFatal(err)
	if !ok || fe.Kind != types.KindDevice {
		t.Fatalf("Expected device error, got %v", err)
	}
}

func TestFFmpeg_ReadHonorsContext(t *testing.T) {
	cam, pw := openPipe(t, 0)
	defer pw.Close()
	cam.Read(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cam.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFFmpeg_CloseIsIdempotent(t *testing.T) {
	cam, pw := openPipe(t, 0)
	defer pw.Close()

	for i := 0; i < 3; i++ {
		if err := cam.Close(); err != nil {
			t.Errorf("Close #%d returned %v", i+1, err)
		}
	}
}

func TestDefaultInput(t *testing.T) {
	tests := []struct {
		goos, format, device string
	}{
		{"linux", "v4l2", "/dev/video0"},
		{"darwin", "avfoundation", "0"},
		{"freebsd", "v4l2", "/dev/video0"},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			format, device := DefaultInput(tt.goos)
			if format != tt.format || device != tt.device {
				t.Errorf("DefaultInput(%q) = %q, %q", tt.goos, format, device)
			}
		})
	}
	if format, _ := DefaultInput("windows"); format != "dshow" {
		t.Errorf("Expected dshow on windows, got %q", format)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Device: "/dev/video2", Format: "v4l2"}.WithDefaults()
	if cfg.Backend != "ffmpeg" || cfg.Width != DefaultWidth || cfg.Height != DefaultHeight {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.Device != "/dev/video2" {
		t.Errorf("Explicit device was overwritten: %q", cfg.Device)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "carrier-pigeon", Device: "x"})
	fe, ok := types.IsFatal(err)
	if !ok || fe.Kind != types.KindStartup {
		t.Errorf("Expected startup error, got %v", err)
	}
}
