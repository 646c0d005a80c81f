//go:build gocv

package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
	"gocv.io/x/gocv"
)

// GoCV captures directly through OpenCV. Build with -tags gocv.
type GoCV struct {
	capture *gocv.VideoCapture
	raw     gocv.Mat
	resized gocv.Mat
	size    image.Point
	once    sync.Once
}

// OpenGoCV opens the camera at cfg.Index through OpenCV.
func OpenGoCV(cfg Config) (Camera, error) {
	capture, err := gocv.VideoCaptureDevice(cfg.Index)
	if err != nil {
		return nil, types.DeviceError("open camera", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, types.DeviceError("open camera", fmt.Errorf("device %d did not open", cfg.Index))
	}
	return &GoCV{
		capture: capture,
		raw:     gocv.NewMat(),
		resized: gocv.NewMat(),
		size:    image.Pt(cfg.Width, cfg.Height),
	}, nil
}

// Read grabs one frame, resizes it and encodes it as JPEG.
func (c *GoCV) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.capture.Read(&c.raw); !ok || c.raw.Empty() {
		return nil, types.Transient(errors.New("camera returned no frame"))
	}

	gocv.Resize(c.raw, &c.resized, c.size, 0, 0, gocv.InterpolationLinear)
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.resized)
	if err != nil {
		return nil, types.Transient(fmt.Errorf("encode frame: %w", err))
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

func (c *GoCV) Close() error {
	var err error
	c.once.Do(func() {
		c.raw.Close()
		c.resized.Close()
		err = c.capture.Close()
	})
	return err
}
