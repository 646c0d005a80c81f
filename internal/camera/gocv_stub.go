//go:build !gocv

package camera

import (
	"errors"

	"github.com/andresmejia3/facegate/internal/types"
)

// OpenGoCV opens the camera at cfg.Index through OpenCV.
func OpenGoCV(cfg Config) (Camera, error) {
	return nil, types.StartupError("select camera backend", errors.New("built without gocv support (rebuild with -tags gocv)"))
}
