// Package reference loads the enrolled face image and turns it into an embedding.
package reference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// Bounds the reference is scaled into, matching the camera frames.
const (
	MaxWidth  = 640
	MaxHeight = 480
)

var ErrNoReferenceFace = errors.New("no face found in reference image")

// Image is a decoded, normalized reference photo.
type Image struct {
	Path        string
	Fingerprint string
	Data        []byte // JPEG
	Width       int
	Height      int
}

// Analyzer is anything that finds faces in a JPEG.
type Analyzer interface {
	Analyze(ctx context.Context, frame []byte) ([]types.Face, error)
}

// Load reads path, scales it to fit MaxWidth x MaxHeight and re-encodes it as JPEG.
func Load(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.StartupError("load reference image", err)
	}
	fp, err := utils.FileFingerprint(path)
	if err != nil {
		return nil, types.StartupError("load reference image", err)
	}

	data, w, h, err := normalize(raw, MaxWidth, MaxHeight)
	if err != nil {
		return nil, types.StartupError("load reference image", fmt.Errorf("%s: %w", path, err))
	}
	return &Image{Path: path, Fingerprint: fp, Data: data, Width: w, Height: h}, nil
}

func normalize(raw []byte, maxW, maxH int) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, 0, 0, errors.New("image is empty")
	}

	if width > maxW || height > maxH {
		scale := min(float64(maxW)/float64(width), float64(maxH)/float64(height))
		newWidth := max(1, int(float64(width)*scale))
		newHeight := max(1, int(float64(height)*scale))

		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
		width, height = newWidth, newHeight
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), width, height, nil
}

// Embed runs the analyzer on the reference and returns the largest face.
func Embed(ctx context.Context, a Analyzer, img *Image) (types.Face, error) {
	faces, err := a.Analyze(ctx, img.Data)
	if err != nil {
		return types.Face{}, types.StartupError("embed reference image", err)
	}

	best := -1
	for i, f := range faces {
		if best == -1 || f.Area() > faces[best].Area() {
			best = i
		}
	}
	if best == -1 {
		return types.Face{}, types.StartupError("embed reference image", ErrNoReferenceFace)
	}
	if len(faces[best].Vec) == 0 {
		return types.Face{}, types.StartupError("embed reference image", errors.New("provider returned no embedding"))
	}
	return faces[best], nil
}
