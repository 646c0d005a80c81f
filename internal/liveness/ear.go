// Package liveness turns face mesh landmarks into an eye aspect ratio signal
// and debounces it into discrete blink events.
package liveness

import (
	"errors"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// EyeIndices lists the six contour landmarks of one eye as p1..p6:
// p1 and p4 are the corners, p2/p6 and p3/p5 the vertical pairs.
type EyeIndices [6]int

// Face mesh contour indices for each eye.
var (
	LeftEye  = EyeIndices{33, 160, 158, 133, 153, 144}
	RightEye = EyeIndices{362, 385, 387, 263, 373, 380}
)

var (
	// ErrInsufficientLandmarks is returned when the set does not cover the eye indices.
	ErrInsufficientLandmarks = errors.New("landmark set does not cover eye indices")
	// ErrDegenerateEye is returned when the eye corners coincide.
	ErrDegenerateEye = errors.New("eye corners coincide")
)

func dist(a, b types.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// ComputeEAR returns (|p2-p6| + |p3-p5|) / (2 * |p1-p4|) for one eye.
func ComputeEAR(lm types.LandmarkSet, eye EyeIndices) (float64, error) {
	for _, idx := range eye {
		if idx < 0 || idx >= len(lm) {
			return 0, ErrInsufficientLandmarks
		}
	}

	horizontal := dist(lm[eye[0]], lm[eye[3]])
	if horizontal == 0 {
		return 0, ErrDegenerateEye
	}
	v1 := dist(lm[eye[1]], lm[eye[5]])
	v2 := dist(lm[eye[2]], lm[eye[4]])
	return (v1 + v2) / (2.0 * horizontal), nil
}

// Covers reports whether lm has every landmark ComputeEAR needs for the given eyes.
func Covers(lm types.LandmarkSet, eyes ...EyeIndices) bool {
	for _, eye := range eyes {
		for _, idx := range eye {
			if idx < 0 || idx >= len(lm) {
				return false
			}
		}
	}
	return true
}
