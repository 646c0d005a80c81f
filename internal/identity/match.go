// Package identity compares live face embeddings against the enrolled reference.
package identity

import (
	"errors"
	"fmt"
	"math"
)

// Metric selects the embedding distance function.
type Metric string

const (
	// Euclidean is the L2 distance used by dlib style 128-d encodings.
	Euclidean Metric = "euclidean"
	// Cosine is 1 - cosine similarity, used by ArcFace style servers.
	Cosine Metric = "cosine"
)

// Calibration defaults for Euclidean dlib encodings.
const (
	DefaultTolerance       = 0.45
	DefaultRequiredMatches = 5
)

// ErrDimensionMismatch is returned when the two vectors cannot be compared.
var ErrDimensionMismatch = errors.New("embedding dimensions do not match")

// ParseMetric validates a metric name from configuration.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case Euclidean, Cosine:
		return Metric(s), nil
	case "":
		return Euclidean, nil
	}
	return "", fmt.Errorf("unknown distance metric %q (use euclidean or cosine)", s)
}

// Distance computes the distance between a and b under metric m.
func Distance(m Metric, a, b []float64) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	switch m {
	case Cosine:
		return cosineDist(a, b), nil
	case Euclidean, "":
		return euclideanDist(a, b), nil
	}
	return 0, fmt.Errorf("unknown distance metric %q", m)
}

// Matches reports whether the live embedding is within tolerance of the reference.
func Matches(embedding, reference []float64, tolerance float64, m Metric) (bool, error) {
	d, err := Distance(m, embedding, reference)
	if err != nil {
		return false, err
	}
	return d <= tolerance, nil
}

func euclideanDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineDist(a, b []float64) float64 {
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	// Zero vectors never match
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	sim := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	// Clamp to [-1, 1] to absorb rounding
	sim = math.Max(-1, math.Min(1, sim))
	return 1.0 - sim
}
