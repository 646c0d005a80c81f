package types

import "time"

// Point is a landmark position in normalized image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LandmarkSet is the ordered landmark list of one face, indexed positionally
// the way the face mesh model emits it.
type LandmarkSet []Point

// Face is a single detection returned by a provider. Landmark providers fill
// Landmarks, embedding providers fill Vec.
type Face struct {
	Loc       [4]int      `json:"loc"` // [top, right, bottom, left]
	Landmarks LandmarkSet `json:"landmarks,omitempty"`
	Vec       []float64   `json:"vec,omitempty"`
	Quality   float64     `json:"quality"`
}

// Area returns the pixel area of the bounding box.
func (f Face) Area() int {
	h := f.Loc[2] - f.Loc[0]
	w := f.Loc[1] - f.Loc[3]
	if h < 0 || w < 0 {
		return 0
	}
	return h * w
}

// Session outcomes.
const (
	OutcomeUnlocked  = "unlocked"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// SessionRecord is one unlock attempt as kept in the history table.
type SessionRecord struct {
	ID         string
	Mode       string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Frames     int
	Presence   int
	Evidence   int
	Detail     string // error text, or empty
}

// Duration is how long the session ran.
func (r SessionRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Enrollment is the single enrolled identity.
type Enrollment struct {
	Name       string
	SourceID   string // fingerprint of the source image
	SourcePath string
	Embedding  []float64
	Samples    int // images averaged into Embedding
	EnrolledAt time.Time
}
