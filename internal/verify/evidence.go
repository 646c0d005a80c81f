package verify

import (
	"fmt"

	"github.com/andresmejia3/facegate/internal/identity"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/types"
)

// Evidence accumulates per-frame proof toward verification.
//
// Observe is only called for frames with at least one face. It must validate
// its input before mutating anything, so a returned error leaves the
// accumulator exactly as it was.
type Evidence interface {
	Observe(faces []types.Face) (note string, err error)
	Satisfied() bool
	Count() int
	Reset()
	Name() string
}

// Liveness requires one confirmed blink on the first detected face.
type Liveness struct {
	LeftEye         liveness.EyeIndices
	RightEye        liveness.EyeIndices
	Threshold       float64
	MinClosedFrames int

	state  liveness.BlinkState
	blinks int
}

// NewLiveness returns a blink accumulator with the face mesh eye indices.
func NewLiveness(threshold float64, minClosedFrames int) *Liveness {
	return &Liveness{
		LeftEye:         liveness.LeftEye,
		RightEye:        liveness.RightEye,
		Threshold:       threshold,
		MinClosedFrames: minClosedFrames,
	}
}

func (l *Liveness) Observe(faces []types.Face) (string, error) {
	lm := faces[0].Landmarks
	left, err := liveness.ComputeEAR(lm, l.LeftEye)
	if err != nil {
		return "", types.Transient(fmt.Errorf("left eye: %w", err))
	}
	right, err := liveness.ComputeEAR(lm, l.RightEye)
	if err != nil {
		return "", types.Transient(fmt.Errorf("right eye: %w", err))
	}

	l.state = liveness.UpdateBlinkState(l.state, left, right, l.Threshold, l.MinClosedFrames)
	if l.state.Blinked {
		l.blinks++
		return "Blink detected", nil
	}
	return "", nil
}

func (l *Liveness) Satisfied() bool { return l.state.Confirmed }

// Count returns the number of blinks seen since the last reset.
func (l *Liveness) Count() int { return l.blinks }

func (l *Liveness) Reset() {
	l.state = liveness.BlinkState{}
	l.blinks = 0
}

func (l *Liveness) Name() string { return "blink" }

// State exposes the current debounce state.
func (l *Liveness) State() liveness.BlinkState { return l.state }

// Identity requires a run of consecutive matches against one reference embedding.
//
// Every face in a frame is evaluated against the same counter, so a single
// non-matching face resets the run even if another face in the frame matches.
type Identity struct {
	Reference []float64
	Tolerance float64
	Metric    identity.Metric
	Required  int

	matches int
}

// NewIdentity returns a match accumulator for the given reference.
func NewIdentity(reference []float64, tolerance float64, metric identity.Metric, required int) *Identity {
	ref := make([]float64, len(reference))
	copy(ref, reference)
	return &Identity{
		Reference: ref,
		Tolerance: tolerance,
		Metric:    metric,
		Required:  required,
	}
}

func (m *Identity) Observe(faces []types.Face) (string, error) {
	results := make([]bool, len(faces))
	for i, f := range faces {
		ok, err := identity.Matches(f.Vec, m.Reference, m.Tolerance, m.Metric)
		if err != nil {
			return "", types.Transient(fmt.Errorf("face %d: %w", i, err))
		}
		results[i] = ok
	}

	for _, ok := range results {
		if ok {
			m.matches++
		} else {
			m.matches = 0
		}
	}
	return "", nil
}

func (m *Identity) Satisfied() bool { return m.matches >= m.Required }

// Count returns the current consecutive match count.
func (m *Identity) Count() int { return m.matches }

func (m *Identity) Reset() { m.matches = 0 }

func (m *Identity) Name() string { return "match" }
