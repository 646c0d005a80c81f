package liveness

// Default debounce parameters.
const (
	DefaultThreshold       = 0.20
	DefaultMinClosedFrames = 2
)

// BlinkState is the debounce state carried from frame to frame.
type BlinkState struct {
	ClosedFrames int
	Confirmed    bool
	// Blinked is set only on the reopening frame that completed a blink.
	Blinked bool
}

// UpdateBlinkState folds one frame into the blink state.
//
// The eyes count as closed while the averaged EAR is below threshold. A blink
// is confirmed on the reopening frame, and only if the eyes stayed closed for
// at least minClosedFrames. Confirmed stays set until the caller resets the state.
func UpdateBlinkState(s BlinkState, leftEAR, rightEAR, threshold float64, minClosedFrames int) BlinkState {
	s.Blinked = false
	ear := (leftEAR + rightEAR) / 2.0
	if ear < threshold {
		s.ClosedFrames++
		return s
	}
	if s.ClosedFrames >= minClosedFrames {
		s.Confirmed = true
		s.Blinked = true
	}
	s.ClosedFrames = 0
	return s
}
