// Package verify holds the verification state machine that turns a noisy
// per-frame face signal into a single unlock decision.
package verify

import (
	"github.com/andresmejia3/facegate/internal/types"
)

// State is the position of a session in NoFace -> FacePresent -> Verified.
type State int

const (
	NoFace State = iota
	FacePresent
	Verified
)

func (s State) String() string {
	switch s {
	case NoFace:
		return "no-face"
	case FacePresent:
		return "face-present"
	case Verified:
		return "verified"
	}
	return "unknown"
}

// Default presence requirements per evidence source.
const (
	DefaultLivenessFaceFrames = 15
	// Identity evidence already needs RequiredMatches consecutive matching
	// frames, so presence only has to cover that run.
	DefaultIdentityFaceFrames = 5
)

// Session accumulates contiguous evidence for one verification attempt.
// All counters drop to zero the moment the face is lost.
type Session struct {
	RequiredFaceFrames int
	Evidence           Evidence

	presence int
	frames   int
	state    State
}

// NewSession creates a session in the NoFace state.
func NewSession(requiredFaceFrames int, ev Evidence) *Session {
	return &Session{RequiredFaceFrames: requiredFaceFrames, Evidence: ev}
}

// Step folds one analyzed frame into the session and returns the new state.
// The note is a human readable event (e.g. a detected blink) worth logging.
// On error the session is left untouched.
func (s *Session) Step(faces []types.Face) (State, string, error) {
	if s.state == Verified {
		return s.state, "", nil
	}

	if len(faces) == 0 {
		s.frames++
		s.reset()
		return s.state, "", nil
	}

	note, err := s.Evidence.Observe(faces)
	if err != nil {
		return s.state, "", err
	}

	s.frames++
	s.presence++
	s.state = FacePresent
	if s.presence >= s.RequiredFaceFrames && s.Evidence.Satisfied() {
		s.state = Verified
	}
	return s.state, note, nil
}

func (s *Session) reset() {
	s.presence = 0
	s.Evidence.Reset()
	s.state = NoFace
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Snapshot is a read-only view of the session for progress displays and records.
type Snapshot struct {
	State        State
	Frames       int
	Presence     int
	Required     int
	EvidenceName string
	Evidence     int
	Satisfied    bool
}

// Snapshot returns the current counters.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:        s.state,
		Frames:       s.frames,
		Presence:     s.presence,
		Required:     s.RequiredFaceFrames,
		EvidenceName: s.Evidence.Name(),
		Evidence:     s.Evidence.Count(),
		Satisfied:    s.Evidence.Satisfied(),
	}
}
