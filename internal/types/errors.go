package types

import (
	"errors"
	"fmt"
)

// ErrTransientFrame marks a failure that only affects the current frame.
// The loop skips the frame without touching session state.
var ErrTransientFrame = errors.New("transient frame error")

// Transient wraps err so that errors.Is(err, ErrTransientFrame) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientFrame, err)
}

// FatalKind classifies errors that halt the process.
type FatalKind int

const (
	KindStartup FatalKind = iota
	KindDevice
	KindRuntime
)

func (k FatalKind) String() string {
	switch k {
	case KindStartup:
		return "startup"
	case KindDevice:
		return "device"
	default:
		return "runtime"
	}
}

// FatalError is an error that must stop the process before any unlock attempt.
type FatalError struct {
	Kind FatalKind
	Op   string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// StartupError reports missing or broken configuration (secret, reference image).
func StartupError(op string, err error) error {
	return &FatalError{Kind: KindStartup, Op: op, Err: err}
}

// DeviceError reports that the camera could not be acquired or stopped streaming.
func DeviceError(op string, err error) error {
	return &FatalError{Kind: KindDevice, Op: op, Err: err}
}

// RuntimeError reports any other unrecoverable failure inside the loop.
func RuntimeError(op string, err error) error {
	return &FatalError{Kind: KindRuntime, Op: op, Err: err}
}

// IsFatal reports whether err carries a FatalError and returns it.
func IsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
