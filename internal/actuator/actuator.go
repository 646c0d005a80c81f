// Package actuator types the unlock secret into the focused window.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// ConfirmKey is pressed once to wake the password prompt and once to submit.
const ConfirmKey = "Return"

var (
	ErrAlreadyFired = errors.New("unlock already fired")
	ErrEmptySecret  = errors.New("unlock secret is empty")
)

// Keyboard injects synthetic key events.
type Keyboard interface {
	PressKey(ctx context.Context, key string) error
	TypeText(ctx context.Context, text string) error
	Name() string
}

// Timing controls the pauses around the keystrokes.
type Timing struct {
	Settle      time.Duration `yaml:"settle"`
	Confirm     time.Duration `yaml:"confirm"`
	KeyInterval time.Duration `yaml:"key_interval"`
}

var DefaultTiming = Timing{
	Settle:      800 * time.Millisecond,
	Confirm:     300 * time.Millisecond,
	KeyInterval: 120 * time.Millisecond,
}

// Actuator performs the unlock keystroke sequence at most once.
type Actuator struct {
	kb     Keyboard
	secret string
	timing Timing
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	fired bool
}

func New(kb Keyboard, secret string, timing Timing) (*Actuator, error) {
	if secret == "" {
		return nil, types.StartupError("configure unlock", ErrEmptySecret)
	}
	return &Actuator{kb: kb, secret: secret, timing: timing, sleep: sleepCtx}, nil
}

// Unlock waits Settle, presses Confirm, waits Confirm, types the secret one
// character per KeyInterval and presses Confirm again. Any later call
// returns ErrAlreadyFired, even if the first one failed part way.
func (a *Actuator) Unlock(ctx context.Context) error {
	a.mu.Lock()
	if a.fired {
		a.mu.Unlock()
		return ErrAlreadyFired
	}
	a.fired = true
	a.mu.Unlock()

	if err := a.sleep(ctx, a.timing.Settle); err != nil {
		return err
	}
	if err := a.kb.PressKey(ctx, ConfirmKey); err != nil {
		return fmt.Errorf("press %s: %w", ConfirmKey, err)
	}
	if err := a.sleep(ctx, a.timing.Confirm); err != nil {
		return err
	}
	for i, r := range a.secret {
		if err := a.kb.TypeText(ctx, string(r)); err != nil {
			return fmt.Errorf("type character %d: %w", i+1, err)
		}
		if err := a.sleep(ctx, a.timing.KeyInterval); err != nil {
			return err
		}
	}
	if err := a.kb.PressKey(ctx, ConfirmKey); err != nil {
		return fmt.Errorf("press %s: %w", ConfirmKey, err)
	}
	return nil
}

// Fired reports whether Unlock has been called.
func (a *Actuator) Fired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
