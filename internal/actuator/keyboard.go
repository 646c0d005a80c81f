package actuator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// Supported keyboard backends.
const (
	BackendAuto    = "auto"
	BackendXdotool = "xdotool"
	BackendYdotool = "ydotool"
	BackendWtype   = "wtype"
	BackendDryRun  = "dry-run"
)

var Backends = []string{BackendAuto, BackendXdotool, BackendYdotool, BackendWtype, BackendDryRun}

// Linux input event code for Enter, used by ydotool.
const ydotoolEnter = "28"

// CommandKeyboard drives an external key injection tool.
type CommandKeyboard struct {
	Tool     string
	KeyArgs  func(key string) []string
	TypeArgs func(text string) []string

	run func(ctx context.Context, name string, args ...string) error
}

func (k *CommandKeyboard) Name() string { return k.Tool }

func (k *CommandKeyboard) PressKey(ctx context.Context, key string) error {
	return k.exec(ctx, k.KeyArgs(key))
}

func (k *CommandKeyboard) TypeText(ctx context.Context, text string) error {
	return k.exec(ctx, k.TypeArgs(text))
}

func (k *CommandKeyboard) exec(ctx context.Context, args []string) error {
	run := k.run
	if run == nil {
		run = runSafe
	}
	return run(ctx, k.Tool, args...)
}

// runSafe runs the tool and reports its stderr. Arguments are left out of the
// error so typed characters never reach a log.
func runSafe(ctx context.Context, name string, args ...string) error {
	cmd := utils.NewSafeCommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		if tail := cmd.Tail(512); tail != "" {
			return fmt.Errorf("%s failed: %w: %s", name, err, tail)
		}
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

func NewXdotool() *CommandKeyboard {
	return &CommandKeyboard{
		Tool:     BackendXdotool,
		KeyArgs:  func(key string) []string { return []string{"key", "--clearmodifiers", key} },
		TypeArgs: func(text string) []string { return []string{"type", "--delay", "0", "--", text} },
	}
}

func NewYdotool() *CommandKeyboard {
	return &CommandKeyboard{
		Tool: BackendYdotool,
		KeyArgs: func(key string) []string {
			code := key
			if key == ConfirmKey {
				code = ydotoolEnter
			}
			return []string{"key", code + ":1", code + ":0"}
		},
		TypeArgs: func(text string) []string { return []string{"type", "--", text} },
	}
}

func NewWtype() *CommandKeyboard {
	return &CommandKeyboard{
		Tool:     BackendWtype,
		KeyArgs:  func(key string) []string { return []string{"-k", key} },
		TypeArgs: func(text string) []string { return []string{"--", text} },
	}
}

// DryRunKeyboard prints what would be sent, with typed text masked.
type DryRunKeyboard struct {
	Out io.Writer
}

func (d DryRunKeyboard) Name() string { return BackendDryRun }

func (d DryRunKeyboard) PressKey(ctx context.Context, key string) error {
	_, err := fmt.Fprintf(d.Out, "[dry-run] key %s\n", key)
	return err
}

func (d DryRunKeyboard) TypeText(ctx context.Context, text string) error {
	_, err := fmt.Fprintf(d.Out, "[dry-run] type %s\n", strings.Repeat("*", len([]rune(text))))
	return err
}

// NewKeyboard returns the named backend. "auto" picks one from the session
// type and the tools found in PATH.
func NewKeyboard(name string, out io.Writer) (Keyboard, error) {
	if name == "" || name == BackendAuto {
		detected, err := Detect(os.Getenv, exec.LookPath)
		if err != nil {
			return nil, types.StartupError("select keyboard", err)
		}
		name = detected
	}

	var kb *CommandKeyboard
	switch name {
	case BackendDryRun:
		return DryRunKeyboard{Out: out}, nil
	case BackendXdotool:
		kb = NewXdotool()
	case BackendYdotool:
		kb = NewYdotool()
	case BackendWtype:
		kb = NewWtype()
	default:
		return nil, types.StartupError("select keyboard", fmt.Errorf("unknown keyboard backend %q", name))
	}
	if _, err := exec.LookPath(kb.Tool); err != nil {
		return nil, types.StartupError("select keyboard", fmt.Errorf("%s not found in PATH: %w", kb.Tool, err))
	}
	return kb, nil
}

// Detect prefers wtype, then ydotool on Wayland and xdotool on X11.
func Detect(getenv func(string) string, lookPath func(string) (string, error)) (string, error) {
	var candidates []string
	switch {
	case getenv("WAYLAND_DISPLAY") != "":
		candidates = []string{BackendWtype, BackendYdotool, BackendXdotool}
	case getenv("DISPLAY") != "":
		candidates = []string{BackendXdotool, BackendYdotool}
	default:
		candidates = []string{BackendYdotool}
	}
	for _, c := range candidates {
		if _, err := lookPath(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no keyboard tool found (tried %s)", strings.Join(candidates, ", "))
}
