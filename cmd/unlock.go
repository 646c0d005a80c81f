package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/facegate/internal/actuator"
	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/identity"
	"github.com/andresmejia3/facegate/internal/reference"
	"github.com/andresmejia3/facegate/internal/sessionlog"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/verify"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Watch the camera and type the PIN once a live (or enrolled) face is verified",
	Long: `Opens the camera and waits for a face. In liveness mode the face must stay
in view and blink; in identity mode it must match the enrolled reference on
consecutive frames. On success the camera is released and the PIN from
UNLOCK_PIN is typed into the focused window.`,
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyUnlockFlags(cmd.Flags(), Cfg)
		runUnlock(cmd.Context(), Cfg)
		return nil
	},
}

func init() {
	addUnlockFlags(unlockCmd.Flags())
	rootCmd.AddCommand(unlockCmd)
}

func addUnlockFlags(f *pflag.FlagSet) {
	f.StringP("mode", "m", config.ModeLiveness, "Verification mode: liveness or identity")
	f.StringP("reference", "r", "", "Reference image of the enrolled user (identity mode; default: database enrollment)")
	f.String("device", "", "Camera input passed to ffmpeg (default: platform camera)")
	f.String("provider", config.ProviderPython, "Face provider: python or http")
	f.String("provider-url", "", "Embedding server URL for --provider http")
	f.String("keyboard", actuator.BackendAuto, "Keystroke backend: auto, xdotool, ydotool, wtype or dry-run")
	f.Bool("dry-run", false, "Print the keystrokes (masked) instead of sending them")
	f.String("log-file", "", "Session log file (default: unlock.log next to the binary)")
	f.Float64("threshold", 0, "Blink EAR threshold (liveness)")
	f.Float64("tolerance", 0, "Match distance tolerance (identity)")
	f.String("metric", "", "Distance metric: euclidean or cosine (identity)")
	f.Int("frames", 0, "Consecutive face frames required before unlocking")
	f.Bool("wait", true, "Wait for Enter before exiting after a fatal error")
}

// applyUnlockFlags copies explicitly set flags over the loaded config.
func applyUnlockFlags(f *pflag.FlagSet, cfg *config.Config) {
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("mode", &cfg.Mode)
	str("reference", &cfg.Reference)
	str("device", &cfg.Camera.Device)
	str("provider", &cfg.Provider.Kind)
	str("provider-url", &cfg.Provider.URL)
	str("keyboard", &cfg.Actuator.Keyboard)
	str("log-file", &cfg.Log.File)
	str("metric", &cfg.Identity.Metric)

	if dry, _ := f.GetBool("dry-run"); dry {
		cfg.Actuator.Keyboard = actuator.BackendDryRun
	}
	if f.Changed("threshold") {
		cfg.Liveness.Threshold, _ = f.GetFloat64("threshold")
	}
	if f.Changed("tolerance") {
		cfg.Identity.Tolerance, _ = f.GetFloat64("tolerance")
	}
	if f.Changed("frames") {
		n, _ := f.GetInt("frames")
		cfg.Liveness.RequiredFaceFrames = n
		cfg.Identity.RequiredFaceFrames = n
	}
	if f.Changed("wait") {
		cfg.Wait, _ = f.GetBool("wait")
	}
}

// unlockSession is one run of the unlock command.
type unlockSession struct {
	id      string
	started time.Time
	cfg     *config.Config
	log     *sessionlog.Logger
	helper  *utils.SafeCommand
	result  verify.Result
	ackIn   io.Reader // where the fatal-error acknowledgement is read
}

func runUnlock(ctx context.Context, cfg *config.Config) {
	s := &unlockSession{
		id:      uuid.NewString(),
		started: time.Now(),
		cfg:     cfg,
		log:     sessionlog.New(cfg.Log.File, os.Stdout),
		ackIn:   os.Stdin,
	}

	err := s.run(ctx)
	s.record(err)

	switch {
	case err == nil:
		s.log.Logf("PIN sent, exiting")
	case errors.Is(err, verify.ErrCancelled):
		s.log.Logf("Cancelled after %d frames, exiting", s.result.Snapshot.Frames)
	default:
		s.log.Logf("ERROR: %v", err)
		closeDB()
		utils.DieReading(s.ackIn, dieContext(err), err, s.helper, cfg.Wait)
	}
}

// run executes the session. Panics are turned into runtime errors after the
// deferred cleanups (camera, worker) have run.
func (s *unlockSession) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.RuntimeError("unexpected panic", fmt.Errorf("%v", r))
			s.log.Crash(err, debug.Stack())
		}
	}()

	s.log.Logf("==== facegate %s started (%s mode, session %s) ====", Version, s.cfg.Mode, s.id[:8])

	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.cfg.RequireSecret(); err != nil {
		return err
	}
	s.log.Logf("PIN loaded successfully")

	kb, err := actuator.NewKeyboard(s.cfg.Actuator.Keyboard, os.Stdout)
	if err != nil {
		return err
	}
	act, err := actuator.New(kb, s.cfg.Secret, s.cfg.Actuator.Timing)
	if err != nil {
		return err
	}

	provider, err := openAnalyzer(ctx, s.cfg, workerMode(s.cfg.Mode))
	if err != nil {
		return err
	}
	s.helper = provider.Helper
	defer provider.Close()

	evidence, err := s.evidence(ctx, provider)
	if err != nil {
		return err
	}
	session := verify.NewSession(s.cfg.RequiredFaceFrames(), evidence)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var unlocker verify.Unlocker = act
	if s.cfg.Mode == config.ModeIdentity {
		if watcher, err := watchCancelKey(os.Stdin, cancel, s.log); err == nil {
			defer watcher.Stop()
			s.ackIn = watcher.Input()
			unlocker = stopBefore(watcher.Stop, act)
			s.log.Logf("Press q or Esc to cancel")
		}
	}

	s.log.Logf("Opening camera")
	cam, err := camera.Open(ctx, s.cfg.Camera)
	if err != nil {
		if ctx.Err() != nil {
			return verify.ErrCancelled
		}
		return err
	}
	s.log.Logf("Camera opened successfully")

	meter := newPresenceMeter(os.Stderr, session.Snapshot())
	runner := &verify.Runner{
		Camera:   cam,
		Analyzer: provider,
		Session:  session,
		Unlocker: unlocker,
		Log:      s.log,
		OnFrame:  meter.Update,
	}
	s.result, err = runner.Run(ctx)
	meter.Finish()
	if s.result.Skipped > 0 {
		s.log.Logf("Skipped %d unusable frames", s.result.Skipped)
	}
	return err
}

// evidence builds the blink detector or the identity matcher.
func (s *unlockSession) evidence(ctx context.Context, a *analyzer) (verify.Evidence, error) {
	if s.cfg.Mode != config.ModeIdentity {
		return verify.NewLiveness(s.cfg.Liveness.Threshold, s.cfg.Liveness.MinClosedFrames), nil
	}

	metric, err := identity.ParseMetric(s.cfg.Identity.Metric)
	if err != nil {
		return nil, types.StartupError("configure identity", err)
	}
	ref, err := s.referenceEmbedding(ctx, a)
	if err != nil {
		return nil, err
	}
	return verify.NewIdentity(ref, s.cfg.Identity.Tolerance, metric, s.cfg.Identity.RequiredMatches), nil
}

func (s *unlockSession) referenceEmbedding(ctx context.Context, a *analyzer) ([]float64, error) {
	if s.cfg.Reference != "" {
		img, err := reference.Load(s.cfg.Reference)
		if err != nil {
			return nil, err
		}
		face, err := reference.Embed(ctx, a, img)
		if err != nil {
			return nil, err
		}
		s.log.Logf("Reference loaded from %s (%d-d embedding)", img.Path, len(face.Vec))
		return face.Vec, nil
	}

	if DB == nil {
		return nil, types.StartupError("load reference", errors.New("no --reference image and no enrollment database available"))
	}
	e, err := DB.LoadEnrollment(ctx)
	if err != nil {
		return nil, types.StartupError("load enrollment", err)
	}
	s.log.Logf("Using enrollment %q (%d samples)", e.Name, e.Samples)
	return e.Embedding, nil
}

// record stores the session in the history table when a database is connected.
func (s *unlockSession) record(err error) {
	if DB == nil {
		return
	}
	snap := s.result.Snapshot
	rec := types.SessionRecord{
		ID:         s.id,
		Mode:       s.cfg.Mode,
		StartedAt:  s.started,
		FinishedAt: time.Now(),
		Outcome:    outcome(err),
		Frames:     snap.Frames,
		Presence:   snap.Presence,
		Evidence:   snap.Evidence,
	}
	if rec.Outcome == types.OutcomeFailed {
		rec.Detail = err.Error()
	}
	if err := DB.RecordSession(context.Background(), rec); err != nil {
		s.log.Logf("Could not record session: %v", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return types.OutcomeUnlocked
	case errors.Is(err, verify.ErrCancelled):
		return types.OutcomeCancelled
	default:
		return types.OutcomeFailed
	}
}

// dieContext is the headline of the error box.
func dieContext(err error) string {
	fe, ok := types.IsFatal(err)
	if !ok {
		return "Unlock failed"
	}
	switch fe.Kind {
	case types.KindStartup:
		return "Startup failed"
	case types.KindDevice:
		return "Camera failed"
	default:
		return "Unlock aborted"
	}
}

// unlockerFunc adapts a function to verify.Unlocker.
type unlockerFunc func(ctx context.Context) error

func (f unlockerFunc) Unlock(ctx context.Context) error { return f(ctx) }

// stopBefore runs stop (e.g. leaving raw mode) right before the inner unlocker.
func stopBefore(stop func(), inner verify.Unlocker) verify.Unlocker {
	return unlockerFunc(func(ctx context.Context) error {
		stop()
		return inner.Unlock(ctx)
	})
}
