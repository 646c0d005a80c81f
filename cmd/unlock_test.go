package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/andresmejia3/facegate/internal/actuator"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/sessionlog"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/verify"
)

func parseUnlockFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("unlock", pflag.ContinueOnError)
	addUnlockFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return f
}

func TestApplyUnlockFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeIdentity // from a config file
	cfg.Identity.Metric = "cosine"

	applyUnlockFlags(parseUnlockFlags(t, "--reference", "me.jpg", "--tolerance", "0.3", "--frames", "8", "--dry-run", "--wait=false"), cfg)

	if cfg.Mode != config.ModeIdentity {
		t.Errorf("Unset --mode must not override config, got %s", cfg.Mode)
	}
	if cfg.Identity.Metric != "cosine" {
		t.Errorf("Unset --metric must not override config, got %s", cfg.Identity.Metric)
	}
	if cfg.Reference != "me.jpg" || cfg.Identity.Tolerance != 0.3 {
		t.Errorf("Flags not applied: ref=%s tol=%f", cfg.Reference, cfg.Identity.Tolerance)
	}
	if cfg.RequiredFaceFrames() != 8 || cfg.Liveness.RequiredFaceFrames != 8 {
		t.Errorf("--frames not applied to both modes")
	}
	if cfg.Actuator.Keyboard != actuator.BackendDryRun {
		t.Errorf("--dry-run should select the dry-run keyboard, got %s", cfg.Actuator.Keyboard)
	}
	if cfg.Wait {
		t.Error("--wait=false not applied")
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, types.OutcomeUnlocked},
		{verify.ErrCancelled, types.OutcomeCancelled},
		{types.DeviceError("read frame", io.EOF), types.OutcomeFailed},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestDieContext(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{types.StartupError("load secret", errors.New("missing")), "Startup failed"},
		{types.DeviceError("open camera", errors.New("busy")), "Camera failed"},
		{types.RuntimeError("unlock", errors.New("xdotool")), "Unlock aborted"},
		{errors.New("plain"), "Unlock failed"},
	}
	for _, tt := range tests {
		if got := dieContext(tt.err); got != tt.want {
			t.Errorf("dieContext(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStopBefore(t *testing.T) {
	var order []string
	inner := unlockerFunc(func(ctx context.Context) error {
		order = append(order, "unlock")
		return nil
	})
	u := stopBefore(func() { order = append(order, "stop") }, inner)

	if err := u.Unlock(context.Background()); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if strings.Join(order, ",") != "stop,unlock" {
		t.Errorf("Expected stop before unlock, got %v", order)
	}
}

func TestIsCancelKey(t *testing.T) {
	for _, b := range []byte{'q', 'Q', 0x1b, 0x03} {
		if !isCancelKey(b) {
			t.Errorf("Expected %q to cancel", b)
		}
	}
	for _, b := range []byte{'a', '\r', ' ', '1'} {
		if isCancelKey(b) {
			t.Errorf("Did not expect %q to cancel", b)
		}
	}
}

func TestKeyWatcherRead(t *testing.T) {
	log := sessionlog.New("", io.Discard)

	cancelled := make(chan struct{})
	w := newKeyWatcher(0, nil, log)
	w.read(strings.NewReader("ab q"), func() { close(cancelled) })
	select {
	case <-cancelled:
	default:
		t.Error("Expected q to cancel")
	}
}

func TestKeyWatcher_StopHandsInputToAck(t *testing.T) {
	log := sessionlog.New("", io.Discard)
	in, keys := io.Pipe()
	defer keys.Close()

	w := newKeyWatcher(0, nil, log)
	go w.read(in, func() { t.Error("Cancel after stop") })
	w.Stop()

	go keys.Write([]byte("q\n"))

	done := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(w.Input()).ReadString('\n')
		done <- line
	}()
	select {
	case line := <-done:
		if line != "q\n" {
			t.Errorf("Acknowledgement got %q, want the first Enter", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enter after Stop never reached the acknowledgement reader")
	}
}

func TestKeyWatcher_WaitForAckAfterStop(t *testing.T) {
	log := sessionlog.New("", io.Discard)
	in, keys := io.Pipe()
	defer keys.Close()

	w := newKeyWatcher(0, nil, log)
	go w.read(in, func() {})
	w.Stop()

	acked := make(chan struct{})
	go func() {
		utils.WaitForAck(w.Input(), io.Discard)
		close(acked)
	}()
	keys.Write([]byte("\n"))

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForAck swallowed the first Enter")
	}
}

func TestPresenceMeter_NoTerminal(t *testing.T) {
	m := &presenceMeter{}
	m.Update(verify.Snapshot{Presence: 3, Required: 15})
	m.Finish()
}

// --- calibrate ---

type fakeCam struct {
	frames int
	err    error
}

func (c *fakeCam) Read(ctx context.Context) ([]byte, error) {
	if c.frames == 0 {
		return nil, c.err
	}
	c.frames--
	return []byte{0xFF, 0xD8}, nil
}

func (c *fakeCam) Close() error { return nil }

// scriptedAnalyzer returns one face per frame with the scripted eye gap.
type scriptedAnalyzer struct {
	gaps []float64
	i    int
}

func (a *scriptedAnalyzer) Analyze(ctx context.Context, frame []byte) ([]types.Face, error) {
	gap := a.gaps[a.i%len(a.gaps)]
	a.i++
	if gap < 0 {
		return nil, nil
	}
	return []types.Face{{Landmarks: eyeMesh(gap)}}, nil
}

// eyeMesh places both eyes with width 1 and the given lid gap, so EAR == gap.
func eyeMesh(gap float64) types.LandmarkSet {
	lm := make(types.LandmarkSet, 400)
	for _, eye := range []liveness.EyeIndices{liveness.LeftEye, liveness.RightEye} {
		lm[eye[0]] = types.Point{X: 0, Y: 0}
		lm[eye[3]] = types.Point{X: 1, Y: 0}
		lm[eye[1]] = types.Point{X: 0.3, Y: -gap / 2}
		lm[eye[5]] = types.Point{X: 0.3, Y: gap / 2}
		lm[eye[2]] = types.Point{X: 0.7, Y: -gap / 2}
		lm[eye[4]] = types.Point{X: 0.7, Y: gap / 2}
	}
	return lm
}

func TestSampleEAR(t *testing.T) {
	cam := &fakeCam{frames: 4}
	a := &scriptedAnalyzer{gaps: []float64{0.3, 0.1, -1, 0.3}}
	var out bytes.Buffer

	stats, err := sampleEAR(context.Background(), cam, a, 4, 0.2, &out)
	if err != nil {
		t.Fatalf("sampleEAR failed: %v", err)
	}
	if stats.n != 3 {
		t.Errorf("Expected 3 face frames, got %d", stats.n)
	}
	if math.Abs(stats.min-0.1) > 1e-9 || math.Abs(stats.max-0.3) > 1e-9 {
		t.Errorf("Unexpected min/max %f/%f", stats.min, stats.max)
	}
	if strings.Count(out.String(), "CLOSED") != 1 || strings.Count(out.String(), "open") != 2 {
		t.Errorf("Unexpected table:\n%s", out.String())
	}
}

func TestSampleEAR_StreamEnds(t *testing.T) {
	cam := &fakeCam{frames: 1, err: types.DeviceError("read frame", io.EOF)}
	a := &scriptedAnalyzer{gaps: []float64{0.3}}

	stats, err := sampleEAR(context.Background(), cam, a, 5, 0.2, io.Discard)
	if _, ok := types.IsFatal(err); !ok {
		t.Errorf("Expected device error, got %v", err)
	}
	if stats.n != 1 {
		t.Errorf("Expected the frame before the failure to count, got %d", stats.n)
	}
}

func TestEarStats_Suggest(t *testing.T) {
	s := &earStats{}
	for _, v := range []float64{0.3, 0.3, 0.06, 0.3} {
		s.add(v)
	}
	// mean 0.24, min 0.06
	if math.Abs(s.suggest()-0.15) > 1e-9 {
		t.Errorf("Expected suggestion 0.15, got %f", s.suggest())
	}
}

// --- history ---

func TestPrintSessions(t *testing.T) {
	start := time.Date(2026, 5, 4, 7, 30, 0, 0, time.Local)
	var out bytes.Buffer
	printSessions(&out, []types.SessionRecord{{
		ID:         "0f8fad5b-d9cb-469f-a165-70867728950e",
		Mode:       "liveness",
		StartedAt:  start,
		FinishedAt: start.Add(65 * time.Second),
		Outcome:    types.OutcomeUnlocked,
		Frames:     42,
		Presence:   15,
		Evidence:   1,
	}})

	got := out.String()
	for _, want := range []string{"0f8fad5b", "2026-05-04 07:30", "liveness", "unlocked", "42", "00:01:05"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in output:\n%s", want, got)
		}
	}
	if strings.Contains(got, "0f8fad5b-d9cb") {
		t.Error("Session IDs should be shortened")
	}
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{3*time.Second + 400*time.Millisecond, "00:00:03"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
	}
	for _, tt := range tests {
		if got := fmtTime(tt.d); got != tt.want {
			t.Errorf("fmtTime(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("Unexpected %q", got)
	}
	if got := truncate("camera stream ended", 7); got != "camera…" {
		t.Errorf("Unexpected %q", got)
	}
}

func TestConnectDB_Optional(t *testing.T) {
	if err := connectDB(context.Background(), "", "postgres://ignored"); err != nil {
		t.Errorf("Commands without a database should not connect, got %v", err)
	}
	if err := connectDB(context.Background(), dbOptional, ""); err != nil || DB != nil {
		t.Errorf("Optional database without URL should be skipped, got %v", err)
	}
}
