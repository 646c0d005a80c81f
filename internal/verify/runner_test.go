package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/types"
)

// step is one scripted camera + analyzer result.
type step struct {
	readErr    error
	faces      []types.Face
	analyzeErr error
}

// fakeRig plays back a script and records the order of side effects.
type fakeRig struct {
	script   []step
	pos      int
	releases int
	events   []string
	onRead   func(pos int)
}

func (f *fakeRig) Read(ctx context.Context) ([]byte, error) {
	if f.pos >= len(f.script) {
		return nil, io.EOF
	}
	if f.onRead != nil {
		f.onRead(f.pos)
	}
	s := f.script[f.pos]
	if s.readErr != nil {
		f.pos++
		return nil, s.readErr
	}
	return []byte{byte(f.pos)}, nil
}

func (f *fakeRig) Analyze(ctx context.Context, frame []byte) ([]types.Face, error) {
	s := f.script[f.pos]
	f.pos++
	return s.faces, s.analyzeErr
}

func (f *fakeRig) Close() error {
	if f.releases == 0 {
		f.events = append(f.events, "camera released")
	}
	f.releases++
	return nil
}

func (f *fakeRig) Unlock(ctx context.Context) error {
	f.events = append(f.events, "unlock")
	return nil
}

type memLog struct{ lines []string }

func (m *memLog) Logf(format string, args ...any) {
	m.lines = append(m.lines, fmt.Sprintf(format, args...))
}

func newRunner(rig *fakeRig, log *memLog) *Runner {
	return &Runner{
		Camera:   rig,
		Analyzer: rig,
		Session:  NewSession(DefaultLivenessFaceFrames, NewLiveness(liveness.DefaultThreshold, 1)),
		Unlocker: rig,
		Log:      log,
	}
}

func faceSteps(frames ...[]types.Face) []step {
	out := make([]step, len(frames))
	for i, f := range frames {
		out[i] = step{faces: f}
	}
	return out
}

func blinkScript() []step {
	var frames [][]types.Face
	frames = append(frames, repeat(openEyes, 14)...)
	frames = append(frames, closedEyes, openEyes)
	return faceSteps(frames...)
}

func TestRunner_VerifiesAndUnlocksOnce(t *testing.T) {
	rig := &fakeRig{script: blinkScript()}
	log := &memLog{}

	res, err := newRunner(rig, log).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Verified {
		t.Fatal("expected verified result")
	}
	if res.Snapshot.Frames != 16 {
		t.Errorf("frames = %d, want 16", res.Snapshot.Frames)
	}

	want := []string{"camera released", "unlock"}
	if strings.Join(rig.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", rig.events, want)
	}

	joined := strings.Join(log.lines, "\n")
	if !strings.Contains(joined, "Blink detected") || !strings.Contains(joined, "unlocking") {
		t.Errorf("missing lifecycle logs: %v", log.lines)
	}
}

func TestRunner_TransientErrorsDoNotMutateState(t *testing.T) {
	script := blinkScript()
	// Inject failures right before the reopening frame.
	noisy := append([]step{}, script[:15]...)
	noisy = append(noisy,
		step{readErr: types.Transient(errors.New("short frame"))},
		step{analyzeErr: types.Transient(errors.New("worker hiccup"))},
		step{faces: []types.Face{{Landmarks: make(types.LandmarkSet, 5)}}},
	)
	noisy = append(noisy, script[15:]...)

	rig := &fakeRig{script: noisy}
	res, err := newRunner(rig, &memLog{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Verified {
		t.Fatal("expected verification after transient errors")
	}
	if res.Skipped != 3 {
		t.Errorf("skipped = %d, want 3", res.Skipped)
	}
	if res.Snapshot.Frames != 16 {
		t.Errorf("frames = %d, want 16 (skipped frames must not count)", res.Snapshot.Frames)
	}
}

func TestRunner_FatalReadErrorStopsWithoutUnlock(t *testing.T) {
	rig := &fakeRig{script: faceSteps(openEyes, openEyes)} // then io.EOF
	res, err := newRunner(rig, &memLog{}).Run(context.Background())

	fe, ok := types.IsFatal(err)
	if !ok || fe.Kind != types.KindDevice {
		t.Fatalf("expected device error, got %v", err)
	}
	if res.Verified {
		t.Error("must not verify after a fatal error")
	}
	if rig.releases == 0 {
		t.Error("camera must be released on the error path")
	}
	for _, e := range rig.events {
		if e == "unlock" {
			t.Error("unlock must not run after a fatal error")
		}
	}
}

func TestRunner_FatalAnalyzeError(t *testing.T) {
	rig := &fakeRig{script: []step{{analyzeErr: io.ErrClosedPipe}}}
	_, err := newRunner(rig, &memLog{}).Run(context.Background())
	fe, ok := types.IsFatal(err)
	if !ok || fe.Kind != types.KindRuntime {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rig := &fakeRig{script: blinkScript()}
	rig.onRead = func(pos int) {
		if pos == 5 {
			cancel()
		}
	}

	res, err := newRunner(rig, &memLog{}).Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.Verified || rig.releases == 0 {
		t.Errorf("cancelled run: verified=%v releases=%d", res.Verified, rig.releases)
	}
}

func TestRunner_OnFrame(t *testing.T) {
	rig := &fakeRig{script: blinkScript()}
	r := newRunner(rig, &memLog{})
	var seen []Snapshot
	r.OnFrame = func(s Snapshot) { seen = append(seen, s) }

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seen) != 16 {
		t.Fatalf("OnFrame called %d times, want 16", len(seen))
	}
	if seen[len(seen)-1].State != Verified {
		t.Errorf("last snapshot state = %v, want Verified", seen[len(seen)-1].State)
	}
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{State: FacePresent, Presence: 3, Required: 15, EvidenceName: "blink", Evidence: 1, Satisfied: true}
	got := s.String()
	if !strings.Contains(got, "3/15") || !strings.Contains(got, "blink 1 ✓") {
		t.Errorf("String() = %q", got)
	}
}
