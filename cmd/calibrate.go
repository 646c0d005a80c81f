package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/verify"
	"github.com/andresmejia3/facegate/internal/worker"
)

var calibrateFrames int

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Print live eye aspect ratios to help pick a blink threshold",
	Long: `Reads frames from the camera and prints the left, right and average eye
aspect ratio of the first face per frame. Blink a few times while it runs;
the summary suggests a threshold halfway between your closed and open eyes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCalibrate(cmd.Context(), os.Stdout)
	},
}

func init() {
	calibrateCmd.Flags().IntVarP(&calibrateFrames, "frames", "f", 100, "Number of frames to sample")
	rootCmd.AddCommand(calibrateCmd)
}

// earStats accumulates average EARs of sampled frames.
type earStats struct {
	n        int
	sum      float64
	min, max float64
}

func (s *earStats) add(v float64) {
	if s.n == 0 || v < s.min {
		s.min = v
	}
	if s.n == 0 || v > s.max {
		s.max = v
	}
	s.n++
	s.sum += v
}

func (s *earStats) mean() float64 {
	if s.n == 0 {
		return math.NaN()
	}
	return s.sum / float64(s.n)
}

// suggest returns a threshold between the most closed sample and the mean.
func (s *earStats) suggest() float64 {
	return (s.min + s.mean()) / 2
}

func runCalibrate(ctx context.Context, out io.Writer) error {
	if calibrateFrames < 1 {
		return fmt.Errorf("--frames must be >= 1, got %d", calibrateFrames)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	a, err := openAnalyzer(ctx, Cfg, worker.ModeLandmarks)
	if err != nil {
		utils.ShowError("Failed to start face provider", err, nil)
		return err
	}
	defer a.Close()

	cam, err := camera.Open(ctx, Cfg.Camera)
	if err != nil {
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}
	defer cam.Close()

	stats, err := sampleEAR(ctx, cam, a, calibrateFrames, Cfg.Liveness.Threshold, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		utils.ShowError("Calibration failed", err, a.Helper)
		return err
	}

	if stats.n == 0 {
		fmt.Fprintln(out, "\n❌ No usable face frames; check lighting and camera position.")
		return nil
	}
	fmt.Fprintf(out, "\n📊 %d face frames: min %.3f, mean %.3f, max %.3f\n", stats.n, stats.min, stats.mean(), stats.max)
	fmt.Fprintf(out, "💡 Suggested liveness.threshold: %.2f (current %.2f)\n", stats.suggest(), Cfg.Liveness.Threshold)
	return nil
}

// sampleEAR reads n frames and prints one row per frame.
func sampleEAR(ctx context.Context, cam verify.FrameSource, a verify.Analyzer, n int, threshold float64, out io.Writer) (*earStats, error) {
	stats := &earStats{}
	fmt.Fprintf(out, "%-6s %-6s %-7s %-7s %-7s %s\n", "FRAME", "FACES", "LEFT", "RIGHT", "AVG", "EYES")

	for i := 1; i <= n; i++ {
		frame, err := cam.Read(ctx)
		if err != nil {
			if errors.Is(err, types.ErrTransientFrame) {
				continue
			}
			return stats, err
		}
		faces, err := a.Analyze(ctx, frame)
		if err != nil {
			if errors.Is(err, types.ErrTransientFrame) {
				fmt.Fprintf(out, "%-6d %s\n", i, "skipped")
				continue
			}
			return stats, err
		}
		if len(faces) == 0 {
			fmt.Fprintf(out, "%-6d %-6d\n", i, 0)
			continue
		}

		left, errL := liveness.ComputeEAR(faces[0].Landmarks, liveness.LeftEye)
		right, errR := liveness.ComputeEAR(faces[0].Landmarks, liveness.RightEye)
		if errL != nil || errR != nil {
			fmt.Fprintf(out, "%-6d %-6d %s\n", i, len(faces), "no eye landmarks")
			continue
		}
		avg := (left + right) / 2
		eyes := "open"
		if avg < threshold {
			eyes = "CLOSED"
		}
		stats.add(avg)
		fmt.Fprintf(out, "%-6d %-6d %-7.3f %-7.3f %-7.3f %s\n", i, len(faces), left, right, avg, eyes)
	}
	return stats, nil
}
