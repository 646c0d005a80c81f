package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/reference"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
)

var (
	enrollName string
	enrollAdd  bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <image_path>",
	Short: "Store the face in an image as the enrolled identity",
	Long: `Computes the face embedding of the largest face in the image and stores it
as the identity that "unlock --mode identity" compares against. With --add the
image is averaged into the existing enrollment instead of replacing it.`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0])
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollName, "name", "n", "", "Display name for the enrollment (default: image file name)")
	enrollCmd.Flags().BoolVar(&enrollAdd, "add", false, "Average this image into the existing enrollment")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	img, err := reference.Load(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	a, err := openAnalyzer(ctx, Cfg, worker.ModeEmbedding)
	if err != nil {
		utils.ShowError("Failed to start face provider", err, nil)
		return err
	}
	defer a.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	face, err := reference.Embed(ctx, a, img)
	if err != nil {
		utils.ShowError("Face analysis failed", err, a.Helper)
		return err
	}

	if enrollAdd {
		samples, err := DB.AddEnrollmentSample(ctx, face.Vec, img.Fingerprint, imagePath)
		if err != nil {
			utils.ShowError("Failed to update enrollment", err, nil)
			return err
		}
		fmt.Printf("✅ Added %s to the enrollment (%d samples)\n", filepath.Base(imagePath), samples)
		return nil
	}

	name := enrollName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	}
	err = DB.SaveEnrollment(ctx, types.Enrollment{
		Name:       name,
		SourceID:   img.Fingerprint,
		SourcePath: imagePath,
		Embedding:  face.Vec,
		Samples:    1,
	})
	if err != nil {
		utils.ShowError("Failed to save enrollment", err, nil)
		return err
	}
	fmt.Printf("✅ Enrolled '%s' (%d-d embedding)\n", name, len(face.Vec))
	return nil
}
