package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <name>",
	Short:       "Rename the enrolled identity",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, name string) {
	// Database is initialized in Root PersistentPreRun
	if err := DB.RenameEnrollment(ctx, name); err != nil {
		closeDB()
		utils.Die("Failed to label enrollment", err, nil, false)
	}

	fmt.Printf("✅ Enrollment labeled as '%s'\n", name)
}
