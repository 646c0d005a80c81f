package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:         "history",
	Short:       "List recent unlock sessions",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		runHistory(cmd.Context())
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of sessions to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context) {
	sessions, err := DB.ListSessions(ctx, historyLimit)
	if err != nil {
		closeDB()
		utils.Die("Failed to list sessions", err, nil, false)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions recorded yet.")
		return
	}
	printSessions(os.Stdout, sessions)
}

func printSessions(out io.Writer, sessions []types.SessionRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tMODE\tOUTCOME\tFRAMES\tPRESENCE\tEVIDENCE\tDURATION\tDETAIL")
	fmt.Fprintln(w, "-------\t-------\t----\t-------\t------\t--------\t--------\t--------\t------")

	for _, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			id, s.StartedAt.Format("2006-01-02 15:04"), s.Mode, s.Outcome,
			s.Frames, s.Presence, s.Evidence, fmtTime(s.Duration()), truncate(s.Detail, 40))
	}
	w.Flush()
}

func fmtTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
