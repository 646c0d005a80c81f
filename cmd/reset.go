package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/facegate/internal/sessionlog"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB  bool
	resetLog bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (Database, Session Log)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{dbAnnotation: dbOptional},
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetLog {
			resetDB = true
			resetLog = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				utils.Die("Failed to reset database", errors.New("no database configured (use --db or DATABASE_URL)"), nil, false)
			}
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP the enrollment and session history?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					closeDB()
					utils.Die("Failed to reset database", err, nil, false)
				}
			}
		}

		if resetLog {
			log := sessionlog.New(Cfg.Log.File, io.Discard)
			if confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to empty %s?", log.Path())) {
				fmt.Println("🗑️  Clearing Session Log...")
				if err := log.Truncate(); err != nil {
					fmt.Fprintf(os.Stderr, "⚠️  Failed to truncate %s: %v\n", log.Path(), err)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetLog, "log", false, "Clear the session log file")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
