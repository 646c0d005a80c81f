package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/spf13/cobra"
)

// Annotation values for dbAnnotation.
const (
	dbAnnotation = "facegate/db"
	dbRequired   = "required"
	dbOptional   = "optional"
)

var (
	// DB is the global database connection shared by subcommands.
	// It stays nil when the command does not need one.
	DB *store.Store
	// Cfg is the resolved configuration for the running command.
	Cfg *config.Config

	dbURL      string
	configPath string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facegate",
	Short:   "Camera presence gate that types your PIN once it sees you",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}

		cfg, err := config.Load(configPath, os.Getenv)
		if err != nil {
			return err
		}
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		Cfg = cfg

		return connectDB(cmd.Context(), cmd.Annotations[dbAnnotation], cfg.Database.URL)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDB()
	},
}

// connectDB opens the store according to the command's needs. An optional
// database that can't be reached only disables history.
func connectDB(ctx context.Context, need, url string) error {
	if need == "" {
		return nil
	}
	if url == "" {
		if need == dbOptional {
			return nil
		}
		// Fallback to local default if no env vars are present
		url = config.DefaultDatabaseURL
	}

	var err error
	DB, err = store.New(ctx, url)
	if err != nil {
		DB = nil
		if need == dbOptional {
			fmt.Fprintf(os.Stderr, "⚠️  Database unavailable, session history disabled: %v\n", err)
			return nil
		}
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func closeDB() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		closeDB()
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $DATABASE_URL, POSTGRES_* or postgres://localhost:5432/facegate)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default: $FACEGATE_CONFIG)")
}
