package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/embedding"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/verify"
	"github.com/andresmejia3/facegate/internal/worker"
)

// analyzer bundles a face provider with its cleanup and, for the Python
// worker, the process whose stderr belongs in error reports.
type analyzer struct {
	verify.Analyzer
	Helper *utils.SafeCommand
	close  func()
}

func (a *analyzer) Close() {
	if a.close != nil {
		a.close()
	}
}

// openAnalyzer starts the configured provider in the given mode.
func openAnalyzer(ctx context.Context, cfg *config.Config, mode worker.Mode) (*analyzer, error) {
	if cfg.Provider.Kind == config.ProviderHTTP {
		return &analyzer{Analyzer: embedding.NewClient(cfg.Provider.URL, cfg.Provider.Timeout)}, nil
	}

	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewPythonWorker(ctx, 0, workerScript(cfg.Provider.Script), mode)
	if err != nil {
		return nil, err
	}
	return &analyzer{Analyzer: w, Helper: w.Cmd, close: func() { w.Close() }}, nil
}

// workerScript prefers an explicit path, then the script installed next to
// the binary, then the one relative to the working directory.
func workerScript(configured string) string {
	if configured != "" {
		return configured
	}
	installed := filepath.Join(config.ExeDir(), worker.DefaultScript)
	if _, err := os.Stat(installed); err == nil {
		return installed
	}
	return worker.DefaultScript
}

// workerMode maps a verification mode to what the provider must compute.
func workerMode(mode string) worker.Mode {
	if mode == config.ModeIdentity {
		return worker.ModeEmbedding
	}
	return worker.ModeLandmarks
}
