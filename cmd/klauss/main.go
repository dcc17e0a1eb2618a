// Package main provides klauss, the management CLI for the durable task
// queue: init-config, start/stop/kill the coordinator, inspect workers and
// tasks, submit work, tail logs, and clean persisted state (§6).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/klauss/internal/config"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/pkg/logging"
)

var (
	projectRoot string
	verbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "klauss",
		Short: "Manage a klauss durable task queue and worker pool",
	}
	root.PersistentFlags().StringVar(&projectRoot, "project-root", "", "project root (defaults to the current working directory)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		initConfigCmd(),
		startCmd(),
		stopCmd(),
		killCmd(),
		workersCmd(),
		dashboardCmd(),
		submitCmd(),
		submitFileCmd(),
		listCmd(),
		statsCmd(),
		showCmd(),
		logsCmd(),
		cleanCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// usageError marks a cobra RunE failure as the user's mistake (bad flags,
// missing project) rather than an operational one, so main can pick exit
// code 1 instead of 2 (§7: FatalConfiguration exits 2).
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var u *usageError
	if errors.As(err, &u) {
		return 1
	}
	return 2
}

// requireProject resolves config for the current project and opens its
// store, failing with a usageError if the project hasn't been
// initialized (per-process resolved-path logging, §4.1).
func requireProject() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, nil, &usageError{fmt.Errorf("resolving config: %w", err)}
	}
	cfg.Verbose = verbose
	logging.Init(logging.Config{Verbose: verbose})
	logging.Logger.Info().Str("db_path", cfg.DBPath).Str("project_root", cfg.ProjectRoot).Msg("resolved config")

	if _, err := os.Stat(cfg.DBPath); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &usageError{fmt.Errorf("no klauss store at %s (run 'klauss start' to launch the coordinator and create it)", cfg.DBPath)}
		}
		return nil, nil, fmt.Errorf("checking store path: %w", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("initializing schema: %w", err)
	}
	return cfg, s, nil
}
