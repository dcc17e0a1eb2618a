// Package main provides the entry point for the klauss-coordinatord
// binary: the process supervisor that keeps N workers alive (§4.4).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cloud-shuttle/klauss/internal/config"
	"github.com/cloud-shuttle/klauss/internal/coordinator"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		projectRoot  string
		workerCount  int
		workerBinary string
		verbose      bool
	)

	flag.StringVar(&projectRoot, "project-root", "", "project root (defaults to the current working directory)")
	flag.IntVar(&workerCount, "workers", 0, "number of workers to maintain (0 uses the resolved config default)")
	flag.StringVar(&workerBinary, "worker-binary", "", "path to the klauss-worker binary (defaults to the binary alongside this one)")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}
	if workerCount > 0 {
		cfg.DefaultWorkerCount = workerCount
	}
	cfg.Verbose = verbose

	logging.Init(logging.Config{Verbose: cfg.Verbose})
	log := logging.WithComponent("coordinator")
	log.Info().Str("db_path", cfg.DBPath).Str("project_root", cfg.ProjectRoot).
		Int("workers", cfg.DefaultWorkerCount).Msg("resolved coordinator config")

	if workerBinary == "" {
		workerBinary, err = defaultWorkerBinary()
		if err != nil {
			log.Error().Err(err).Msg("locating klauss-worker binary")
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(filepath.Dir(cfg.DBPath), "logs"), 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("opening store")
		return err
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		log.Error().Err(err).Msg("initializing schema")
		return err
	}

	c := coordinator.New(cfg, s, workerBinary, logging.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("signal received, shutting down coordinator")
		cancel()
		signal.Stop(sigCh)
	}()

	return c.Run(ctx)
}

// defaultWorkerBinary looks for klauss-worker next to the running
// executable, which is how the management CLI lays binaries out after a
// build.
func defaultWorkerBinary() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving executable path: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), "klauss-worker")
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("klauss-worker not found next to klauss-coordinatord at %s: %w", candidate, err)
	}
	return candidate, nil
}
