// Package main provides the entry point for the klauss-worker binary.
// The coordinator spawns one of these per worker slot (§4.4); it can also
// be run standalone for debugging a single worker against a shared store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloud-shuttle/klauss/internal/executor"
	"github.com/cloud-shuttle/klauss/internal/queue"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/internal/worker"
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
		workerID          string
		dbPath            string
		projectRoot       string
		executorCommand   string
		allowExternalDirs bool
		verbose           bool
	)

	flag.StringVar(&workerID, "worker-id", "", "unique worker identifier (required)")
	flag.StringVar(&dbPath, "db-path", "", "path to the durable store (required)")
	flag.StringVar(&projectRoot, "project-root", "", "project root for working-dir boundary checks (required)")
	flag.StringVar(&executorCommand, "executor-command", "claude", "executor CLI binary to invoke for each task")
	flag.BoolVar(&allowExternalDirs, "allow-external-dirs", false, "allow task working_dir outside project-root")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	if workerID == "" || dbPath == "" || projectRoot == "" {
		flag.Usage()
		return fmt.Errorf("--worker-id, --db-path, and --project-root are required")
	}

	logging.Init(logging.Config{Verbose: verbose})
	log := logging.WithWorkerID(workerID)
	log.Info().Str("db_path", dbPath).Str("project_root", projectRoot).Msg("resolved worker config")

	s, err := store.Open(dbPath)
	if err != nil {
		log.Error().Err(err).Msg("opening store")
		return err
	}
	defer s.Close()

	q := queue.New(s, projectRoot, allowExternalDirs)
	exec := executor.New(executorCommand)
	w := worker.New(workerID, q, exec, logging.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("signal received, shutting down")
		w.Shutdown()
		signal.Stop(sigCh)
	}()

	return w.Run(ctx)
}
