package coordinator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/klauss/internal/config"
	"github.com/cloud-shuttle/klauss/internal/store"
)

// writeScript writes an executable shell script to dir/name and returns its
// path, standing in for a worker binary in tests.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", name, err)
	}
	return path
}

func newTestCoordinator(t *testing.T, workerCount int, workerBinary string) (*Coordinator, *store.Store) {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "klauss.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		DBPath:             filepath.Join(root, "klauss.db"),
		ProjectRoot:        root,
		DefaultWorkerCount: workerCount,
		IdleTimeout:        100 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}

	c := New(cfg, s, workerBinary, zerolog.New(io.Discard))
	c.TickInterval = 20 * time.Millisecond
	c.ShutdownGrace = 200 * time.Millisecond
	return c, s
}

func TestRunSpawnsWorkersAndShutsDownOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "worker.sh", `
trap 'exit 0' TERM
while true; do sleep 0.05; done
`)

	c, _ := newTestCoordinator(t, 2, script)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	for i := 0; i < 2; i++ {
		logPath := c.Config.LogPath("worker-" + string(rune('0'+i)))
		if _, err := os.Stat(logPath); err != nil {
			t.Errorf("expected log file for worker-%d: %v", i, err)
		}
	}
}

func TestRestartBudgetDisablesSlotAfterRepeatedCrashes(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "crash.sh", `exit 1`)

	c, _ := newTestCoordinator(t, 1, script)
	c.IdleTimeout = time.Hour // don't let idle shutdown race the budget check

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		state := c.slots[0].state
		c.mu.Unlock()
		if state == SlotDisabled {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("slot was never disabled after repeated crashes")
}

func TestShutdownIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "worker.sh", `
trap 'exit 0' TERM
while true; do sleep 0.05; done
`)
	c, _ := newTestCoordinator(t, 1, script)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	c.shutdown("test")
	c.shutdown("test again")

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
