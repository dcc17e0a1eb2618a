package worker

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/klauss/internal/executor"
	"github.com/cloud-shuttle/klauss/internal/queue"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/pkg/types"
)

func newTestWorker(t *testing.T, command string) (*Worker, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "klauss.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q := queue.New(s, dir, true)
	exec := executor.New(command)
	w := New("worker-1", q, exec, zerolog.New(io.Discard))
	w.PollInterval = 20 * time.Millisecond
	w.HeartbeatInterval = 20 * time.Millisecond
	return w, s
}

// waitForStatus polls the store until taskID reaches one of the wanted
// statuses or the deadline passes.
func waitForStatus(t *testing.T, s *store.Store, taskID int64, deadline time.Duration, want ...types.TaskStatus) *types.Task {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		task, err := s.GetTask(taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		for _, w := range want {
			if task.Status == w {
				return task
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %d did not reach %v within %s", taskID, want, deadline)
	return nil
}

func TestRunCompletesTaskSuccessfully(t *testing.T) {
	w, s := newTestWorker(t, "cat")

	id, err := w.Queue.AddTask(types.Task{Prompt: "echo this back", AutoVerify: false})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	task := waitForStatus(t, s, id, 2*time.Second, types.TaskStatusCompleted, types.TaskStatusFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if task.Status != types.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", task.Status, task.Error)
	}
	if !strings.Contains(task.Result.Stdout, "echo this back") {
		t.Errorf("stdout = %q, want it to contain the prompt", task.Result.Stdout)
	}
	if !task.Result.Verification.Passed {
		t.Errorf("verification report should pass when no checks are configured")
	}
}

func TestRunFailsTaskOnNonZeroExit(t *testing.T) {
	w, s := newTestWorker(t, "false")

	id, err := w.Queue.AddTask(types.Task{Prompt: "this will fail", AutoVerify: false})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	task := waitForStatus(t, s, id, 2*time.Second, types.TaskStatusCompleted, types.TaskStatusFailed)
	cancel()
	<-done

	if task.Status != types.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "exited") {
		t.Errorf("error = %q, want it to mention the exit", task.Error)
	}
}

func TestRunFailsTaskWhenExpectedOutputMissing(t *testing.T) {
	w, s := newTestWorker(t, "true")

	id, err := w.Queue.AddTask(types.Task{
		Prompt:          "writes nothing",
		ExpectedOutputs: []string{"never-created.txt"},
		AutoVerify:      false,
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	task := waitForStatus(t, s, id, 2*time.Second, types.TaskStatusCompleted, types.TaskStatusFailed)
	cancel()
	<-done

	if task.Status != types.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "expected output exists") {
		t.Errorf("error = %q, want it to mention the missing output", task.Error)
	}
}

func TestRunShutsDownCleanlyWithNoReadyTasks(t *testing.T) {
	w, s := newTestWorker(t, "cat")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	workers, err := s.ListWorkers()
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].Status != types.WorkerStatusStopped {
		t.Fatalf("workers = %+v, want one stopped worker", workers)
	}
}

func TestTaskTimeoutReadsMetadataOverride(t *testing.T) {
	task := &types.Task{Metadata: json.RawMessage(`{"timeout_seconds": 45}`)}
	if got := taskTimeout(task); got != 45*time.Second {
		t.Errorf("taskTimeout = %s, want 45s", got)
	}
}

func TestThrottleThresholdMBDefaultsWhenUnset(t *testing.T) {
	w := &Worker{}
	if got := w.throttleThresholdMB(); got != DefaultThrottleThresholdMB {
		t.Errorf("throttleThresholdMB = %d, want default %d", got, DefaultThrottleThresholdMB)
	}

	w.ThrottleThresholdMB = 1024
	if got := w.throttleThresholdMB(); got != 1024 {
		t.Errorf("throttleThresholdMB = %d, want override 1024", got)
	}
}

func TestTaskTimeoutDefaultsToZeroWithoutOverride(t *testing.T) {
	if got := taskTimeout(&types.Task{}); got != 0 {
		t.Errorf("taskTimeout = %s, want 0", got)
	}
	bad := &types.Task{Metadata: json.RawMessage(`{"timeout_seconds": -5}`)}
	if got := taskTimeout(bad); got != 0 {
		t.Errorf("taskTimeout with negative override = %s, want 0", got)
	}
}
