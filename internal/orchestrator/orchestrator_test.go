package orchestrator

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/klauss/internal/queue"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/pkg/types"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
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

	q := queue.New(s, dir, false)
	o := New(q, zerolog.New(io.Discard))
	o.PollInterval = 10 * time.Millisecond
	return o
}

func TestCreateJobAndAddSubtask(t *testing.T) {
	o := newTestOrchestrator(t)

	job, err := o.CreateJob("ship the thing")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != types.JobStatusRunning {
		t.Errorf("status = %s, want running", job.Status)
	}

	id, err := o.AddSubtask(job.ID, "do the work", SubtaskOptions{Priority: 5})
	if err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}

	stats, err := o.GetJobStatus(job.ID)
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want total=1 pending=1", stats)
	}

	task, err := o.Queue.Store.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Priority != 5 || task.JobID != job.ID {
		t.Errorf("task = %+v, want priority=5 job_id=%s", task, job.ID)
	}
}

func TestAddSubtaskRejectsBoundaryViolation(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "klauss.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	defer s.Close()

	q := queue.New(s, dir, false)
	o := New(q, zerolog.New(io.Discard))

	job, err := o.CreateJob("boundary test")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	_, err = o.AddSubtask(job.ID, "escape", SubtaskOptions{WorkingDir: "/etc"})
	var boundaryErr *queue.BoundaryViolation
	if err == nil {
		t.Fatal("AddSubtask: want BoundaryViolation, got nil")
	}
	if !errors.As(err, &boundaryErr) {
		t.Errorf("AddSubtask err = %v, want *queue.BoundaryViolation", err)
	}
}

func TestWaitAndCollectReturnsResultsOnceTerminal(t *testing.T) {
	o := newTestOrchestrator(t)

	job, err := o.CreateJob("wait test")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	id, err := o.AddSubtask(job.ID, "work", SubtaskOptions{})
	if err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}

	done := make(chan map[int64]*types.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		results, err := o.WaitAndCollect(job.ID, false)
		if err != nil {
			errCh <- err
			return
		}
		done <- results
	}()

	time.Sleep(30 * time.Millisecond)
	task, err := o.Queue.Claim("worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task.ID != id {
		t.Fatalf("claimed task %d, want %d", task.ID, id)
	}
	if err := o.Queue.Start(task.ID, "worker-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Queue.Complete(task.ID, "worker-1", &types.Result{Success: true, Stdout: "done"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case results := <-done:
		r := results[id]
		if r == nil || !r.Success || r.Stdout != "done" {
			t.Errorf("results[%d] = %+v, want success stdout=done", id, r)
		}
	case err := <-errCh:
		t.Fatalf("WaitAndCollect: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAndCollect did not return")
	}
}

func TestGetFailedTasksAndRetry(t *testing.T) {
	o := newTestOrchestrator(t)

	job, err := o.CreateJob("retry test")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	id, err := o.AddSubtask(job.ID, "will fail", SubtaskOptions{})
	if err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}

	task, err := o.Queue.Claim("worker-1")
	if err != nil || task.ID != id {
		t.Fatalf("Claim: task=%v err=%v", task, err)
	}
	if err := o.Queue.Start(id, "worker-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Queue.Fail(id, "worker-1", "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	failed, err := o.GetFailedTasks(job.ID)
	if err != nil {
		t.Fatalf("GetFailedTasks: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("failed = %+v, want one task %d", failed, id)
	}

	n, err := o.RetryFailedTasks(job.ID)
	if err != nil {
		t.Fatalf("RetryFailedTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("RetryFailedTasks = %d, want 1", n)
	}

	retried, err := o.Queue.Store.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if retried.Status != types.TaskStatusPending || retried.Error != "" {
		t.Errorf("retried task = %+v, want pending with no error", retried)
	}
}

// TestWaitAndCollectRecordsFailureReason exercises the real fail -> collect
// -> synthesize path (rather than a hand-built Result) to confirm a failed
// task's reason survives into both collectResults and SynthesizeResults.
func TestWaitAndCollectRecordsFailureReason(t *testing.T) {
	o := newTestOrchestrator(t)

	job, err := o.CreateJob("failure test")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	id, err := o.AddSubtask(job.ID, "will fail", SubtaskOptions{})
	if err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}

	task, err := o.Queue.Claim("worker-1")
	if err != nil || task.ID != id {
		t.Fatalf("Claim: task=%v err=%v", task, err)
	}
	if err := o.Queue.Start(id, "worker-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Queue.Fail(id, "worker-1", "executor CLI exited 1"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	results, err := o.WaitAndCollect(job.ID, false)
	if err != nil {
		t.Fatalf("WaitAndCollect: %v", err)
	}
	r := results[id]
	if r == nil {
		t.Fatalf("results[%d] = nil, want a populated failure Result", id)
	}
	if r.Success {
		t.Errorf("Success = true, want false")
	}
	if r.Message != "executor CLI exited 1" {
		t.Errorf("Message = %q, want %q", r.Message, "executor CLI exited 1")
	}

	out := SynthesizeResults(results, "Summarize:")
	if !containsInOrder(out, "status: failed", "executor CLI exited 1") {
		t.Errorf("SynthesizeResults output missing failure detail:\n%s", out)
	}
	if strings.Contains(out, "no result recorded") {
		t.Errorf("SynthesizeResults fell back to the no-result branch for a real failure:\n%s", out)
	}
}

func TestSynthesizeResultsIsPureAndOrdered(t *testing.T) {
	results := map[int64]*types.Result{
		2: {Success: true, Stdout: "second"},
		1: {Success: false, Message: "first failed"},
	}

	out := SynthesizeResults(results, "Summarize:")
	if !containsInOrder(out, "task 1", "first failed", "task 2", "second") {
		t.Errorf("SynthesizeResults output not ordered as expected:\n%s", out)
	}

	// Calling again with the same inputs produces byte-identical output.
	again := SynthesizeResults(results, "Summarize:")
	if out != again {
		t.Error("SynthesizeResults is not a pure function of its inputs")
	}
}

func containsInOrder(s string, parts ...string) bool {
	idx := 0
	for _, p := range parts {
		i := strings.Index(s[idx:], p)
		if i < 0 {
			return false
		}
		idx += i + len(p)
	}
	return true
}
