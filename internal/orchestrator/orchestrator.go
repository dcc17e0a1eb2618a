// Package orchestrator is the client-facing API a controlling process uses
// to drive a job through the durable queue: create it, add subtasks with
// dependencies and shared context, wait for completion, retry failures, and
// fold the results into a summary prompt (§4.5).
package orchestrator

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/klauss/internal/queue"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/pkg/types"
)

// DefaultPollInterval is how often wait_and_collect checks job status (§4.5,
// §5: "1-2s intervals").
const DefaultPollInterval = 2 * time.Second

// Orchestrator drives one or more jobs through a Queue.
type Orchestrator struct {
	Queue        *queue.Queue
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// New builds an Orchestrator against q.
func New(q *queue.Queue, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Queue:        q,
		PollInterval: DefaultPollInterval,
		Logger:       logger.With().Str("component", "orchestrator").Logger(),
	}
}

// CreateJob registers a new job under a fresh uuid and returns it.
func (o *Orchestrator) CreateJob(description string) (*types.Job, error) {
	id := uuid.NewString()
	job, err := o.Queue.Store.CreateJob(id, description)
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	o.Logger.Info().Str("job_id", id).Str("description", description).Msg("job created")
	return job, nil
}

// SubtaskOptions are add_subtask's named opts (§4.5).
type SubtaskOptions struct {
	Priority          int
	WorkingDir        string
	ContextFiles      []string
	ExpectedOutputs   []string
	DependsOn         []int64
	ParentTaskID      *int64
	VerificationHooks []types.VerificationHook
	AutoVerify        bool
	Metadata          []byte
}

// AddSubtask validates and enqueues prompt as a task belonging to jobID.
func (o *Orchestrator) AddSubtask(jobID, prompt string, opts SubtaskOptions) (int64, error) {
	task := types.Task{
		Prompt:            prompt,
		JobID:             jobID,
		Priority:          opts.Priority,
		WorkingDir:        opts.WorkingDir,
		ContextFiles:      opts.ContextFiles,
		ExpectedOutputs:   opts.ExpectedOutputs,
		DependsOn:         opts.DependsOn,
		ParentTaskID:      opts.ParentTaskID,
		VerificationHooks: opts.VerificationHooks,
		AutoVerify:        opts.AutoVerify,
		Metadata:          opts.Metadata,
	}
	id, err := o.Queue.AddTask(task)
	if err != nil {
		return 0, err
	}
	o.Logger.Debug().Str("job_id", jobID).Int64("task_id", id).Msg("subtask added")
	return id, nil
}

// SetSharedContext upserts a key-value pair, global if jobID is empty.
func (o *Orchestrator) SetSharedContext(key, value, jobID string) error {
	return o.Queue.Store.SetSharedContext(jobID, key, value)
}

// GetJobStatus returns jobID's aggregate task counts.
func (o *Orchestrator) GetJobStatus(jobID string) (*types.JobStats, error) {
	return o.Queue.Store.JobStats(jobID)
}

// EnsureWorkersAvailable checks the workers table and, when empty, either
// prompts an attached terminal or consults KLAUSS_AUTO_START_WORKERS in
// non-interactive contexts (§4.5). It never starts workers itself — that
// is the coordinator's job — it only reports whether the caller should.
func (o *Orchestrator) EnsureWorkersAvailable() (shouldStart bool, err error) {
	workers, err := o.Queue.Store.ListWorkers()
	if err != nil {
		return false, fmt.Errorf("listing workers: %w", err)
	}
	if len(workers) > 0 {
		return false, nil
	}

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		fmt.Fprint(os.Stderr, "no workers are running; start the coordinator now? [y/N] ")
		var answer string
		fmt.Fscanln(os.Stdin, &answer)
		return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes"), nil
	}

	v := os.Getenv("KLAUSS_AUTO_START_WORKERS")
	return v == "true" || v == "1", nil
}

// WaitAndCollect polls jobID's status until every task is terminal, then
// returns each task's final result keyed by task id (§4.5, §5: the only
// blocking point is the poll sleep).
func (o *Orchestrator) WaitAndCollect(jobID string, showProgress bool) (map[int64]*types.Result, error) {
	interval := o.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := o.Queue.Store.JobStats(jobID)
		if err != nil {
			return nil, fmt.Errorf("checking job status: %w", err)
		}
		if showProgress {
			o.Logger.Info().
				Int("completed", stats.Completed).Int("failed", stats.Failed).
				Int("total", stats.Total).Float64("progress_pct", stats.ProgressPct).
				Msg("job progress")
		}

		if stats.Pending+stats.Claimed+stats.InProgress == 0 {
			return o.collectResults(jobID)
		}
		<-ticker.C
	}
}

func (o *Orchestrator) collectResults(jobID string) (map[int64]*types.Result, error) {
	tasks, err := o.Queue.Store.ListByJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("listing job tasks: %w", err)
	}
	results := make(map[int64]*types.Result, len(tasks))
	for _, t := range tasks {
		results[t.ID] = t.Result
	}
	return results, nil
}

// GetFailedTasks returns jobID's failed tasks.
func (o *Orchestrator) GetFailedTasks(jobID string) ([]*types.Task, error) {
	return filterByJob(o.Queue.Store, jobID, types.TaskStatusFailed)
}

// GetCompletedTasks returns jobID's completed tasks.
func (o *Orchestrator) GetCompletedTasks(jobID string) ([]*types.Task, error) {
	return filterByJob(o.Queue.Store, jobID, types.TaskStatusCompleted)
}

func filterByJob(s *store.Store, jobID string, status types.TaskStatus) ([]*types.Task, error) {
	tasks, err := s.ListByJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("listing job tasks: %w", err)
	}
	var filtered []*types.Task
	for _, t := range tasks {
		if t.Status == status {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// RetryFailedTasks resets every failed task in jobID back to pending,
// returning how many were reset.
func (o *Orchestrator) RetryFailedTasks(jobID string) (int, error) {
	failed, err := o.GetFailedTasks(jobID)
	if err != nil {
		return 0, err
	}
	for _, t := range failed {
		if err := o.Queue.Reset(t.ID); err != nil {
			return 0, fmt.Errorf("resetting task %d: %w", t.ID, err)
		}
	}
	o.Logger.Info().Str("job_id", jobID).Int("count", len(failed)).Msg("retrying failed tasks")
	return len(failed), nil
}

// SynthesizeResults formats results into a text blob suitable to feed back
// to the executor CLI for summarization. A pure function of its inputs: it
// reads no store state and mutates nothing (§4.5).
func SynthesizeResults(results map[int64]*types.Result, synthesisPrompt string) string {
	var b strings.Builder
	b.WriteString(synthesisPrompt)
	b.WriteString("\n\n")

	ids := sortedKeys(results)
	for _, id := range ids {
		r := results[id]
		b.WriteString(fmt.Sprintf("--- task %d ---\n", id))
		if r == nil {
			b.WriteString("(no result recorded)\n\n")
			continue
		}
		if r.Success {
			b.WriteString("status: success\n")
			if r.Stdout != "" {
				b.WriteString(r.Stdout)
				if !strings.HasSuffix(r.Stdout, "\n") {
					b.WriteString("\n")
				}
			}
		} else {
			b.WriteString("status: failed\n")
			b.WriteString(r.Message)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[int64]*types.Result) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
