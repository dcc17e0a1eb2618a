// Package types defines the persistent record shapes shared across klauss:
// tasks, jobs, workers, shared context, and verification results.
package types

import "encoding/json"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// JobStatus is the aggregate status of a job's tasks.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// WorkerStatus is the liveness state of a worker record.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// VerificationHook is a command run after the executor CLI succeeds.
type VerificationHook struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Task is the unit of work claimed and executed by a worker.
type Task struct {
	ID int64 `json:"id"`

	// Input fields, immutable after insert.
	Prompt            string             `json:"prompt"`
	WorkingDir        string             `json:"working_dir,omitempty"`
	ContextFiles      []string           `json:"context_files,omitempty"`
	ExpectedOutputs   []string           `json:"expected_outputs,omitempty"`
	Metadata          json.RawMessage    `json:"metadata,omitempty"`
	Priority          int                `json:"priority"`
	JobID             string             `json:"job_id,omitempty"`
	ParentTaskID      *int64             `json:"parent_task_id,omitempty"`
	DependsOn         []int64            `json:"depends_on,omitempty"`
	VerificationHooks []VerificationHook `json:"verification_hooks,omitempty"`
	AutoVerify        bool               `json:"auto_verify"`

	// Mutable state.
	Status      TaskStatus `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	ClaimedAt   *int64     `json:"claimed_at,omitempty"`
	StartedAt   *int64     `json:"started_at,omitempty"`
	CompletedAt *int64     `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Result is the tagged outcome written when a task completes or fails.
// Exactly one of the two branches is populated, selected by Success.
type Result struct {
	Success bool `json:"success"`

	// Success branch.
	Stdout       string            `json:"stdout,omitempty"`
	Stderr       string            `json:"stderr,omitempty"`
	Verification *VerificationReport `json:"verification,omitempty"`

	// Failure branch.
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// VerificationReport is the outcome of running the verification pipeline
// for a task, attached to its Result.
type VerificationReport struct {
	Passed bool             `json:"passed"`
	Checks []VerifyCheck    `json:"checks"`
}

// VerifyCheck is a single verification step's outcome: either an output
// existence check or a hook execution.
type VerifyCheck struct {
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	ExitCode    int    `json:"exit_code"`
}

// Job is a logical grouping of tasks pursuing one high-level goal.
type Job struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CreatedAt   int64     `json:"created_at"`
	Status      JobStatus `json:"status"`
}

// JobStats summarizes a job's task counts, used by get_job_status.
type JobStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Claimed      int     `json:"claimed"`
	InProgress   int     `json:"in_progress"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	ProgressPct  float64 `json:"progress_pct"`
}

// SharedContextEntry is one key-value pair workers inject into the prompt
// preamble, optionally scoped to a single job (empty JobID means global).
type SharedContextEntry struct {
	JobID string `json:"job_id,omitempty"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Worker is one row per live worker process.
type Worker struct {
	WorkerID      string       `json:"worker_id"`
	PID           int          `json:"pid"`
	StartedAt     int64        `json:"started_at"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	CurrentTaskID *int64       `json:"current_task_id,omitempty"`
	Status        WorkerStatus `json:"status"`
}
