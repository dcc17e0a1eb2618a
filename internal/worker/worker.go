// Package worker implements the worker runtime loop: claim, execute,
// verify, and complete or fail a task, with a background heartbeat and
// cooperative shutdown (§4.3).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/klauss/internal/dashboard"
	"github.com/cloud-shuttle/klauss/internal/executor"
	"github.com/cloud-shuttle/klauss/internal/memory"
	"github.com/cloud-shuttle/klauss/internal/promptbuilder"
	"github.com/cloud-shuttle/klauss/internal/queue"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/internal/verify"
	"github.com/cloud-shuttle/klauss/pkg/telemetry"
	"github.com/cloud-shuttle/klauss/pkg/types"
)

// DefaultPollInterval is the base sleep when the queue has no ready task;
// the actual sleep is jittered over [base/2, 3*base/2), i.e. 1-3s (§4.3
// step 2).
const DefaultPollInterval = 2 * time.Second

// DefaultHeartbeatInterval is how often the worker refreshes its
// liveness row, at least every 5s while executing (§4.3 step 9).
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultThrottleThresholdMB is the system-available-memory floor below
// which a worker pauses briefly before claiming its next task, giving
// memory pressure a chance to ease instead of piling more executor CLI
// processes onto an already-starved host.
const DefaultThrottleThresholdMB = 512

// ThrottleBackoff is how long a worker waits once ShouldThrottle fires,
// before checking again.
const ThrottleBackoff = 5 * time.Second

// Worker runs the claim-execute-verify-complete loop for one worker_id.
type Worker struct {
	ID    string
	Queue *queue.Queue

	Executor      *executor.Executor
	Verifier      *verify.Engine
	PromptBuilder *promptbuilder.Builder
	Memory        *memory.Tracker

	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	ThrottleThresholdMB int64

	Logger zerolog.Logger

	shuttingDown bool
}

// New builds a Worker with sane defaults for poll/heartbeat intervals.
func New(id string, q *queue.Queue, exec *executor.Executor, logger zerolog.Logger) *Worker {
	return &Worker{
		ID:                  id,
		Queue:               q,
		Executor:            exec,
		Verifier:            verify.New(),
		PromptBuilder:       promptbuilder.New(),
		Memory:              memory.NewTracker(),
		PollInterval:        DefaultPollInterval,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		ThrottleThresholdMB: DefaultThrottleThresholdMB,
		Logger:              logger.With().Str("component", "worker").Str("worker_id", id).Logger(),
	}
}

// Run is the worker's main loop (§4.3). It registers the worker row,
// starts the heartbeat goroutine, and claims/executes tasks until ctx is
// canceled, at which point it finishes cooperatively and marks itself
// stopped.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Queue.Store.RegisterWorker(w.ID, os.Getpid()); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}

	pending, err := w.Queue.Store.ListByStatus(types.TaskStatusPending)
	if err != nil {
		w.Logger.Warn().Err(err).Msg("health check: could not count pending tasks")
	} else {
		event := w.Logger.Info()
		if len(pending) == 0 {
			event = w.Logger.Warn()
		}
		event.Int("pending_tasks", len(pending)).Msg("worker started")
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go w.heartbeatLoop(heartbeatCtx)

	for {
		select {
		case <-ctx.Done():
			w.shuttingDown = true
		default:
		}

		if w.shuttingDown {
			if err := w.Queue.Store.SetWorkerStatus(w.ID, types.WorkerStatusStopped, nil); err != nil {
				w.Logger.Error().Err(err).Msg("updating worker status to stopped")
			}
			w.Logger.Info().Msg("worker shutting down")
			return nil
		}

		if w.Memory != nil && w.Memory.ShouldThrottle(w.throttleThresholdMB()) {
			w.Logger.Warn().Int64("threshold_mb", w.throttleThresholdMB()).
				Msg("system memory below threshold, delaying next claim")
			select {
			case <-ctx.Done():
				continue
			case <-time.After(ThrottleBackoff):
			}
			continue
		}

		_, claimSpan := telemetry.StartClaimSpan(ctx, w.ID)
		task, err := w.Queue.Claim(w.ID)
		claimSpan.End()
		if errors.Is(err, store.ErrNoTask) {
			w.sleepPoll(ctx)
			continue
		}
		if err != nil {
			w.Logger.Error().Err(err).Msg("claim failed")
			w.sleepPoll(ctx)
			continue
		}

		if err := w.Queue.Store.SetWorkerStatus(w.ID, types.WorkerStatusBusy, &task.ID); err != nil {
			w.Logger.Warn().Err(err).Int64("task_id", task.ID).Msg("updating worker status to busy")
		}
		dashboard.BroadcastTaskClaimed(task.ID, task.JobID, w.ID)
		w.processTask(ctx, task)
		if err := w.Queue.Store.SetWorkerStatus(w.ID, types.WorkerStatusIdle, nil); err != nil {
			w.Logger.Warn().Err(err).Msg("updating worker status to idle")
		}
	}
}

// Shutdown requests cooperative shutdown; the current task, if any,
// still runs to completion before Run returns.
func (w *Worker) Shutdown() {
	w.shuttingDown = true
}

func (w *Worker) throttleThresholdMB() int64 {
	if w.ThrottleThresholdMB <= 0 {
		return DefaultThrottleThresholdMB
	}
	return w.ThrottleThresholdMB
}

func (w *Worker) sleepPoll(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
	case <-time.After(interval/2 + jitter):
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Queue.Store.Heartbeat(w.ID); err != nil {
				w.Logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// processTask runs steps 3-8 of §4.3 for one claimed task: build the
// effective prompt, start, execute, verify, and record the terminal
// outcome. Failures at any step become a task-level fail, never an error
// that escapes the worker loop.
func (w *Worker) processTask(ctx context.Context, task *types.Task) {
	log := w.Logger.With().Int64("task_id", task.ID).Logger()

	ctx, span := telemetry.StartTaskSpan(ctx, w.ID, task.ID, task.JobID)
	spanEnded := false
	fail := func(reason string) {
		w.fail(task, &log, reason)
		telemetry.EndTaskSpan(span, false, reason)
		spanEnded = true
	}
	defer func() {
		if !spanEnded {
			telemetry.EndTaskSpan(span, true, "")
		}
	}()

	sharedContext, err := w.Queue.Store.GetSharedContext(task.JobID)
	if err != nil {
		log.Warn().Err(err).Msg("loading shared context")
		sharedContext = nil
	}
	prompt := w.PromptBuilder.Build(task.Prompt, sharedContext, task.ContextFiles)

	if err := w.Queue.Start(task.ID, w.ID); err != nil {
		log.Error().Err(err).Msg("marking task started")
		telemetry.EndTaskSpan(span, false, "marking task started failed")
		spanEnded = true
		return
	}
	log.Info().Str("phase", "start").Msg("task started")
	dashboard.BroadcastTaskStarted(task.ID, task.JobID, w.ID)

	timeout := taskTimeout(task)
	result, err := w.Executor.Execute(ctx, task.WorkingDir, prompt, timeout)
	if err != nil && result == nil {
		fail(fmt.Sprintf("executor CLI invocation failed: %v", err))
		return
	}

	if w.Memory != nil {
		w.Memory.Track(result.PID)
		_ = w.Memory.Sample()
		if mem, ok := w.Memory.GetWorkerMemory(result.PID); ok {
			log.Info().Str("phase", "execute").
				Str("peak_rss", memory.FormatBytes(mem.PeakRSS)).
				Str("final_rss", memory.FormatBytes(mem.RSSBytes)).
				Dur("duration", result.Duration).
				Msg("executor CLI exited")
		}
		w.Memory.Untrack(result.PID)
	}

	if result.TimedOut {
		fail(fmt.Sprintf("executor CLI timed out after %s", timeout))
		return
	}
	if result.ExitCode != 0 {
		fail(fmt.Sprintf("executor CLI exited %d: %s", result.ExitCode, truncate(result.Stderr, 2000)))
		return
	}

	report, err := w.Verifier.Run(ctx, task)
	if err != nil {
		fail(fmt.Sprintf("verification engine error: %v", err))
		return
	}
	if !report.Passed {
		fail(summarizeReport(report))
		return
	}

	taskResult := &types.Result{
		Success:      true,
		Stdout:       result.Stdout,
		Stderr:       result.Stderr,
		Verification: report,
	}
	if err := w.Queue.Complete(task.ID, w.ID, taskResult); err != nil {
		log.Error().Err(err).Msg("marking task completed")
		telemetry.EndTaskSpan(span, false, "marking task completed failed")
		spanEnded = true
		return
	}
	log.Info().Str("phase", "complete").Dur("duration", result.Duration).Msg("task completed")
	dashboard.BroadcastTaskCompleted(task.ID, task.JobID)
}

func (w *Worker) fail(task *types.Task, log *zerolog.Logger, reason string) {
	if err := w.Queue.Fail(task.ID, w.ID, reason); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("marking task failed")
		return
	}
	log.Warn().Str("phase", "fail").Str("reason", reason).Msg("task failed")
	dashboard.BroadcastTaskFailed(task.ID, task.JobID, reason)
}

// taskTimeout reads an optional per-task override from metadata's
// "timeout_seconds" key (§4.3 step 5); zero means "use executor default".
func taskTimeout(task *types.Task) time.Duration {
	if len(task.Metadata) == 0 {
		return 0
	}
	var meta struct {
		TimeoutSeconds int `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(task.Metadata, &meta); err != nil || meta.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(meta.TimeoutSeconds) * time.Second
}

func summarizeReport(report *types.VerificationReport) string {
	for _, check := range report.Checks {
		if !check.Passed {
			return fmt.Sprintf("verification failed: %s", check.Description)
		}
	}
	return "verification failed"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
