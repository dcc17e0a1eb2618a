package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared across klauss's spans and metrics.
const (
	KeyWorkerID   = "klauss.worker_id"
	KeyTaskID     = "klauss.task_id"
	KeyJobID      = "klauss.job_id"
	KeyErrorType  = "klauss.error_type"
	KeyTaskState  = "klauss.task_state"
	KeyHookName   = "klauss.hook_name"
)

// meter is the global meter for klauss metrics.
var meter = otel.Meter("klauss")

var (
	tasksClaimedCounter   metric.Int64Counter
	tasksCompletedCounter metric.Int64Counter
	tasksFailedCounter    metric.Int64Counter
	tasksResetCounter     metric.Int64Counter

	verificationPassedCounter metric.Int64Counter
	verificationFailedCounter metric.Int64Counter

	workerRestartsCounter metric.Int64Counter
	staleSweepCounter     metric.Int64Counter
)

var (
	taskDurationHistogram   metric.Float64Histogram
	claimLatencyHistogram   metric.Float64Histogram
	verifyDurationHistogram metric.Float64Histogram
)

// initMetrics initializes all metric instruments. Must be called after
// Init() has set up the global meter provider.
func initMetrics() error {
	var err error

	if tasksClaimedCounter, err = meter.Int64Counter(
		"klauss_tasks_claimed_total",
		metric.WithDescription("Total number of tasks claimed by workers"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if tasksCompletedCounter, err = meter.Int64Counter(
		"klauss_tasks_completed_total",
		metric.WithDescription("Total number of tasks completed successfully"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if tasksFailedCounter, err = meter.Int64Counter(
		"klauss_tasks_failed_total",
		metric.WithDescription("Total number of tasks that failed"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if tasksResetCounter, err = meter.Int64Counter(
		"klauss_tasks_reset_total",
		metric.WithDescription("Total number of tasks reset to pending (retry or sweep)"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if verificationPassedCounter, err = meter.Int64Counter(
		"klauss_verification_passed_total",
		metric.WithDescription("Total number of verification runs that passed"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}

	if verificationFailedCounter, err = meter.Int64Counter(
		"klauss_verification_failed_total",
		metric.WithDescription("Total number of verification runs that failed"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}

	if workerRestartsCounter, err = meter.Int64Counter(
		"klauss_worker_restarts_total",
		metric.WithDescription("Total number of worker process restarts by the coordinator"),
		metric.WithUnit("{restart}"),
	); err != nil {
		return err
	}

	if staleSweepCounter, err = meter.Int64Counter(
		"klauss_stale_tasks_swept_total",
		metric.WithDescription("Total number of tasks reclaimed by stale-claim sweeps"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if taskDurationHistogram, err = meter.Float64Histogram(
		"klauss_task_duration_seconds",
		metric.WithDescription("Duration of task execution, claim to terminal state"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if claimLatencyHistogram, err = meter.Float64Histogram(
		"klauss_claim_latency_seconds",
		metric.WithDescription("Time from a task becoming ready to being claimed"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if verifyDurationHistogram, err = meter.Float64Histogram(
		"klauss_verify_duration_seconds",
		metric.WithDescription("Duration of the verification pipeline for one task"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	return nil
}

// InitMetrics initializes metrics explicitly. Called automatically by Init().
func InitMetrics() error {
	return initMetrics()
}

// RecordTaskClaimed records that a task was claimed by a worker.
func RecordTaskClaimed(ctx context.Context, workerID, jobID string) {
	if tasksClaimedCounter == nil {
		return
	}
	tasksClaimedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyWorkerID, workerID),
		attribute.String(KeyJobID, jobID),
	))
}

// RecordTaskCompleted records a successful task completion and its
// claim-to-complete duration.
func RecordTaskCompleted(ctx context.Context, workerID, jobID string, duration time.Duration) {
	if tasksCompletedCounter != nil {
		tasksCompletedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String(KeyWorkerID, workerID),
			attribute.String(KeyJobID, jobID),
		))
	}
	if taskDurationHistogram != nil {
		taskDurationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String(KeyJobID, jobID),
			attribute.String(KeyTaskState, "completed"),
		))
	}
}

// RecordTaskFailed records a task failure and its claim-to-failed duration.
func RecordTaskFailed(ctx context.Context, workerID, jobID, errorType string, duration time.Duration) {
	if tasksFailedCounter != nil {
		tasksFailedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String(KeyWorkerID, workerID),
			attribute.String(KeyJobID, jobID),
			attribute.String(KeyErrorType, errorType),
		))
	}
	if taskDurationHistogram != nil {
		taskDurationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String(KeyJobID, jobID),
			attribute.String(KeyTaskState, "failed"),
			attribute.String(KeyErrorType, errorType),
		))
	}
}

// RecordTaskReset records a task returning to pending, either via explicit
// retry or a stale-claim sweep.
func RecordTaskReset(ctx context.Context, taskID, reason string) {
	if tasksResetCounter == nil {
		return
	}
	tasksResetCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyTaskID, taskID),
		attribute.String("klauss.reset_reason", reason),
	))
}

// RecordClaimLatency records the time between a task becoming ready and
// being claimed.
func RecordClaimLatency(ctx context.Context, jobID string, latency time.Duration) {
	if claimLatencyHistogram == nil {
		return
	}
	claimLatencyHistogram.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String(KeyJobID, jobID),
	))
}

// RecordVerification records a verification run's outcome and duration.
func RecordVerification(ctx context.Context, jobID string, passed bool, duration time.Duration) {
	if passed {
		if verificationPassedCounter != nil {
			verificationPassedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyJobID, jobID)))
		}
	} else if verificationFailedCounter != nil {
		verificationFailedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyJobID, jobID)))
	}
	if verifyDurationHistogram != nil {
		verifyDurationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(KeyJobID, jobID)))
	}
}

// RecordWorkerRestart records the coordinator restarting a worker slot.
func RecordWorkerRestart(ctx context.Context, workerID string) {
	if workerRestartsCounter == nil {
		return
	}
	workerRestartsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyWorkerID, workerID)))
}

// RecordStaleSweep records the number of tasks reclaimed by one sweep_stale
// invocation.
func RecordStaleSweep(ctx context.Context, count int) {
	if staleSweepCounter == nil || count == 0 {
		return
	}
	staleSweepCounter.Add(ctx, int64(count))
}
