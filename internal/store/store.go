// Package store implements klauss's durable task queue: a single SQLite
// file shared by the orchestrator, coordinator, and every worker, with
// atomic claim semantics, dependency-aware readiness, and heartbeat-based
// stale-claim recovery.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/cloud-shuttle/klauss/pkg/types"
)

// Sentinel errors surfaced to callers via errors.Is.
var (
	ErrNoTask       = fmt.Errorf("store: no ready task")
	ErrNotFound     = fmt.Errorf("store: not found")
	ErrNotOwner     = fmt.Errorf("store: task not owned by worker")
	ErrWrongState   = fmt.Errorf("store: task not in expected state")
	ErrUnknownDep   = fmt.Errorf("store: depends_on references a nonexistent task")
	ErrCycle        = fmt.Errorf("store: depends_on introduces a dependency cycle")
	ErrNegPriority  = fmt.Errorf("store: priority must be non-negative")
)

// Store wraps a single SQLite connection with the durable-store schema.
type Store struct {
	DB *sql.DB
}

// Stats summarizes queue depth by task status (§4.1 stats()).
type Stats struct {
	Pending    int `json:"pending"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Open opens (creating if necessary) the SQLite store at path and tunes it
// for concurrent access from many worker processes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("tuning store: %s: %w", pragma, err)
		}
	}

	return &Store{DB: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt              TEXT NOT NULL,
	working_dir         TEXT,
	context_files       TEXT,
	expected_outputs    TEXT,
	metadata            TEXT,
	priority            INTEGER NOT NULL DEFAULT 0,
	job_id              TEXT,
	parent_task_id      INTEGER,
	verification_hooks  TEXT,
	auto_verify         INTEGER NOT NULL DEFAULT 1,
	status              TEXT NOT NULL DEFAULT 'pending',
	worker_id           TEXT,
	created_at          INTEGER NOT NULL,
	claimed_at          INTEGER,
	started_at          INTEGER,
	completed_at        INTEGER,
	result              TEXT,
	error               TEXT
);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id    INTEGER NOT NULL,
	depends_on INTEGER NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	description TEXT,
	created_at  INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running'
);

CREATE TABLE IF NOT EXISTS workers (
	worker_id       TEXT PRIMARY KEY,
	pid             INTEGER NOT NULL,
	started_at      INTEGER NOT NULL,
	last_heartbeat  INTEGER NOT NULL,
	current_task_id INTEGER,
	status          TEXT NOT NULL DEFAULT 'idle'
);

CREATE TABLE IF NOT EXISTS shared_context (
	job_id TEXT NOT NULL DEFAULT '',
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (job_id, key)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority DESC, id ASC);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on);
`

// InitSchema creates the schema if it does not already exist.
func (s *Store) InitSchema() error {
	_, err := s.DB.Exec(schema)
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []types.VerificationHook:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []int64:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

// AddTask validates and inserts a new task, returning its assigned id.
//
// Validation (§4.1, §7): every id in fields.DependsOn must already exist,
// the resulting dependency graph must stay acyclic, and priority must be
// non-negative. All validation happens before any row is written.
func (s *Store) AddTask(fields types.Task) (int64, error) {
	if fields.Priority < 0 {
		return 0, ErrNegPriority
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, dep := range fields.DependsOn {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return 0, fmt.Errorf("%w: %d", ErrUnknownDep, dep)
			}
			return 0, fmt.Errorf("checking dependency %d: %w", dep, err)
		}
	}

	if len(fields.DependsOn) > 0 {
		if err := checkAcyclic(tx, fields.DependsOn); err != nil {
			return 0, err
		}
	}

	contextFiles, err := marshalJSON(fields.ContextFiles)
	if err != nil {
		return 0, fmt.Errorf("marshaling context_files: %w", err)
	}
	expectedOutputs, err := marshalJSON(fields.ExpectedOutputs)
	if err != nil {
		return 0, fmt.Errorf("marshaling expected_outputs: %w", err)
	}
	hooks, err := marshalJSON(fields.VerificationHooks)
	if err != nil {
		return 0, fmt.Errorf("marshaling verification_hooks: %w", err)
	}
	var metadata sql.NullString
	if len(fields.Metadata) > 0 {
		metadata = sql.NullString{String: string(fields.Metadata), Valid: true}
	}

	now := time.Now().Unix()
	res, err := tx.Exec(`
		INSERT INTO tasks (
			prompt, working_dir, context_files, expected_outputs, metadata,
			priority, job_id, parent_task_id, verification_hooks, auto_verify,
			status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
	`, fields.Prompt, nullableString(fields.WorkingDir), contextFiles, expectedOutputs, metadata,
		fields.Priority, nullableString(fields.JobID), fields.ParentTaskID, hooks, fields.AutoVerify, now)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}

	for _, dep := range fields.DependsOn {
		if _, err := tx.Exec(`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`, id, dep); err != nil {
			return 0, fmt.Errorf("recording dependency %d: %w", dep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return id, nil
}

// checkAcyclic verifies that depending on `deps` from a not-yet-inserted
// task cannot close a cycle, by walking the existing dependency graph
// backward from each dep: if any of those walks reaches a task that is
// itself one of deps' transitive dependents, inserting would be circular.
// Because depends_on is immutable and can only reference ids that already
// exist, a true cycle can never actually form this way; the DFS is kept
// as the explicit acyclicity check the spec calls for.
func checkAcyclic(tx *sql.Tx, deps []int64) error {
	visited := make(map[int64]bool)
	var walk func(id int64) error
	walk = func(id int64) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		rows, err := tx.Query(`SELECT depends_on FROM task_dependencies WHERE task_id = ?`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		var children []int64
		for rows.Next() {
			var d int64
			if err := rows.Scan(&d); err != nil {
				return err
			}
			children = append(children, d)
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, d := range deps {
		if err := walk(d); err != nil {
			return fmt.Errorf("walking dependency graph: %w", err)
		}
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Claim atomically finds the highest-priority ready task (ties broken by
// lowest id) and assigns it to workerID in a single statement, so two
// concurrent callers can never claim the same row (§4.1, §8 At-most-one-
// owner). Returns ErrNoTask if nothing is ready.
func (s *Store) Claim(workerID string) (*types.Task, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	var id int64
	err = tx.QueryRow(`
		UPDATE tasks
		SET status = 'claimed', worker_id = ?, claimed_at = ?
		WHERE id = (
			SELECT t.id FROM tasks t
			WHERE t.status = 'pending'
			  AND NOT EXISTS (
			      SELECT 1 FROM task_dependencies td
			      JOIN tasks dt ON dt.id = td.depends_on
			      WHERE td.task_id = t.id AND dt.status != 'completed'
			  )
			ORDER BY t.priority DESC, t.id ASC
			LIMIT 1
		)
		RETURNING id
	`, workerID, now).Scan(&id)

	if err == sql.ErrNoRows {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claiming: %w", err)
	}

	task, err := getTaskTx(tx, id)
	if err != nil {
		return nil, fmt.Errorf("loading claimed task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return task, nil
}

// Start transitions a claimed task to in_progress, verifying ownership.
func (s *Store) Start(taskID int64, workerID string) error {
	now := time.Now().Unix()
	res, err := s.DB.Exec(`
		UPDATE tasks SET status = 'in_progress', started_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'claimed'
	`, now, taskID, workerID)
	if err != nil {
		return fmt.Errorf("starting task %d: %w", taskID, err)
	}
	return requireOneRow(res, taskID)
}

// Heartbeat updates a worker row's last_heartbeat timestamp.
func (s *Store) Heartbeat(workerID string) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`UPDATE workers SET last_heartbeat = ? WHERE worker_id = ?`, now, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// Complete transitions an in_progress task to completed and records its
// result. Readiness of dependent tasks is computed on read (Claim), not
// stored, so no further bookkeeping is required here.
func (s *Store) Complete(taskID int64, workerID string, result *types.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	now := time.Now().Unix()
	res, err := s.DB.Exec(`
		UPDATE tasks
		SET status = 'completed', worker_id = NULL, completed_at = ?, result = ?, error = NULL
		WHERE id = ? AND worker_id = ? AND status = 'in_progress'
	`, now, string(data), taskID, workerID)
	if err != nil {
		return fmt.Errorf("completing task %d: %w", taskID, err)
	}
	return requireOneRow(res, taskID)
}

// Fail transitions an in_progress task to failed, recording the error text
// and a tagged Result{Success: false} so callers reading Task.Result (e.g.
// SynthesizeResults) see the failure reason without having to fall back to
// the separate error column.
func (s *Store) Fail(taskID int64, workerID string, errText string) error {
	data, err := json.Marshal(&types.Result{Success: false, Message: errText})
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	now := time.Now().Unix()
	res, err := s.DB.Exec(`
		UPDATE tasks
		SET status = 'failed', worker_id = NULL, completed_at = ?, error = ?, result = ?
		WHERE id = ? AND worker_id = ? AND status = 'in_progress'
	`, now, errText, string(data), taskID, workerID)
	if err != nil {
		return fmt.Errorf("failing task %d: %w", taskID, err)
	}
	return requireOneRow(res, taskID)
}

// Reset moves a failed task back to pending, clearing owner, timestamps,
// and error (§9: the spec mandates clearing rather than preserving
// claimed_at/started_at as history, to keep the state machine simple).
func (s *Store) Reset(taskID int64) error {
	res, err := s.DB.Exec(`
		UPDATE tasks
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
		    started_at = NULL, completed_at = NULL, error = NULL, result = NULL
		WHERE id = ? AND status = 'failed'
	`, taskID)
	if err != nil {
		return fmt.Errorf("resetting task %d: %w", taskID, err)
	}
	return requireOneRow(res, taskID)
}

// SweepStale resets every claimed/in_progress task whose owning worker's
// last heartbeat is older than threshold, so a crashed worker's tasks
// become claimable again (§4.1, §8 Heartbeat-liveness).
func (s *Store) SweepStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	res, err := s.DB.Exec(`
		UPDATE tasks
		SET status = 'pending', worker_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE status IN ('claimed', 'in_progress')
		  AND worker_id IN (
		      SELECT worker_id FROM workers WHERE last_heartbeat < ?
		  )
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// ListReady returns every currently-ready task, priority/FIFO ordered.
func (s *Store) ListReady() ([]*types.Task, error) {
	rows, err := s.DB.Query(`
		SELECT t.id FROM tasks t
		WHERE t.status = 'pending'
		  AND NOT EXISTS (
		      SELECT 1 FROM task_dependencies td
		      JOIN tasks dt ON dt.id = td.depends_on
		      WHERE td.task_id = t.id AND dt.status != 'completed'
		  )
		ORDER BY t.priority DESC, t.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing ready tasks: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListByStatus returns all tasks in the given status, oldest first.
func (s *Store) ListByStatus(status types.TaskStatus) ([]*types.Task, error) {
	rows, err := s.DB.Query(`SELECT id FROM tasks WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing tasks by status: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListByJob returns every task belonging to jobID.
func (s *Store) ListByJob(jobID string) ([]*types.Task, error) {
	rows, err := s.DB.Query(`SELECT id FROM tasks WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Stats returns overall queue depth by status.
func (s *Store) Stats() (*Stats, error) {
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch types.TaskStatus(status) {
		case types.TaskStatusPending:
			stats.Pending = count
		case types.TaskStatusClaimed:
			stats.Claimed = count
		case types.TaskStatusInProgress:
			stats.InProgress = count
		case types.TaskStatusCompleted:
			stats.Completed = count
		case types.TaskStatusFailed:
			stats.Failed = count
		}
	}
	return stats, nil
}

// GetTask retrieves a single task by id.
func (s *Store) GetTask(id int64) (*types.Task, error) {
	return getTaskTx(s.DB, id)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func getTaskTx(q queryer, id int64) (*types.Task, error) {
	var t types.Task
	var workingDir, jobID, metadata, contextFiles, expectedOutputs, hooks sql.NullString
	var workerID sql.NullString
	var parentTaskID sql.NullInt64
	var claimedAt, startedAt, completedAt sql.NullInt64
	var resultJSON, errText sql.NullString
	var autoVerify int

	err := q.QueryRow(`
		SELECT id, prompt, working_dir, context_files, expected_outputs, metadata,
		       priority, job_id, parent_task_id, verification_hooks, auto_verify,
		       status, worker_id, created_at, claimed_at, started_at, completed_at,
		       result, error
		FROM tasks WHERE id = ?
	`, id).Scan(
		&t.ID, &t.Prompt, &workingDir, &contextFiles, &expectedOutputs, &metadata,
		&t.Priority, &jobID, &parentTaskID, &hooks, &autoVerify,
		&t.Status, &workerID, &t.CreatedAt, &claimedAt, &startedAt, &completedAt,
		&resultJSON, &errText,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", id, err)
	}

	t.WorkingDir = workingDir.String
	t.JobID = jobID.String
	t.AutoVerify = autoVerify != 0
	t.WorkerID = workerID.String
	if parentTaskID.Valid {
		t.ParentTaskID = &parentTaskID.Int64
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Int64
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Int64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Int64
	}
	if metadata.Valid {
		t.Metadata = json.RawMessage(metadata.String)
	}
	if err := unmarshalJSON(contextFiles, &t.ContextFiles); err != nil {
		return nil, fmt.Errorf("unmarshaling context_files: %w", err)
	}
	if err := unmarshalJSON(expectedOutputs, &t.ExpectedOutputs); err != nil {
		return nil, fmt.Errorf("unmarshaling expected_outputs: %w", err)
	}
	if err := unmarshalJSON(hooks, &t.VerificationHooks); err != nil {
		return nil, fmt.Errorf("unmarshaling verification_hooks: %w", err)
	}
	if resultJSON.Valid {
		var result types.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		t.Result = &result
	}
	t.Error = errText.String

	deps, err := loadDependsOn(q, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps

	return &t, nil
}

func loadDependsOn(q queryer, taskID int64) ([]int64, error) {
	rows, err := q.Query(`SELECT depends_on FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading dependencies of %d: %w", taskID, err)
	}
	defer rows.Close()
	var deps []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(id, description string) (*types.Job, error) {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		INSERT INTO jobs (id, description, created_at, status) VALUES (?, ?, ?, 'running')
	`, id, description, now)
	if err != nil {
		return nil, fmt.Errorf("creating job %s: %w", id, err)
	}
	return &types.Job{ID: id, Description: description, CreatedAt: now, Status: types.JobStatusRunning}, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(id string) (*types.Job, error) {
	var j types.Job
	err := s.DB.QueryRow(`SELECT id, description, created_at, status FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.Description, &j.CreatedAt, &j.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return &j, nil
}

// SetJobStatus updates a job's aggregate status.
func (s *Store) SetJobStatus(id string, status types.JobStatus) error {
	res, err := s.DB.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating job %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// JobStats summarizes a job's tasks by status, used by get_job_status.
func (s *Store) JobStats(jobID string) (*types.JobStats, error) {
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying job stats for %s: %w", jobID, err)
	}
	defer rows.Close()

	stats := &types.JobStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch types.TaskStatus(status) {
		case types.TaskStatusPending:
			stats.Pending = count
		case types.TaskStatusClaimed:
			stats.Claimed = count
		case types.TaskStatusInProgress:
			stats.InProgress = count
		case types.TaskStatusCompleted:
			stats.Completed = count
		case types.TaskStatusFailed:
			stats.Failed = count
		}
	}
	if stats.Total > 0 {
		stats.ProgressPct = 100 * float64(stats.Completed) / float64(stats.Total)
	}
	return stats, nil
}

// SetSharedContext upserts a key-value entry, scoped to jobID ("" for
// global). Last write wins (§3 Shared context semantics).
func (s *Store) SetSharedContext(jobID, key, value string) error {
	_, err := s.DB.Exec(`
		INSERT INTO shared_context (job_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (job_id, key) DO UPDATE SET value = excluded.value
	`, jobID, key, value)
	if err != nil {
		return fmt.Errorf("setting shared context %s/%s: %w", jobID, key, err)
	}
	return nil
}

// DeleteSharedContext removes a key, the only way an entry disappears
// (§3: "removed only by explicit delete").
func (s *Store) DeleteSharedContext(jobID, key string) error {
	_, err := s.DB.Exec(`DELETE FROM shared_context WHERE job_id = ? AND key = ?`, jobID, key)
	if err != nil {
		return fmt.Errorf("deleting shared context %s/%s: %w", jobID, key, err)
	}
	return nil
}

// GetSharedContext returns the effective key-value map for jobID: global
// entries (job_id = "") overlaid by job-scoped entries of the same key.
func (s *Store) GetSharedContext(jobID string) (map[string]string, error) {
	result := make(map[string]string)

	globalRows, err := s.DB.Query(`SELECT key, value FROM shared_context WHERE job_id = ''`)
	if err != nil {
		return nil, fmt.Errorf("loading global shared context: %w", err)
	}
	for globalRows.Next() {
		var k, v string
		if err := globalRows.Scan(&k, &v); err != nil {
			globalRows.Close()
			return nil, err
		}
		result[k] = v
	}
	globalRows.Close()

	if jobID == "" {
		return result, nil
	}

	jobRows, err := s.DB.Query(`SELECT key, value FROM shared_context WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job shared context for %s: %w", jobID, err)
	}
	for jobRows.Next() {
		var k, v string
		if err := jobRows.Scan(&k, &v); err != nil {
			jobRows.Close()
			return nil, err
		}
		result[k] = v
	}
	jobRows.Close()

	return result, nil
}

// RegisterWorker upserts a worker's liveness row, called once at worker
// startup; later status changes go through SetWorkerStatus and liveness
// through Heartbeat.
func (s *Store) RegisterWorker(workerID string, pid int) error {
	now := time.Now().Unix()
	_, err := s.DB.Exec(`
		INSERT INTO workers (worker_id, pid, started_at, last_heartbeat, status)
		VALUES (?, ?, ?, ?, 'idle')
		ON CONFLICT (worker_id) DO UPDATE SET pid = excluded.pid, last_heartbeat = excluded.last_heartbeat
	`, workerID, pid, now, now)
	if err != nil {
		return fmt.Errorf("registering worker %s: %w", workerID, err)
	}
	return nil
}

// SetWorkerStatus updates a worker's status and current task pointer.
func (s *Store) SetWorkerStatus(workerID string, status types.WorkerStatus, currentTaskID *int64) error {
	_, err := s.DB.Exec(`
		UPDATE workers SET status = ?, current_task_id = ? WHERE worker_id = ?
	`, status, currentTaskID, workerID)
	if err != nil {
		return fmt.Errorf("updating worker %s status: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns every known worker row.
func (s *Store) ListWorkers() ([]*types.Worker, error) {
	rows, err := s.DB.Query(`
		SELECT worker_id, pid, started_at, last_heartbeat, current_task_id, status FROM workers
	`)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var workers []*types.Worker
	for rows.Next() {
		var w types.Worker
		var currentTaskID sql.NullInt64
		if err := rows.Scan(&w.WorkerID, &w.PID, &w.StartedAt, &w.LastHeartbeat, &currentTaskID, &w.Status); err != nil {
			return nil, err
		}
		if currentTaskID.Valid {
			w.CurrentTaskID = &currentTaskID.Int64
		}
		workers = append(workers, &w)
	}
	return workers, nil
}

func requireOneRow(res sql.Result, taskID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows for task %d: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %d", ErrWrongState, taskID)
	}
	return nil
}
