package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// jobSelectFields lists the fields to select from job_queue, aliasing job_id to id for struct mapping.
const jobSelectFields = "job_id AS id, queue, payload, status, unique_id, run_at, repeat_every, created_at, started_at, completed_at, error, attempts, max_attempts, duration_ms"

// JobQueueStore implements interfaces.JobQueueStore using SurrealDB.
// Jobs gain three semantics beyond a plain FIFO: a run_at instant for
// delayed work, a unique_id that collapses concurrent enqueues into one
// scheduled job, and a repeat_every interval the watcher re-enqueues on
// completion.
type JobQueueStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobQueueStore creates a new JobQueueStore.
func NewJobQueueStore(db *surrealdb.DB, logger *common.Logger) *JobQueueStore {
	return &JobQueueStore{db: db, logger: logger}
}

func (s *JobQueueStore) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()[:8]
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.RunAt.IsZero() {
		job.RunAt = job.CreatedAt
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}

	content := map[string]any{
		"job_id":       job.ID,
		"queue":        job.Queue,
		"payload":      string(job.Payload),
		"status":       job.Status,
		"unique_id":    job.UniqueID,
		"run_at":       job.RunAt,
		"repeat_every": job.RepeatEvery,
		"created_at":   job.CreatedAt,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
		"error":        job.Error,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"duration_ms":  job.DurationMS,
	}

	if job.UniqueID == "" {
		sql := "UPSERT $rid CONTENT $job"
		vars := map[string]any{
			"rid": surrealmodels.NewRecordID("job_queue", job.ID),
			"job": content,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		return nil
	}

	// Singleton enqueue: a live job with the same unique_id makes this a
	// no-op. The check and insert run in one transaction. The job's own
	// row is excluded so a claimed job can re-enqueue itself for retry:
	// without that, the still-running row matches the guard, the UPSERT
	// is skipped, and the row is stranded in running forever.
	sql := `BEGIN TRANSACTION;
LET $existing = (SELECT job_id FROM job_queue WHERE unique_id = $uid AND status IN [$pending, $running] AND job_id != $self);
IF array::len($existing) == 0 {
  UPSERT $rid CONTENT $job;
};
COMMIT TRANSACTION;`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("job_queue", job.ID),
		"job":     content,
		"uid":     job.UniqueID,
		"self":    job.ID,
		"pending": models.JobStatusPending,
		"running": models.JobStatusRunning,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to enqueue singleton job: %w", err)
	}
	return nil
}

// jobRow carries payload as a string for struct mapping.
type jobRow struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Payload     string    `json:"payload"`
	Status      string    `json:"status"`
	UniqueID    string    `json:"unique_id"`
	RunAt       time.Time `json:"run_at"`
	RepeatEvery int64     `json:"repeat_every"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	DurationMS  int64     `json:"duration_ms"`
}

func (r *jobRow) toModel() *models.Job {
	return &models.Job{
		ID:          r.ID,
		Queue:       r.Queue,
		Payload:     []byte(r.Payload),
		Status:      r.Status,
		UniqueID:    r.UniqueID,
		RunAt:       r.RunAt,
		RepeatEvery: r.RepeatEvery,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		DurationMS:  r.DurationMS,
	}
}

func (s *JobQueueStore) Dequeue(ctx context.Context) (*models.Job, error) {
	// Two-step dequeue: SELECT the oldest due pending job, then claim it
	// with a conditional UPDATE so two workers cannot both take it.
	selectSQL := "SELECT " + jobSelectFields + " FROM job_queue WHERE status = $pending AND run_at <= time::now() ORDER BY created_at ASC LIMIT 1"
	vars := map[string]any{"pending": models.JobStatusPending}

	candidates, err := surrealdb.Query[[]jobRow](ctx, s.db, selectSQL, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate job: %w", err)
	}

	if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
		return nil, nil
	}

	candidate := (*candidates)[0].Result[0]

	now := time.Now()
	updateSQL := `UPDATE job_queue SET status = $running, started_at = $now, attempts = attempts + 1 WHERE job_id = $job_id AND status = $pending RETURN AFTER`
	updateVars := map[string]any{
		"job_id":  candidate.ID,
		"running": models.JobStatusRunning,
		"pending": models.JobStatusPending,
		"now":     now,
	}

	claimed, err := surrealdb.Query[[]jobRow](ctx, s.db, updateSQL, updateVars)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if claimed == nil || len(*claimed) == 0 || len((*claimed)[0].Result) == 0 {
		// Another worker claimed it between the two steps.
		return nil, nil
	}

	candidate.Status = models.JobStatusRunning
	candidate.StartedAt = now
	candidate.Attempts++
	return candidate.toModel(), nil
}

func (s *JobQueueStore) Complete(ctx context.Context, id string, jobErr error, durationMS int64) error {
	now := time.Now()
	status := models.JobStatusCompleted
	errStr := ""
	if jobErr != nil {
		status = models.JobStatusFailed
		errStr = jobErr.Error()
	}

	sql := "UPDATE job_queue SET status = $status, completed_at = $now, error = $error, duration_ms = $dur WHERE job_id = $job_id"
	vars := map[string]any{
		"job_id": id,
		"status": status,
		"now":    now,
		"error":  errStr,
		"dur":    durationMS,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (s *JobQueueStore) Cancel(ctx context.Context, id string) error {
	sql := "UPDATE job_queue SET status = $cancelled WHERE job_id = $job_id AND status = $pending"
	vars := map[string]any{
		"job_id":    id,
		"cancelled": models.JobStatusCancelled,
		"pending":   models.JobStatusPending,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil
}

func (s *JobQueueStore) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE status = $pending ORDER BY run_at ASC LIMIT $limit"
	vars := map[string]any{"pending": models.JobStatusPending, "limit": limit}

	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, (*results)[0].Result[i].toModel())
		}
	}
	return jobs, nil
}

func (s *JobQueueStore) CountPending(ctx context.Context) (int, error) {
	sql := "SELECT count() AS cnt FROM job_queue WHERE status = $pending GROUP ALL"
	vars := map[string]any{"pending": models.JobStatusPending}

	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending: %w", err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

func (s *JobQueueStore) HasPendingJob(ctx context.Context, uniqueID string) (bool, error) {
	sql := "SELECT count() AS cnt FROM job_queue WHERE unique_id = $uid AND status IN [$pending, $running] GROUP ALL"
	vars := map[string]any{
		"uid":     uniqueID,
		"pending": models.JobStatusPending,
		"running": models.JobStatusRunning,
	}

	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to check pending job: %w", err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt > 0, nil
	}
	return false, nil
}

func (s *JobQueueStore) PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	sql := "DELETE FROM job_queue WHERE status IN [$completed, $failed, $cancelled] AND completed_at < $cutoff"
	vars := map[string]any{
		"completed": models.JobStatusCompleted,
		"failed":    models.JobStatusFailed,
		"cancelled": models.JobStatusCancelled,
		"cutoff":    olderThan,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to purge completed jobs: %w", err)
	}
	// SurrealDB DELETE doesn't return count easily, return 0
	return 0, nil
}

// ResetRunningJobs resets all jobs with status "running" back to "pending".
// Called on startup to recover jobs that were in-flight when the process crashed.
func (s *JobQueueStore) ResetRunningJobs(ctx context.Context) (int, error) {
	sql := `UPDATE job_queue SET status = $pending, started_at = NONE WHERE status = $running`
	_, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{
		"pending": models.JobStatusPending,
		"running": models.JobStatusRunning,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.JobQueueStore = (*JobQueueStore)(nil)
