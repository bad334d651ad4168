// Package jobmanager runs the deferred worker pipeline: persistence,
// settlement, archival, next-hand scheduling, and player timeouts,
// consumed from the persistent job queue with at-least-once delivery.
package jobmanager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/models"
)

// JobManager runs the watcher and processor loops. Processor goroutines
// dequeue and execute jobs concurrently; the watcher keeps repeatable
// housekeeping jobs scheduled.
type JobManager struct {
	tables    interfaces.TableService
	financial interfaces.FinancialService
	engines   interfaces.EngineFactory
	storage   interfaces.StorageManager
	logger    *common.Logger
	config    common.WorkersConfig

	limiter *rate.Limiter // optional dequeue rate limit
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJobManager creates a new job manager.
func NewJobManager(
	tables interfaces.TableService,
	financial interfaces.FinancialService,
	engines interfaces.EngineFactory,
	storage interfaces.StorageManager,
	logger *common.Logger,
	config common.WorkersConfig,
) *JobManager {
	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RatePerSecond)
	}
	return &JobManager{
		tables:    tables,
		financial: financial,
		engines:   engines,
		storage:   storage,
		logger:    logger,
		config:    config,
		limiter:   limiter,
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (jm *JobManager) safeGo(name string, fn func()) {
	jm.wg.Add(1)
	go func() {
		defer jm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				jm.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in job manager goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the watcher loop and processor pool.
// Safe to call multiple times — stops any existing loops before starting.
func (jm *JobManager) Start() {
	if jm.cancel != nil {
		jm.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	jm.cancel = cancel

	// Reset orphaned jobs from previous crash
	if count, err := jm.storage.JobQueueStore().ResetRunningJobs(ctx); err != nil {
		jm.logger.Warn().Err(err).Msg("Failed to reset orphaned running jobs")
	} else if count > 0 {
		jm.logger.Info().Int("count", count).Msg("Reset orphaned running jobs to pending")
	}

	// Start watcher loop
	jm.safeGo("watcher", func() { jm.watchLoop(ctx) })

	// Start processor pool
	maxConc := jm.config.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 5
	}
	for i := 0; i < maxConc; i++ {
		name := fmt.Sprintf("processor-%d", i)
		jm.safeGo(name, func() { jm.processLoop(ctx) })
	}

	jm.logger.Info().
		Str("watcher_interval", jm.config.WatcherInterval).
		Int("max_concurrent", maxConc).
		Msg("Job manager started")
}

// Stop cancels all loops and waits for in-flight jobs to finish.
func (jm *JobManager) Stop() {
	if jm.cancel != nil {
		jm.cancel()
		jm.cancel = nil
	}
	jm.wg.Wait()
	jm.logger.Info().Msg("Job manager stopped")
}

// processLoop continuously dequeues and executes jobs.
func (jm *JobManager) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if jm.limiter != nil {
				if err := jm.limiter.Wait(ctx); err != nil {
					return
				}
			}

			job, err := jm.storage.JobQueueStore().Dequeue(ctx)
			if err != nil {
				jm.logger.Warn().Err(err).Msg("Processor: dequeue error")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			if job == nil {
				// Queue empty, sleep briefly
				select {
				case <-ctx.Done():
					return
				case <-time.After(500 * time.Millisecond):
					continue
				}
			}

			start := time.Now()
			execErr := jm.executeJob(ctx, job)
			durationMS := time.Since(start).Milliseconds()

			if execErr != nil {
				jm.logger.Warn().
					Str("job_id", job.ID).
					Str("queue", job.Queue).
					Int64("duration_ms", durationMS).
					Err(execErr).
					Msg("Job failed")

				// Re-queue if under max attempts
				if job.Attempts < job.MaxAttempts {
					jm.logger.Info().
						Str("job_id", job.ID).
						Int("attempt", job.Attempts).
						Int("max", job.MaxAttempts).
						Msg("Re-queuing failed job")

					// The re-enqueue upserts the job's own row back to
					// pending (the singleton guard excludes the job
					// itself), so skipping Complete leaves no row
					// stranded in running.
					job.Status = models.JobStatusPending
					job.Error = ""
					job.RunAt = time.Now().Add(backoff(job.Attempts))
					if err := jm.storage.JobQueueStore().Enqueue(ctx, job); err != nil {
						jm.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to re-enqueue job")
					} else {
						continue // Skip complete() — job is re-queued
					}
				} else {
					// Terminal failure: alert, never auto-compensate.
					jm.logger.Error().
						Str("job_id", job.ID).
						Str("queue", job.Queue).
						Err(execErr).
						Msg("Job failed terminally, operator action required")
				}
			} else {
				jm.logger.Debug().
					Str("job_id", job.ID).
					Str("queue", job.Queue).
					Int64("duration_ms", durationMS).
					Msg("Job completed")
			}

			if err := jm.storage.JobQueueStore().Complete(ctx, job.ID, execErr, durationMS); err != nil {
				jm.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to complete job in queue")
			}

			// Repeatable jobs reschedule themselves after completion.
			if execErr == nil && job.RepeatEvery > 0 {
				next := &models.Job{
					Queue:       job.Queue,
					Payload:     job.Payload,
					UniqueID:    job.UniqueID,
					RepeatEvery: job.RepeatEvery,
					RunAt:       time.Now().Add(time.Duration(job.RepeatEvery) * time.Millisecond),
					MaxAttempts: job.MaxAttempts,
				}
				if err := jm.storage.JobQueueStore().Enqueue(ctx, next); err != nil {
					jm.logger.Warn().Str("queue", job.Queue).Err(err).Msg("Failed to reschedule repeatable job")
				}
			}
		}
	}
}

// backoff grows the retry delay per attempt.
func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
