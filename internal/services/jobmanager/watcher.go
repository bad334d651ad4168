package jobmanager

import (
	"context"
	"time"

	"github.com/bobmcallan/felt/internal/models"
)

// timeNow is swapped in tests to pin retention cutoffs.
var timeNow = time.Now

// watchLoop keeps the repeatable housekeeping jobs scheduled. The
// singleton id makes every pass a no-op while one is already pending, so
// the loop doubles as recovery when a repeatable chain is lost.
func (jm *JobManager) watchLoop(ctx context.Context) {
	interval := jm.config.GetWatcherInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jm.ensureHousekeeping(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.ensureHousekeeping(ctx)
		}
	}
}

// ensureHousekeeping enqueues the purge schedule if it is not already
// pending or running.
func (jm *JobManager) ensureHousekeeping(ctx context.Context) {
	job := &models.Job{
		Queue:       models.QueuePurgeJobs,
		Payload:     models.MarshalPayload(struct{}{}),
		UniqueID:    "purge-jobs",
		RepeatEvery: jm.config.GetPurgeInterval().Milliseconds(),
		RunAt:       timeNow().Add(jm.config.GetWatcherInterval()),
	}
	if err := jm.storage.JobQueueStore().Enqueue(ctx, job); err != nil {
		jm.logger.Warn().Err(err).Msg("Failed to schedule housekeeping job")
	}
}
