package jobmanager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/models"
)

// executeJob dispatches a claimed job to its queue handler. Handlers are
// idempotent or version-guarded; redelivery is safe.
func (jm *JobManager) executeJob(ctx context.Context, job *models.Job) error {
	switch job.Queue {
	case models.QueuePersistSnapshot:
		return jm.persistSnapshot(ctx, job)
	case models.QueueSettleHand:
		return jm.settleHand(ctx, job)
	case models.QueueArchiveHand:
		return jm.archiveHand(ctx, job)
	case models.QueueNextHand:
		return jm.nextHand(ctx, job)
	case models.QueuePlayerTimeout:
		return jm.playerTimeout(ctx, job)
	case models.QueuePurgeJobs:
		return jm.purgeJobs(ctx)
	default:
		return fmt.Errorf("unknown queue %q", job.Queue)
	}
}

// persistSnapshot copies the current hot snapshot through to cold
// storage and refreshes the table's logical status. The hot store stays
// canonical; losing one persist job only extends cold-start recovery.
func (jm *JobManager) persistSnapshot(ctx context.Context, job *models.Job) error {
	var payload models.PersistSnapshotPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad persist payload: %w", err)
	}

	snap, err := jm.storage.StateStore().Load(ctx, payload.TableID)
	if err != nil {
		if common.IsCode(err, common.CodeNotFound) {
			// Table closed or expired between enqueue and execution.
			jm.logger.Debug().Str("table_id", payload.TableID).Msg("No hot snapshot to persist")
			return nil
		}
		return err
	}

	// The hot snapshot may already be ahead of the enqueued version; the
	// store only moves forward, so persisting the newer state is fine.
	if err := jm.storage.TableStore().SaveState(ctx, snap); err != nil {
		return err
	}

	eng, err := jm.engines.Restore(snap.Engine)
	if err != nil {
		return fmt.Errorf("failed to restore engine for %s: %w", payload.TableID, err)
	}

	status := models.TableStatusWaiting
	if st := eng.State(); st.Street != "" && !st.HandComplete() {
		status = models.TableStatusActive
	}
	return jm.storage.TableStore().UpdateStatus(ctx, payload.TableID, status)
}

// settleHand posts the hand's rake and net deltas to the ledger.
func (jm *JobManager) settleHand(ctx context.Context, job *models.Job) error {
	var settlement models.HandSettlement
	if err := json.Unmarshal(job.Payload, &settlement); err != nil {
		return fmt.Errorf("bad settlement payload: %w", err)
	}
	return jm.financial.SettleHand(ctx, settlement)
}

// archiveHand renders the completed snapshot's hand history and stores
// it. The snapshot travels in the payload so archival never races the
// next hand's writes.
func (jm *JobManager) archiveHand(ctx context.Context, job *models.Job) error {
	var payload models.ArchiveHandPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad archive payload: %w", err)
	}

	eng, err := jm.engines.Restore(payload.Snapshot.Engine)
	if err != nil {
		return fmt.Errorf("failed to restore engine for %s: %w", payload.TableID, err)
	}

	history, err := eng.History("json")
	if err != nil {
		return fmt.Errorf("failed to render hand history: %w", err)
	}

	return jm.storage.HandStore().SaveHandHistory(ctx, &models.HandHistory{
		TableID: payload.TableID,
		HandID:  payload.HandID,
		Data:    history,
	})
}

// nextHand re-enters the orchestrator's auto-deal path.
func (jm *JobManager) nextHand(ctx context.Context, job *models.Job) error {
	var payload models.NextHandPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad next-hand payload: %w", err)
	}
	return jm.tables.ProcessNextHand(ctx, payload.TableID)
}

// playerTimeout re-enters the orchestrator's timeout path; the version
// check inside drops stale timers.
func (jm *JobManager) playerTimeout(ctx context.Context, job *models.Job) error {
	var payload models.PlayerTimeoutPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad timeout payload: %w", err)
	}
	return jm.tables.ProcessTimeout(ctx, payload.TableID, payload.PlayerID, payload.ExpectedVersion)
}

// purgeJobs trims completed and failed jobs past the retention window.
func (jm *JobManager) purgeJobs(ctx context.Context) error {
	cutoff := timeNow().Add(-jm.config.GetPurgeOlderThan())
	count, err := jm.storage.JobQueueStore().PurgeCompleted(ctx, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		jm.logger.Info().Int("count", count).Msg("Purged completed jobs")
	}
	return nil
}
