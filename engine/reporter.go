package engine

import (
	"context"
	"errors"
	"time"

	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/queue"
	"github.com/oklog/ulid/v2"
)

// statusWriteTimeout bounds one best effort status write
const statusWriteTimeout = 5 * time.Second

// StatusReporter is where the engine sends status transitions
type StatusReporter interface {
	Report(ctx context.Context, versionID ulid.ULID, patch database.StatusPatch) error
}

// StoreReporter writes straight into the processing status store, used in local mode
type StoreReporter struct {
	DB database.Repository
}

func (r StoreReporter) Report(ctx context.Context, versionID ulid.ULID, patch database.StatusPatch) error {
	_, err := r.DB.UpsertStatus(ctx, versionID, patch)
	return err
}

// TeeReporter writes the status store and mirrors the resulting record onto the queue's
// status channel so delegated observers see it live
type TeeReporter struct {
	DB    database.Repository
	Queue *queue.Client
}

func (r TeeReporter) Report(ctx context.Context, versionID ulid.ULID, patch database.StatusPatch) error {
	status, err := r.DB.UpsertStatus(ctx, versionID, patch)
	if err != nil {
		return err
	}
	return r.Queue.Report(ctx, VersionScope(versionID), runStatusFor(status))
}

// VersionScope is the queue status scope of a version
func VersionScope(versionID ulid.ULID) string {
	return "version:" + versionID.String()
}

// runStatusFor maps a status record onto the queue's run vocabulary
func runStatusFor(status *database.ProcessingStatus) queue.RunStatus {
	run := queue.RunStatus{Progress: status.Progress, UpdatedAt: status.UpdatedAt}
	switch status.State {
	case database.StateQueued:
		run.State = queue.StateQueued
	case database.StateProcessing:
		run.State = queue.StateExecuting
	case database.StateCompleted:
		run.State = queue.StateCompleted
	default:
		run.State = queue.StateFailed
	}
	if status.Message != nil {
		run.Message = *status.Message
	}
	if status.Error != nil {
		run.Error = *status.Error
	}
	return run
}

// report is the engine's best effort write: it runs detached from cancellation so a cancelled
// run can still record why it stopped, and failures are only logged
func report(ctx context.Context, reporter StatusReporter, versionID ulid.ULID, patch database.StatusPatch) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := reporter.Report(writeCtx, versionID, patch); err != nil {
		if errors.Is(err, database.ErrTerminalState) {
			Logger.Debug("Status already terminal, update ignored", "versionID", versionID)
			return
		}
		Logger.Warn("Failed to write processing status", "versionID", versionID, "error", err)
	}
}
