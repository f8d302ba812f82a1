package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// Sweeper fails local versions whose run died without recording an outcome, for example
// when the process restarted mid-document
type Sweeper struct {
	DB         database.Repository
	StaleAfter time.Duration
	// Running, when set, keeps versions that still have a live local task
	Running func(versionID ulid.ULID) bool
}

// Sweep marks every stale PROCESSING local record FAILED and returns how many it changed
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.DB.ListStaleStatuses(ctx, config.ExecutionLocal, database.StateProcessing, s.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("list stale statuses: %w", err)
	}
	swept := 0
	for _, status := range stale {
		if s.Running != nil && s.Running(status.VersionID) {
			continue
		}
		_, err := s.DB.UpsertStatus(ctx, status.VersionID, database.StatusPatch{
			State:    database.Ptr(database.StateFailed),
			Progress: database.Ptr(0),
			Error:    database.Ptr(fmt.Sprintf("no progress for %s, run abandoned", s.StaleAfter)),
		})
		if err != nil {
			Logger.Warn("Failed to sweep stale status", "versionID", status.VersionID, "error", err)
			continue
		}
		swept++
		Logger.Info("Swept stale processing status", "versionID", status.VersionID, "lastUpdate", status.UpdatedAt)
	}
	return swept, nil
}

// InitializeSchedules starts the sweeper cron job, the returned cron must be stopped on shutdown
func InitializeSchedules(ctx context.Context, sweeper *Sweeper, interval time.Duration) (*cron.Cron, error) {
	// Run the sweep immediately at startup in a goroutine
	Logger.Info("Running stale status sweep at startup")
	go func() {
		if _, err := sweeper.Sweep(ctx); err != nil {
			Logger.Error("Startup sweep failed", "error", err)
		}
	}()

	c := cron.New()
	var sweepJob cron.Job
	sweepJob = cron.FuncJob(func() {
		if _, err := sweeper.Sweep(ctx); err != nil {
			Logger.Error("Stale status sweep failed", "error", err)
		}
	})
	sweepJob = cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(sweepJob) //ensure we don't kick off another if old one is still running
	if _, err := c.AddJob(fmt.Sprintf("@every %s", interval), sweepJob); err != nil {
		return nil, fmt.Errorf("schedule sweeper: %w", err)
	}
	Logger.Info("Adding stale status sweeper", "interval", interval, "staleAfter", sweeper.StaleAfter)
	c.Start()
	return c, nil
}
