package engine

import (
	"context"
	"testing"
	"time"

	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	"github.com/oklog/ulid/v2"
)

func TestSweep(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	markProcessing := func(version *database.DocumentVersion) {
		t.Helper()
		if _, err := env.db.UpsertStatus(ctx, version.ID, database.StatusPatch{Progress: database.Ptr(40)}); err != nil {
			t.Fatalf("UpsertStatus failed: %v", err)
		}
	}

	abandoned := env.seedVersion(t)
	markProcessing(abandoned)
	live := env.seedVersion(t)
	markProcessing(live)
	queued := env.seedVersion(t)
	delegated := env.seedVersion(t)
	if _, err := env.db.ScheduleStatus(ctx, delegated.ID, config.ExecutionDelegated, ""); err != nil {
		t.Fatalf("ScheduleStatus failed: %v", err)
	}
	markProcessing(delegated)

	// a negative age puts the cutoff in the future so every PROCESSING record is stale
	sweeper := &Sweeper{
		DB:         env.db,
		StaleAfter: -time.Minute,
		Running:    func(versionID ulid.ULID) bool { return versionID == live.ID },
	}
	swept, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("Expected 1 swept status, got %d", swept)
	}

	expect := map[ulid.ULID]database.ProcessingState{
		abandoned.ID: database.StateFailed,
		live.ID:      database.StateProcessing,
		queued.ID:    database.StateQueued,
		delegated.ID: database.StateProcessing,
	}
	for id, want := range expect {
		status, err := env.db.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if status.State != want {
			t.Errorf("Version %s is %s, want %s", id, status.State, want)
		}
	}
	status, _ := env.db.GetStatus(ctx, abandoned.ID)
	if status.Progress != 0 || status.Error == nil {
		t.Errorf("Swept status should carry an error at 0%%, got %d %v", status.Progress, status.Error)
	}
}

func TestInitializeSchedules(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	version := env.seedVersion(t)
	if _, err := env.db.UpsertStatus(ctx, version.ID, database.StatusPatch{Progress: database.Ptr(10)}); err != nil {
		t.Fatalf("UpsertStatus failed: %v", err)
	}

	c, err := InitializeSchedules(ctx, &Sweeper{DB: env.db, StaleAfter: -time.Minute}, time.Hour)
	if err != nil {
		t.Fatalf("InitializeSchedules failed: %v", err)
	}
	defer c.Stop()
	if len(c.Entries()) != 1 {
		t.Errorf("Expected one scheduled sweep, got %d", len(c.Entries()))
	}

	// the startup sweep runs in the background
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, _ := env.db.GetStatus(ctx, version.ID)
		if status.State == database.StateFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Startup sweep did not fail the stale status")
}
