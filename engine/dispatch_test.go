package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/queue"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*queue.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewWithRedis(rdb, config.QueueConfig{
		QueueNamespace:  "test",
		TeamConcurrency: 2,
		IdempotencyTTL:  time.Hour,
		AccessTokenTTL:  time.Minute,
	}), mr
}

func submissionFor(version *database.DocumentVersion) Submission {
	return Submission{
		TeamID:      version.TeamID,
		DocumentID:  version.DocumentID,
		VersionID:   version.ID,
		Type:        version.Type,
		ContentType: version.ContentType,
	}
}

func TestPlanJobs(t *testing.T) {
	tests := []struct {
		docType     string
		contentType string
		want        []string
	}{
		{"pdf", "application/pdf", []string{KindPDFToImage}},
		{"slides", "application/vnd.apple.keynote", []string{KindConvertKeynote, KindPDFToImage}},
		{"slides", "application/vnd.openxmlformats-officedocument.presentationml.presentation", []string{KindConvertFiles, KindPDFToImage}},
		{"docs", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", []string{KindConvertFiles, KindPDFToImage}},
		{"cad", "image/vnd.dwg", []string{KindConvertCAD, KindPDFToImage}},
		{"video", "video/quicktime", []string{KindOptimizeVideo}},
		{"video", "video/mp4", nil},
		{"sheet", "text/csv", nil},
		{"image", "image/png", nil},
		{"zip", "application/zip", nil},
	}

	for _, tt := range tests {
		t.Run(tt.docType+" "+tt.contentType, func(t *testing.T) {
			got := PlanJobs(tt.docType, tt.contentType)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("PlanJobs(%q, %q) = %v, want %v", tt.docType, tt.contentType, got, tt.want)
			}
		})
	}
}

func TestPaginated(t *testing.T) {
	if !Paginated("pdf", false) {
		t.Error("pdf should be paginated")
	}
	if Paginated("pdf", true) {
		t.Error("download only pdf should not be paginated")
	}
	if Paginated("docs", false) {
		t.Error("docs need conversion before pagination")
	}
}

func TestLocalExecutorCompletes(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	ctx := context.Background()

	executor := NewLocalExecutor(ctx, env.db, env.engine, 2)
	handle, err := executor.Submit(ctx, submissionFor(version))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if handle.Mode != config.ExecutionLocal || handle.State != database.StateQueued {
		t.Errorf("Unexpected handle %+v", handle)
	}
	executor.Wait()

	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateCompleted || status.Progress != 100 {
		t.Errorf("Expected COMPLETED/100, got %s/%d", status.State, status.Progress)
	}
	if status.Mode != config.ExecutionLocal {
		t.Errorf("Expected local mode on the record, got %s", status.Mode)
	}
	if executor.Running(version.ID) {
		t.Error("Finished version still reported as running")
	}
}

func TestLocalExecutorSkipsUnpaginatedTypes(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	ctx := context.Background()

	executor := NewLocalExecutor(ctx, env.db, env.engine, 1)
	sub := submissionFor(version)
	sub.Type = "sheet"
	handle, err := executor.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if handle.State != database.StateCompleted {
		t.Errorf("Expected an immediately completed handle, got %s", handle.State)
	}
	executor.Wait()
	if env.rasterizer.renders.Load() != 0 {
		t.Errorf("Unpaginated type rendered %d pages", env.rasterizer.renders.Load())
	}
}

func TestLocalExecutorRecordsPanic(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	ctx := context.Background()
	env.rasterizer.panics = true

	executor := NewLocalExecutor(ctx, env.db, env.engine, 1)
	if _, err := executor.Submit(ctx, submissionFor(version)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	executor.Wait()

	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateFailed {
		t.Fatalf("Expected FAILED after a panic, got %s", status.State)
	}
	if status.Error == nil || !strings.Contains(*status.Error, "native renderer crashed") {
		t.Errorf("Expected the panic value in the error, got %v", status.Error)
	}
}

func TestLocalExecutorCancel(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	executor := NewLocalExecutor(ctx, env.db, env.engine, 1)

	if err := executor.Cancel(ulid.Make()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestLocalExecutorReservesBeforeScheduling(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	ctx := context.Background()
	executor := NewLocalExecutor(ctx, env.db, env.engine, 1)

	if _, err := env.db.UpsertStatus(ctx, version.ID, database.StatusPatch{Progress: database.Ptr(40)}); err != nil {
		t.Fatalf("UpsertStatus failed: %v", err)
	}
	// another submission holds the version between its check and its start
	reservation, err := executor.pool.Reserve(version.ID)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := executor.Submit(ctx, submissionFor(version)); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateProcessing || status.Progress != 40 {
		t.Errorf("Rejected submission reset the run to %s/%d", status.State, status.Progress)
	}

	reservation.Release()
	if executor.Running(version.ID) {
		t.Error("Released version still reported as running")
	}
	if _, err := executor.Submit(ctx, submissionFor(version)); err != nil {
		t.Fatalf("Submit after release failed: %v", err)
	}
	executor.Wait()
	status, _ = env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateCompleted {
		t.Errorf("Expected COMPLETED, got %s", status.State)
	}
}

func TestWorkerPool(t *testing.T) {
	var (
		mu       sync.Mutex
		failures = map[ulid.ULID]error{}
	)
	pool := NewWorkerPool(context.Background(), 1, func(versionID ulid.ULID, err error) {
		mu.Lock()
		failures[versionID] = err
		mu.Unlock()
	})

	release := make(chan struct{})
	started := make(chan struct{})
	first, second := ulid.Make(), ulid.Make()

	if err := pool.Go(first, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Go failed: %v", err)
	}
	<-started

	if err := pool.Go(first, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	// second waits for the only slot and is cancelled before it starts
	ran := false
	if err := pool.Go(second, func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Go failed: %v", err)
	}
	if !pool.Cancel(second) {
		t.Error("Cancel should find the waiting task")
	}
	close(release)
	pool.Wait()

	if ran {
		t.Error("Cancelled task should not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if err := failures[second]; !errors.Is(err, ErrCancelled) {
		t.Errorf("Expected ErrCancelled for the waiting task, got %v", err)
	}
	if _, ok := failures[first]; ok {
		t.Error("Completed task should not be reported as failed")
	}
	if pool.Running(first) || pool.Running(second) {
		t.Error("Pool still tracks finished tasks")
	}
}

func TestDelegatedExecutorSubmit(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	client, _ := newTestQueue(t)
	ctx := context.Background()

	executor := NewDelegatedExecutor(env.db, client, nil)
	sub := submissionFor(version)
	sub.Type = "docs"
	sub.ContentType = "application/msword"

	handle, err := executor.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if handle.Mode != config.ExecutionDelegated || len(handle.Jobs) != 1 {
		t.Fatalf("Unexpected handle %+v", handle)
	}

	job, err := client.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("Claim failed: %v %v", job, err)
	}
	if job.ID != handle.Jobs[0].ID || job.Task.Kind != KindConvertFiles {
		t.Errorf("Claimed %s/%s, want %s/%s", job.ID, job.Task.Kind, handle.Jobs[0].ID, KindConvertFiles)
	}
	wantKey := "team-1-" + version.ID.String() + "-" + KindConvertFiles + "-1"
	if job.Task.IdempotencyKey != wantKey {
		t.Errorf("Idempotency key = %q, want %q", job.Task.IdempotencyKey, wantKey)
	}
	if job.Task.ConcurrencyKey != "team-1" || job.Task.Scope != VersionScope(version.ID) {
		t.Errorf("Unexpected routing %q %q", job.Task.ConcurrencyKey, job.Task.Scope)
	}
	wantTags := []string{"team_team-1", "document_" + version.DocumentID.String(), "version:" + version.ID.String()}
	if strings.Join(job.Task.Tags, " ") != strings.Join(wantTags, " ") {
		t.Errorf("Tags = %v, want %v", job.Task.Tags, wantTags)
	}
	if len(job.Task.Next) != 1 || job.Task.Next[0].Kind != KindPDFToImage {
		t.Fatalf("Expected pdf-to-image chained, got %+v", job.Task.Next)
	}
	if want := "team-1-" + version.ID.String() + "-" + KindPDFToImage + "-1"; job.Task.Next[0].IdempotencyKey != want {
		t.Errorf("Chained key = %q, want %q", job.Task.Next[0].IdempotencyKey, want)
	}

	var payload JobPayload
	if err := json.Unmarshal(job.Task.Payload, &payload); err != nil {
		t.Fatalf("Payload did not decode: %v", err)
	}
	if payload.VersionID != version.ID.String() || payload.TeamID != "team-1" {
		t.Errorf("Unexpected payload %+v", payload)
	}

	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateQueued || status.Mode != config.ExecutionDelegated {
		t.Errorf("Expected delegated QUEUED, got %s/%s", status.Mode, status.State)
	}

	// the run is live on the queue, a second submission must not reset it
	if _, err := executor.Submit(ctx, sub); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning for an in-flight version, got %v", err)
	}
	if status, _ := env.db.GetStatus(ctx, version.ID); status.Attempt != 1 {
		t.Errorf("Rejected submission rescheduled the version, attempt %d", status.Attempt)
	}
}

func TestDelegatedRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	client, _ := newTestQueue(t)
	ctx := context.Background()

	executor := NewDelegatedExecutor(env.db, client, nil)
	ingestor := &Ingestor{DB: env.db, Blobs: env.blobs, Executor: executor}
	jobs := &JobHandlers{DB: env.db, Blobs: env.blobs, Engine: env.engine, Queue: client}
	worker := queue.NewWorker(client, jobs.Handlers(), 1, time.Millisecond)

	first, err := executor.Submit(ctx, submissionFor(version))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	env.rasterizer.openErr = errors.New("no objects found")
	if processed, err := worker.RunOnce(ctx); !processed || err != nil {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}
	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateFailed {
		t.Fatalf("Expected FAILED after the broken source, got %s", status.State)
	}

	env.rasterizer.openErr = nil
	retry, err := ingestor.Resubmit(ctx, version)
	if err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	if len(retry.Jobs) != 1 || retry.Jobs[0].Duplicate || retry.Jobs[0].ID == first.Jobs[0].ID {
		t.Fatalf("Retry should enqueue a new job, got %+v", retry.Jobs)
	}
	status, _ = env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateQueued || status.Attempt != 2 {
		t.Errorf("Expected QUEUED on attempt 2, got %s on %d", status.State, status.Attempt)
	}
	latest, _ := client.LatestStatus(ctx, VersionScope(version.ID))
	if latest == nil || latest.State != queue.StateQueued {
		t.Errorf("Queue snapshot should be back to QUEUED, got %+v", latest)
	}

	job, err := client.GetJob(ctx, retry.Jobs[0].ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.State != queue.StateQueued || !strings.HasSuffix(job.Task.IdempotencyKey, "-"+KindPDFToImage+"-2") {
		t.Errorf("Unexpected retry job %s with key %q", job.State, job.Task.IdempotencyKey)
	}

	if processed, err := worker.RunOnce(ctx); !processed || err != nil {
		t.Fatalf("Retry was not claimable: %v, %v", processed, err)
	}
	status, _ = env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateCompleted || status.Progress != 100 {
		t.Errorf("Expected COMPLETED/100 after the retry, got %s/%d", status.State, status.Progress)
	}
	if latest, _ := client.LatestStatus(ctx, VersionScope(version.ID)); latest == nil || latest.State != queue.StateCompleted {
		t.Errorf("Expected COMPLETED on the channel, got %+v", latest)
	}
}

func TestDelegatedRetryAfterLostWorker(t *testing.T) {
	env := newTestEnv(t, 1)
	version := env.seedVersion(t)
	client, _ := newTestQueue(t)
	ctx := context.Background()
	executor := NewDelegatedExecutor(env.db, client, nil)

	if _, err := executor.Submit(ctx, submissionFor(version)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := env.db.UpsertStatus(ctx, version.ID, database.StatusPatch{Progress: database.Ptr(40)}); err != nil {
		t.Fatalf("UpsertStatus failed: %v", err)
	}
	// the store still says PROCESSING but the queue knows the run is over
	if err := client.Report(ctx, VersionScope(version.ID), queue.RunStatus{State: queue.StateSystemFailure}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	handle, err := executor.Submit(ctx, submissionFor(version))
	if err != nil {
		t.Fatalf("Retry of a lost run failed: %v", err)
	}
	if len(handle.Jobs) != 1 || handle.Jobs[0].Duplicate {
		t.Errorf("Expected a fresh job, got %+v", handle.Jobs)
	}
}

func TestDelegatedExecutorNothingToDo(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	client, _ := newTestQueue(t)
	ctx := context.Background()

	executor := NewDelegatedExecutor(env.db, client, nil)
	sub := submissionFor(version)
	sub.DownloadOnly = true

	handle, err := executor.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if handle.State != database.StateCompleted || len(handle.Jobs) != 0 {
		t.Errorf("Expected a completed handle with no jobs, got %+v", handle)
	}
	if job, _ := client.Claim(ctx); job != nil {
		t.Errorf("Nothing should be enqueued, got %s", job.Task.Kind)
	}
}

func TestDelegatedExecutorEnqueueFailure(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	client, mr := newTestQueue(t)
	ctx := context.Background()

	executor := NewDelegatedExecutor(env.db, client, nil)
	mr.SetError("LOADING redis is loading the dataset")
	_, err := executor.Submit(ctx, submissionFor(version))
	mr.SetError("")
	if err == nil {
		t.Fatal("Expected the enqueue error to be returned")
	}

	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateFailed || status.Progress != 0 {
		t.Errorf("Expected FAILED/0, got %s/%d", status.State, status.Progress)
	}
	if status.Error == nil || !strings.Contains(*status.Error, KindPDFToImage) {
		t.Errorf("Expected the failed stage in the error, got %v", status.Error)
	}
}

func TestNewSelector(t *testing.T) {
	env := newTestEnv(t, 1)
	client, _ := newTestQueue(t)
	local := NewLocalExecutor(context.Background(), env.db, env.engine, 1)
	delegated := NewDelegatedExecutor(env.db, client, nil)

	selected, err := NewSelector(config.ExecutionLocal, local, delegated)
	if err != nil || selected.Mode() != config.ExecutionLocal {
		t.Errorf("Expected local executor, got %v %v", selected, err)
	}
	selected, err = NewSelector(config.ExecutionDelegated, local, delegated)
	if err != nil || selected.Mode() != config.ExecutionDelegated {
		t.Errorf("Expected delegated executor, got %v %v", selected, err)
	}
	if _, err := NewSelector(config.ExecutionDelegated, local, nil); err == nil {
		t.Error("Delegated mode without a queue should fail")
	}
	if _, err := NewSelector("sideways", local, delegated); err == nil {
		t.Error("Unknown mode should fail")
	}
}
