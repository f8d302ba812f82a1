package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/queue"
	"github.com/oklog/ulid/v2"
)

// Job kinds understood by the delegated worker
const (
	KindPDFToImage     = "pdf-to-image"
	KindConvertFiles   = "convert-files"
	KindConvertKeynote = "convert-keynote"
	KindConvertCAD     = "convert-cad"
	KindOptimizeVideo  = "optimize-video"
)

// ErrNotRunning is returned by Cancel when the version has no local run
var ErrNotRunning = errors.New("version has no running local task")

var keynoteContentTypes = map[string]bool{
	"application/vnd.apple.keynote":      true,
	"application/x-iwork-keynote-sffkey": true,
}

// Submission is one version handed to an executor after ingest
type Submission struct {
	TeamID       string
	DocumentID   ulid.ULID
	VersionID    ulid.ULID
	Type         string
	ContentType  string
	DownloadOnly bool
}

// ExecutionHandle describes what an executor did with a submission
type ExecutionHandle struct {
	Mode      config.ExecutionMode `json:"mode"`
	VersionID ulid.ULID            `json:"versionId"`
	// Jobs holds the queue handle of the first delegated stage, empty in local mode
	Jobs  []queue.Handle           `json:"jobs,omitempty"`
	State database.ProcessingState `json:"status"`
}

// Executor drives a version from QUEUED to a terminal state
type Executor interface {
	Mode() config.ExecutionMode
	Submit(ctx context.Context, sub Submission) (*ExecutionHandle, error)
}

// JobPayload is the body every delegated job carries
type JobPayload struct {
	DocumentID string `json:"documentId"`
	VersionID  string `json:"documentVersionId"`
	TeamID     string `json:"teamId"`
}

// Paginated reports whether the engine can open the type directly
func Paginated(docType string, downloadOnly bool) bool {
	return docType == "pdf" && !downloadOnly
}

// PlanJobs lists the delegated stages for a type in execution order. No stages means the
// version needs no processing.
func PlanJobs(docType, contentType string) []string {
	switch {
	case docType == "pdf":
		return []string{KindPDFToImage}
	case docType == "slides" && keynoteContentTypes[contentType]:
		return []string{KindConvertKeynote, KindPDFToImage}
	case docType == "docs" || docType == "slides":
		return []string{KindConvertFiles, KindPDFToImage}
	case docType == "cad":
		return []string{KindConvertCAD, KindPDFToImage}
	case docType == "video" && contentType != "video/mp4" && strings.HasPrefix(contentType, "video/"):
		return []string{KindOptimizeVideo}
	}
	return nil
}

// idempotencyKey makes a resubmission of the same stage within one schedule of a version a
// no-op. Each schedule gets its own attempt so a retry is enqueued afresh.
func idempotencyKey(sub Submission, kind string, attempt int) string {
	return fmt.Sprintf("%s-%s-%s-%d", sub.TeamID, sub.VersionID, kind, attempt)
}

func jobTags(sub Submission) []string {
	return []string{
		"team_" + sub.TeamID,
		"document_" + sub.DocumentID.String(),
		"version:" + sub.VersionID.String(),
	}
}

// LocalExecutor runs the engine in-process on a worker pool
type LocalExecutor struct {
	db       database.Repository
	engine   *Engine
	pool     *WorkerPool
	messages Messages
}

// NewLocalExecutor builds the executor and its pool. Tasks are cancelled when ctx ends.
func NewLocalExecutor(ctx context.Context, db database.Repository, engine *Engine, concurrency int) *LocalExecutor {
	e := &LocalExecutor{db: db, engine: engine, messages: engine.messages()}
	e.pool = NewWorkerPool(ctx, concurrency, e.markFailed)
	return e
}

func (e *LocalExecutor) Mode() config.ExecutionMode { return config.ExecutionLocal }

// Submit schedules the version and returns before any page is rendered. The pool slot is
// reserved first so a concurrent retry cannot reset a run in flight.
func (e *LocalExecutor) Submit(ctx context.Context, sub Submission) (*ExecutionHandle, error) {
	reservation, err := e.pool.Reserve(sub.VersionID)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	if _, err := e.db.ScheduleStatus(ctx, sub.VersionID, config.ExecutionLocal, e.messages.Scheduled()); err != nil {
		return nil, fmt.Errorf("schedule status: %w", err)
	}
	handle := &ExecutionHandle{Mode: config.ExecutionLocal, VersionID: sub.VersionID, State: database.StateQueued}

	if !Paginated(sub.Type, sub.DownloadOnly) {
		_, err := e.db.UpsertStatus(ctx, sub.VersionID, database.StatusPatch{
			State:    database.Ptr(database.StateCompleted),
			Progress: database.Ptr(100),
			Message:  database.Ptr(e.messages.Processed(0)),
		})
		if err != nil {
			return nil, fmt.Errorf("complete status: %w", err)
		}
		jobsSubmitted.WithLabelValues(string(config.ExecutionLocal), "none").Inc()
		handle.State = database.StateCompleted
		return handle, nil
	}

	versionID := sub.VersionID
	reservation.Start(func(ctx context.Context) error {
		return e.engine.Run(ctx, versionID)
	})
	jobsSubmitted.WithLabelValues(string(config.ExecutionLocal), KindPDFToImage).Inc()
	Logger.Info("Local rasterization scheduled", "versionID", versionID, "teamID", sub.TeamID)
	return handle, nil
}

// Cancel stops a local run before its next page, the version ends FAILED
func (e *LocalExecutor) Cancel(versionID ulid.ULID) error {
	if !e.pool.Cancel(versionID) {
		return ErrNotRunning
	}
	Logger.Info("Cancellation requested", "versionID", versionID)
	return nil
}

// Running reports whether the version has a queued or executing local run
func (e *LocalExecutor) Running(versionID ulid.ULID) bool {
	return e.pool.Running(versionID)
}

// Wait blocks until every scheduled run has finished
func (e *LocalExecutor) Wait() {
	e.pool.Wait()
}

// markFailed is the pool's failure path for runs that never reached the engine's own handling
func (e *LocalExecutor) markFailed(versionID ulid.ULID, err error) {
	message := err.Error()
	if errors.Is(err, ErrCancelled) {
		message = e.messages.Cancelled()
	}
	report(context.Background(), StoreReporter{DB: e.db}, versionID, database.StatusPatch{
		State:    database.Ptr(database.StateFailed),
		Progress: database.Ptr(0),
		Message:  database.Ptr(message),
		Error:    database.Ptr(err.Error()),
	})
}

// TaskSubmitter is the part of the queue client the delegated executor needs
type TaskSubmitter interface {
	Submit(ctx context.Context, task queue.Task) (queue.Handle, error)
	LatestStatus(ctx context.Context, scope string) (*queue.RunStatus, error)
}

// DelegatedExecutor hands versions to the external queue
type DelegatedExecutor struct {
	db       database.Repository
	queue    TaskSubmitter
	messages Messages
}

func NewDelegatedExecutor(db database.Repository, submitter TaskSubmitter, messages Messages) *DelegatedExecutor {
	if messages == nil {
		messages = NewMessages("")
	}
	return &DelegatedExecutor{db: db, queue: submitter, messages: messages}
}

func (e *DelegatedExecutor) Mode() config.ExecutionMode { return config.ExecutionDelegated }

// Submit enqueues the first planned stage with the rest chained behind it. A failed enqueue
// marks the version FAILED and is returned to the caller.
func (e *DelegatedExecutor) Submit(ctx context.Context, sub Submission) (*ExecutionHandle, error) {
	if err := e.checkNotInFlight(ctx, sub.VersionID); err != nil {
		return nil, err
	}
	status, err := e.db.ScheduleStatus(ctx, sub.VersionID, config.ExecutionDelegated, e.messages.Scheduled())
	if err != nil {
		return nil, fmt.Errorf("schedule status: %w", err)
	}
	handle := &ExecutionHandle{Mode: config.ExecutionDelegated, VersionID: sub.VersionID, State: database.StateQueued}

	var kinds []string
	if !sub.DownloadOnly {
		kinds = PlanJobs(sub.Type, sub.ContentType)
	}
	if len(kinds) == 0 {
		_, err := e.db.UpsertStatus(ctx, sub.VersionID, database.StatusPatch{
			State:    database.Ptr(database.StateCompleted),
			Progress: database.Ptr(100),
			Message:  database.Ptr(e.messages.Processed(0)),
		})
		if err != nil {
			return nil, fmt.Errorf("complete status: %w", err)
		}
		handle.State = database.StateCompleted
		return handle, nil
	}

	payload, err := json.Marshal(JobPayload{
		DocumentID: sub.DocumentID.String(),
		VersionID:  sub.VersionID.String(),
		TeamID:     sub.TeamID,
	})
	if err != nil {
		return nil, err
	}

	next := make([]queue.Stage, 0, len(kinds)-1)
	for _, kind := range kinds[1:] {
		next = append(next, queue.Stage{Kind: kind, IdempotencyKey: idempotencyKey(sub, kind, status.Attempt)})
	}

	jobHandle, err := e.queue.Submit(ctx, queue.Task{
		Kind:           kinds[0],
		Payload:        payload,
		IdempotencyKey: idempotencyKey(sub, kinds[0], status.Attempt),
		Tags:           jobTags(sub),
		ConcurrencyKey: sub.TeamID,
		Scope:          VersionScope(sub.VersionID),
		Next:           next,
	})
	if err != nil {
		err = fmt.Errorf("enqueue %s: %w", kinds[0], err)
		Logger.Error("Delegated submission failed", "versionID", sub.VersionID, "error", err)
		report(ctx, StoreReporter{DB: e.db}, sub.VersionID, database.StatusPatch{
			State:    database.Ptr(database.StateFailed),
			Progress: database.Ptr(0),
			Error:    database.Ptr(err.Error()),
		})
		return nil, err
	}

	jobsSubmitted.WithLabelValues(string(config.ExecutionDelegated), kinds[0]).Inc()
	Logger.Info("Delegated job submitted", "versionID", sub.VersionID, "kind", kinds[0], "stages", len(kinds), "jobID", jobHandle.ID, "duplicate", jobHandle.Duplicate)
	handle.Jobs = []queue.Handle{jobHandle}
	return handle, nil
}

// checkNotInFlight refuses a version whose delegated run is still live on the queue. A record
// the store still shows as running is given up once the queue reports the run finished.
func (e *DelegatedExecutor) checkNotInFlight(ctx context.Context, versionID ulid.ULID) error {
	current, err := e.db.GetStatus(ctx, versionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if current.Mode != config.ExecutionDelegated || current.State.Terminal() {
		return nil
	}
	latest, err := e.queue.LatestStatus(ctx, VersionScope(versionID))
	if err != nil {
		return fmt.Errorf("read queue status: %w", err)
	}
	if latest != nil && !latest.Final() {
		return ErrAlreadyRunning
	}
	return nil
}

// NewSelector picks the executor for the deployment's mode, decided once at startup
func NewSelector(mode config.ExecutionMode, local *LocalExecutor, delegated *DelegatedExecutor) (Executor, error) {
	switch mode {
	case config.ExecutionLocal:
		if local == nil {
			return nil, fmt.Errorf("local execution selected without a local executor")
		}
		return local, nil
	case config.ExecutionDelegated:
		if delegated == nil {
			return nil, fmt.Errorf("delegated execution selected without a queue")
		}
		return delegated, nil
	}
	return nil, fmt.Errorf("unknown execution mode %q", mode)
}
