package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// HandlerFunc runs one job, reporting progress through the client if it wants to
type HandlerFunc func(ctx context.Context, job *Job) error

// Worker consumes jobs with a fixed number of goroutines
type Worker struct {
	client       *Client
	handlers     map[string]HandlerFunc
	concurrency  int
	pollInterval time.Duration
}

// NewWorker builds a worker, handlers are keyed by job kind
func NewWorker(client *Client, handlers map[string]HandlerFunc, concurrency int, pollInterval time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{client: client, handlers: handlers, concurrency: concurrency, pollInterval: pollInterval}
}

// Run blocks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	Logger.Info("Queue worker starting", "concurrency", w.concurrency, "kinds", len(w.handlers))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		consumer := i
		g.Go(func() error {
			w.consume(ctx, consumer)
			return nil
		})
	}
	err := g.Wait()
	Logger.Info("Queue worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, consumer int) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			Logger.Error("Failed to claim job", "consumer", consumer, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce claims and processes at most one job, reporting whether one was found
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.client.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}

	state := w.process(ctx, job)
	// release on a fresh context so shutdown does not leak the slot
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.client.Release(releaseCtx, job, state); err != nil {
		Logger.Error("Failed to release job", "jobID", job.ID, "error", err)
	}
	return true, nil
}

// process runs the handler and reports the outcome on the job's scope
func (w *Worker) process(ctx context.Context, job *Job) string {
	logger := Logger.With("jobID", job.ID, "kind", job.Task.Kind, "scope", job.Task.Scope)

	handler, ok := w.handlers[job.Task.Kind]
	if !ok {
		logger.Error("No handler for job kind")
		w.report(ctx, job, RunStatus{State: StateFailed, Error: fmt.Sprintf("no handler registered for %s", job.Task.Kind)})
		return StateFailed
	}

	w.report(ctx, job, RunStatus{State: StateExecuting, Message: job.Task.Kind})
	logger.Info("Job started")

	if err := w.safeHandle(ctx, handler, job); err != nil {
		state := StateFailed
		if ctx.Err() != nil {
			state = StateCanceled
		}
		logger.Error("Job failed", "error", err)
		w.report(ctx, job, RunStatus{State: state, Error: err.Error()})
		return state
	}

	if len(job.Task.Next) > 0 {
		next := job.Task
		next.Kind = job.Task.Next[0].Kind
		next.IdempotencyKey = job.Task.Next[0].IdempotencyKey
		next.Next = job.Task.Next[1:]
		handle, err := w.client.Submit(ctx, next)
		if err != nil {
			logger.Error("Failed to chain next stage", "next", next.Kind, "error", err)
			w.report(ctx, job, RunStatus{State: StateSystemFailure, Error: err.Error()})
			return StateFailed
		}
		logger.Info("Job completed, next stage queued", "next", next.Kind, "nextJobID", handle.ID)
		return StateCompleted
	}

	w.report(ctx, job, RunStatus{State: StateCompleted, Progress: 100})
	logger.Info("Job completed")
	return StateCompleted
}

func (w *Worker) safeHandle(ctx context.Context, handler HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Job panicked", "jobID", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) report(ctx context.Context, job *Job, status RunStatus) {
	if job.Task.Scope == "" {
		return
	}
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.client.Report(reportCtx, job.Task.Scope, status); err != nil {
		Logger.Warn("Failed to report job status", "jobID", job.ID, "error", err)
	}
}
