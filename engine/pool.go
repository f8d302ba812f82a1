package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

// ErrAlreadyRunning is returned when a version already has a task in the pool
var ErrAlreadyRunning = errors.New("version is already being processed")

// WorkerPool runs detached per-version tasks with bounded concurrency. A task that panics
// or never gets a slot is handed to onFailure, nothing is dropped silently.
type WorkerPool struct {
	base      context.Context
	sem       *semaphore.Weighted
	onFailure func(versionID ulid.ULID, err error)

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[ulid.ULID]context.CancelFunc
}

// NewWorkerPool sizes the pool, tasks inherit values from base but outlive no one's request
func NewWorkerPool(base context.Context, size int, onFailure func(versionID ulid.ULID, err error)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if onFailure == nil {
		onFailure = func(versionID ulid.ULID, err error) {
			Logger.Error("Background task failed", "versionID", versionID, "error", err)
		}
	}
	return &WorkerPool{
		base:      base,
		sem:       semaphore.NewWeighted(int64(size)),
		onFailure: onFailure,
		running:   make(map[ulid.ULID]context.CancelFunc),
	}
}

// Reservation holds a version's place in the pool until Start or Release
type Reservation struct {
	pool      *WorkerPool
	versionID ulid.ULID
	ctx       context.Context
	done      bool
}

// Reserve claims versionID without starting anything, ErrAlreadyRunning if it is taken.
// Cancel sees a reserved version as running.
func (p *WorkerPool) Reserve(versionID ulid.ULID) (*Reservation, error) {
	ctx, cancel := context.WithCancel(p.base)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[versionID]; ok {
		cancel()
		return nil, ErrAlreadyRunning
	}
	p.running[versionID] = cancel
	return &Reservation{pool: p, versionID: versionID, ctx: ctx}, nil
}

// Start runs task in the background once a slot frees up
func (r *Reservation) Start(task func(ctx context.Context) error) {
	if r.done {
		return
	}
	r.done = true
	p := r.pool
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.forget(r.versionID)

		if err := p.sem.Acquire(r.ctx, 1); err != nil {
			p.onFailure(r.versionID, fmt.Errorf("%w before start: %v", ErrCancelled, err))
			return
		}
		defer p.sem.Release(1)
		activeLocalRuns.Inc()
		defer activeLocalRuns.Dec()

		p.safeRun(r.ctx, r.versionID, task)
	}()
}

// Release gives the version back without running anything, a no-op after Start
func (r *Reservation) Release() {
	if r.done {
		return
	}
	r.done = true
	r.pool.forget(r.versionID)
}

// Go schedules task for versionID and returns without waiting for it
func (p *WorkerPool) Go(versionID ulid.ULID, task func(ctx context.Context) error) error {
	reservation, err := p.Reserve(versionID)
	if err != nil {
		return err
	}
	reservation.Start(task)
	return nil
}

func (p *WorkerPool) safeRun(ctx context.Context, versionID ulid.ULID, task func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Panic recovered in background task", "versionID", versionID, "panic", r, "stack", string(debug.Stack()))
			p.onFailure(versionID, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := task(ctx); err != nil {
		Logger.Debug("Background task returned an error", "versionID", versionID, "error", err)
	}
}

func (p *WorkerPool) forget(versionID ulid.ULID) {
	p.mu.Lock()
	cancel, ok := p.running[versionID]
	delete(p.running, versionID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel stops the version's task before its next page, false if nothing is running
func (p *WorkerPool) Cancel(versionID ulid.ULID) bool {
	p.mu.Lock()
	cancel, ok := p.running[versionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a task for versionID is queued or executing
func (p *WorkerPool) Running(versionID ulid.ULID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[versionID]
	return ok
}

// Wait blocks until every scheduled task has returned
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
