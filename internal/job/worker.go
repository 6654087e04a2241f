package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Processor handles execution of a claimed job of one kind.
type Processor interface {
	Process(ctx context.Context, j *Job) error
}

// WorkerPool runs a fixed number of goroutines that claim pending jobs and
// dispatch them to the processor registered for their kind. Image downloads
// are not pool work: they run under per-task controllers with their own
// pause/resume surface.
type WorkerPool struct {
	repo         Repository
	processors   map[Kind]Processor
	kinds        []Kind
	workers      int
	notify       chan struct{}
	pollInterval time.Duration
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(repo Repository, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		repo:         repo,
		processors:   make(map[Kind]Processor),
		workers:      workers,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
	}
}

// Register installs the processor for a job kind. Must be called before Run.
func (wp *WorkerPool) Register(kind Kind, p Processor) {
	wp.processors[kind] = p
	wp.kinds = append(wp.kinds, kind)
}

// Notify wakes idle workers to check for pending jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Run starts worker goroutines and blocks until ctx is cancelled and all
// workers have drained.
func (wp *WorkerPool) Run(ctx context.Context) {
	g := new(errgroup.Group)
	for i := range wp.workers {
		g.Go(func() error {
			wp.loop(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		// Drain all available pending jobs before waiting.
		wp.drain(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		owner := uuid.NewString()
		j, err := wp.repo.ClaimPending(ctx, owner, wp.kinds...)
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			slog.Error("worker: claim pending", "worker", id, "error", err)
			return
		}
		if j == nil {
			return // no more pending jobs
		}

		proc, ok := wp.processors[j.Kind]
		if !ok {
			slog.Error("worker: no processor for kind", "worker", id, "job", j.ID, "kind", j.Kind)
			_ = wp.repo.Transition(ctx, j.ID, StatusFailed, "no processor registered for kind "+string(j.Kind))
			continue
		}

		slog.Info("worker: processing job", "worker", id, "job", j.ID, "kind", j.Kind, "owner", j.OwnerRef)

		if err := proc.Process(ctx, j); err != nil {
			slog.Error("worker: process job", "worker", id, "job", j.ID, "error", err)
		}
		_ = wp.repo.Release(ctx, j.ID, owner)
	}
}
