package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/huzipatel/rad-labelling-sub000/internal/blob"
	"github.com/huzipatel/rad-labelling-sub000/internal/imagery"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
	"github.com/huzipatel/rad-labelling-sub000/internal/keypool"
	"github.com/huzipatel/rad-labelling-sub000/internal/location"
	"github.com/huzipatel/rad-labelling-sub000/internal/tasklog"
)

type Options struct {
	// Retries bounds attempts per image on transient provider errors.
	Retries int
	// RetryBackoff is the base delay, doubled per attempt.
	RetryBackoff time.Duration
	// WakeOnReload retries immediately when the credential pool is
	// reloaded mid-backoff instead of waiting out the quota window.
	WakeOnReload bool
}

// Manager owns one controller per actively downloading task. Controllers
// run on the manager's root context so an HTTP request ending never kills a
// download mid-flight; stopping is always a cooperative signal checked
// between locations.
type Manager struct {
	rootCtx context.Context
	jobs    *job.Service
	repo    Repository
	locs    location.Repository
	pool    *keypool.Manager
	fetcher imagery.Fetcher
	blobs   *blob.Store
	logs    *tasklog.Registry
	opts    Options

	mu     sync.Mutex
	active map[string]*controller
	wg     sync.WaitGroup
}

type controller struct {
	taskID string
	jobID  string
	owner  string
	pause  atomic.Bool
	cancel atomic.Bool
	done   chan struct{}
}

func NewManager(rootCtx context.Context, jobs *job.Service, repo Repository, locs location.Repository,
	pool *keypool.Manager, fetcher imagery.Fetcher, blobs *blob.Store, logs *tasklog.Registry, opts Options) *Manager {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Manager{
		rootCtx: rootCtx,
		jobs:    jobs,
		repo:    repo,
		locs:    locs,
		pool:    pool,
		fetcher: fetcher,
		blobs:   blobs,
		logs:    logs,
		opts:    opts,
		active:  make(map[string]*controller),
	}
}

// Start begins (or resumes) the download loop for a task from its stored
// checkpoint. A no-op if the task is already downloading.
//
// The whole claim sequence holds the manager lock: racing Start calls for
// one task must not each pass the active check and create their own job.
func (m *Manager) Start(ctx context.Context, taskID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctl, ok := m.active[taskID]; ok {
		j, err := m.jobs.Get(ctx, job.GetJobRequest{ID: ctl.jobID})
		if err != nil {
			return nil, err
		}
		return j, nil
	}

	count, err := m.locs.CountByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("start download: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("start download: task %s has no locations", taskID)
	}

	j, err := m.jobs.Create(ctx, job.KindImageDownload, taskID, count*int64(len(Headings)))
	if err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	j, err = m.jobs.Claim(ctx, j.ID, owner)
	if err != nil {
		return nil, err
	}

	// A resumed task must not stop again on a stale pause flag.
	cp, err := m.repo.GetCheckpoint(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("start download: %w", err)
	}
	if cp.Paused {
		cp.Paused = false
		if err := m.repo.SaveCheckpoint(ctx, cp); err != nil {
			return nil, fmt.Errorf("start download: %w", err)
		}
	}

	ctl := &controller{taskID: taskID, jobID: j.ID, owner: owner, done: make(chan struct{})}
	m.active[taskID] = ctl

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ctl.done)
		defer func() {
			m.mu.Lock()
			delete(m.active, taskID)
			m.mu.Unlock()
		}()
		m.run(m.rootCtx, ctl, j)
	}()

	return j, nil
}

// Pause signals the task's loop to stop cleanly after the current location.
// Idempotent; pausing a task that is not downloading does nothing.
func (m *Manager) Pause(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctl, ok := m.active[taskID]; ok {
		ctl.pause.Store(true)
	}
}

// Resume clears the pause signal and re-enters Start.
func (m *Manager) Resume(ctx context.Context, taskID string) (*job.Job, error) {
	return m.Start(ctx, taskID)
}

// Cancel stops the loop and marks the job cancelled. Already-persisted
// images are left intact.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	ctl, running := m.active[taskID]
	m.mu.Unlock()

	if running {
		ctl.cancel.Store(true)
		return nil
	}

	// No live controller: cancel a pending/paused job directly.
	j, err := m.activeJob(ctx, taskID)
	if err != nil || j == nil {
		return err
	}
	return m.jobs.Transition(ctx, j.ID, job.StatusCancelled)
}

// Restart stops any in-flight loop, then starts again. With force, every
// previously persisted image is deleted and the checkpoint reset, so the
// whole image set is re-acquired; without force the loop simply runs again
// and its existence checks fill only the missing images.
func (m *Manager) Restart(ctx context.Context, taskID string, force bool) (*job.Job, error) {
	m.mu.Lock()
	ctl, running := m.active[taskID]
	m.mu.Unlock()

	if running {
		ctl.cancel.Store(true)
		select {
		case <-ctl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// A leftover active job blocks creating the fresh one.
	if j, err := m.activeJob(ctx, taskID); err != nil {
		return nil, err
	} else if j != nil {
		if err := m.jobs.Transition(ctx, j.ID, job.StatusCancelled); err != nil {
			return nil, err
		}
	}

	if force {
		n, err := m.repo.DeleteTaskImages(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("restart download: %w", err)
		}
		if err := m.blobs.DeletePrefix(ImagePrefix(taskID)); err != nil {
			return nil, fmt.Errorf("restart download: %w", err)
		}
		if err := m.repo.ResetCheckpoint(ctx, taskID); err != nil {
			return nil, fmt.Errorf("restart download: %w", err)
		}
		m.logs.For(taskID).Append(tasklog.LevelInfo,
			fmt.Sprintf("forced restart: deleted %d persisted images", n))
	}

	return m.Start(ctx, taskID)
}

// Log returns the task's activity log entries after seq, for live-tailing.
func (m *Manager) Log(taskID string, seq int64) []tasklog.Entry {
	return m.logs.For(taskID).Since(seq)
}

// Wait blocks until every controller has drained. Called on shutdown after
// the root context is cancelled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) activeJob(ctx context.Context, taskID string) (*job.Job, error) {
	jobs, err := m.jobs.List(ctx, job.ListJobsRequest{Kind: string(job.KindImageDownload), OwnerRef: taskID})
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if !jobs[i].Status.Terminal() {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

func (m *Manager) run(ctx context.Context, ctl *controller, j *job.Job) {
	tlog := m.logs.For(ctl.taskID)

	locs, err := m.locs.ListByTask(ctx, ctl.taskID)
	if err != nil {
		tlog.Append(tasklog.LevelError, fmt.Sprintf("failed to load locations: %v", err))
		_ = m.jobs.Fail(ctx, j.ID, fmt.Sprintf("load locations: %v", err))
		return
	}

	total := int64(len(locs) * len(Headings))
	if j.Total != total {
		_ = m.jobs.SetTotal(ctx, j.ID, total)
	}

	cp, err := m.repo.GetCheckpoint(ctx, ctl.taskID)
	if err != nil {
		tlog.Append(tasklog.LevelError, fmt.Sprintf("failed to load checkpoint: %v", err))
		_ = m.jobs.Fail(ctx, j.ID, fmt.Sprintf("load checkpoint: %v", err))
		return
	}
	if cp.LastIndex >= int64(len(locs)) {
		// A checkpoint at or past the end belongs to a finished run. Walk
		// the full list again; existence checks skip what is already there.
		cp.LastIndex = 0
	}

	// Counters are cumulative across pauses and restarts of the worker; the
	// job record carries them forward so Advance stays monotonic.
	succeeded, failed, skipped := j.Succeeded, j.Failed, j.Skipped

	tlog.Append(tasklog.LevelInfo,
		fmt.Sprintf("download started at location %d of %d", cp.LastIndex, len(locs)))

	for i := cp.LastIndex; i < int64(len(locs)); i++ {
		if ctx.Err() != nil {
			// Shutdown: leave the job running for boot-time recovery.
			m.saveCheckpoint(cp, i, false)
			return
		}
		if ctl.cancel.Load() {
			m.saveCheckpoint(cp, i, false)
			_ = m.jobs.Transition(ctx, j.ID, job.StatusCancelled)
			tlog.Append(tasklog.LevelInfo, fmt.Sprintf("download cancelled at location %d", i))
			return
		}
		if ctl.pause.Load() {
			m.saveCheckpoint(cp, i, true)
			_ = m.jobs.Transition(ctx, j.ID, job.StatusPaused)
			_ = m.jobs.Release(ctx, j.ID, ctl.owner)
			tlog.Append(tasklog.LevelInfo, fmt.Sprintf("download paused at location %d", i))
			return
		}

		loc := locs[i]
		locSucceeded, locFailed, locSkipped, err := m.processLocation(ctx, ctl, &loc, tlog)
		if err != nil {
			// Systemic failure: no further progress is possible.
			m.saveCheckpoint(cp, i, false)
			_ = m.jobs.Fail(ctx, j.ID, err.Error())
			tlog.Append(tasklog.LevelError, fmt.Sprintf("download failed: %v", err))
			return
		}

		succeeded += locSucceeded
		failed += locFailed
		skipped += locSkipped

		// The checkpoint advances only once the whole location is durable.
		m.saveCheckpoint(cp, i+1, false)
		_ = m.jobs.Advance(ctx, j.ID, job.Progress{
			Succeeded: succeeded,
			Failed:    failed,
			Skipped:   skipped,
			Stage:     fmt.Sprintf("location %d/%d", i+1, len(locs)),
		})

		if locFailed > 0 {
			tlog.Append(tasklog.LevelWarning,
				fmt.Sprintf("location %s: %d of %d images failed", loc.Label, locFailed, len(Headings)))
		} else {
			tlog.Append(tasklog.LevelInfo,
				fmt.Sprintf("location %s: %d fetched, %d already present", loc.Label, locSucceeded, locSkipped))
		}
	}

	if err := m.jobs.Transition(ctx, j.ID, job.StatusCompleted); err != nil {
		slog.Error("download: mark completed", "task", ctl.taskID, "job", j.ID, "error", err)
	}
	tlog.Append(tasklog.LevelInfo,
		fmt.Sprintf("download completed: %d fetched, %d failed, %d skipped", succeeded, failed, skipped))
}

func (m *Manager) saveCheckpoint(cp *Checkpoint, index int64, paused bool) {
	cp.LastIndex = index
	cp.Paused = paused
	// Checkpoint writes must survive context cancellation during shutdown.
	if err := m.repo.SaveCheckpoint(context.Background(), cp); err != nil {
		slog.Error("download: save checkpoint", "task", cp.TaskID, "error", err)
	}
}

// processLocation ensures all four heading images exist for one location.
// Returns per-outcome counts, or a non-nil error only for systemic failures
// that should fail the whole job.
func (m *Manager) processLocation(ctx context.Context, ctl *controller, loc *location.Location, tlog *tasklog.Log) (succeeded, failed, skipped int64, err error) {
	for _, heading := range Headings {
		exists, err := m.repo.ImageExists(ctx, ctl.taskID, loc.ID, heading)
		if err != nil {
			return succeeded, failed, skipped, fmt.Errorf("check image existence: %w", err)
		}
		if exists {
			skipped++
			continue
		}

		data, fetchErr := m.fetchWithRetry(ctx, loc, heading)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return succeeded, failed, skipped, ctx.Err()
			}
			failed++
			tlog.Append(tasklog.LevelWarning,
				fmt.Sprintf("location %s heading %d: %v", loc.Label, heading, fetchErr))
			continue
		}

		key := ImageBlobKey(ctl.taskID, loc.ID, heading)
		n, putErr := m.blobs.Put(key, bytes.NewReader(data))
		if putErr == nil {
			putErr = m.repo.SaveImage(ctx, &ImageRecord{
				TaskID:     ctl.taskID,
				LocationID: loc.ID,
				Heading:    heading,
				BlobKey:    key,
				ByteSize:   n,
			})
		}
		if putErr != nil {
			failed++
			tlog.Append(tasklog.LevelError,
				fmt.Sprintf("location %s heading %d: persist: %v", loc.Label, heading, putErr))
			continue
		}
		succeeded++
	}
	return succeeded, failed, skipped, nil
}

// fetchWithRetry requests one image through the credential pool, retrying
// transient provider errors with exponential backoff. Pool exhaustion is not
// an attempt: the worker backs off until a credential resets (or the pool is
// reloaded) and tries again.
func (m *Manager) fetchWithRetry(ctx context.Context, loc *location.Location, heading int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < m.opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := m.opts.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		cred, err := m.pool.Acquire(ctx, "street_view")
		if err != nil {
			var qe *keypool.QuotaExhaustedError
			if errors.As(err, &qe) {
				if waitErr := m.waitForQuota(ctx, qe.NextReset); waitErr != nil {
					return nil, waitErr
				}
				attempt-- // quota waits do not consume retries
				continue
			}
			return nil, err
		}

		data, err := m.fetcher.Fetch(ctx, cred.Key, loc.Lat, loc.Lon, heading)
		if err == nil {
			return data, nil
		}
		if !imagery.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d attempts: %w", m.opts.Retries, lastErr)
}

func (m *Manager) waitForQuota(ctx context.Context, nextReset time.Time) error {
	wait := 30 * time.Second
	if !nextReset.IsZero() {
		if until := time.Until(nextReset); until > 0 {
			wait = until
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var reloaded <-chan struct{}
	if m.opts.WakeOnReload {
		reloaded = m.pool.Reloaded()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-reloaded:
		return nil
	}
}
