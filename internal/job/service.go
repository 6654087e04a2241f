package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
)

type Service struct {
	repo         Repository
	stallTimeout time.Duration
	notify       func() // optional: wake worker pool
}

func NewService(repo Repository, stallTimeout time.Duration) *Service {
	return &Service{repo: repo, stallTimeout: stallTimeout}
}

// SetNotify sets a callback invoked when a new pending job is created.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

// Create enqueues a pending job. If a non-terminal job of the same kind
// already exists for ownerRef, that job is returned instead of creating a
// duplicate.
func (s *Service) Create(ctx context.Context, kind Kind, ownerRef string, total int64) (*Job, error) {
	active, err := s.repo.FindActive(ctx, kind, ownerRef)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	j := &Job{
		ID:       uuid.NewString(),
		Kind:     kind,
		Status:   StatusPending,
		OwnerRef: ownerRef,
		Total:    total,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		// A concurrent creator may have won between the lookup and the
		// insert; the store's unique active-job constraint rejects the
		// loser. Return the winner's job.
		if active, ferr := s.repo.FindActive(ctx, kind, ownerRef); ferr == nil && active != nil {
			return active, nil
		}
		return nil, err
	}
	if s.notify != nil {
		s.notify()
	}
	slog.Info("job created", "job", j.ID, "kind", kind, "owner", ownerRef, "total", total)
	return j, nil
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, Filter{Kind: Kind(req.Kind), Status: Status(req.Status), OwnerRef: req.OwnerRef})
}

// Advance records a worker's cumulative progress. The merge is monotonic, so
// duplicated or re-ordered reports are harmless.
func (s *Service) Advance(ctx context.Context, id string, p Progress) error {
	return s.repo.Advance(ctx, id, p)
}

func (s *Service) SetTotal(ctx context.Context, id string, total int64) error {
	if total < 0 {
		return apperror.New(apperror.BadRequest, "total units cannot be negative")
	}
	return s.repo.SetTotal(ctx, id, total)
}

func (s *Service) Transition(ctx context.Context, id string, to Status) error {
	return s.repo.Transition(ctx, id, to, "")
}

// Fail moves the job to failed with the given reason. Failed jobs always
// carry an error message.
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	return s.repo.Transition(ctx, id, StatusFailed, reason)
}

func (s *Service) Claim(ctx context.Context, id, owner string) (*Job, error) {
	return s.repo.Claim(ctx, id, owner)
}

func (s *Service) Release(ctx context.Context, id, owner string) error {
	return s.repo.Release(ctx, id, owner)
}

// RecoverStaleJobs re-queues jobs interrupted by a crash so workers pick
// them up again from their checkpoints.
func (s *Service) RecoverStaleJobs(ctx context.Context) error {
	n, err := s.repo.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("re-queued interrupted jobs", "count", n)
	}
	return nil
}

// ListStalled surfaces active jobs with no progress within the stall
// timeout. They are reported to operators, never auto-cancelled.
func (s *Service) ListStalled(ctx context.Context) ([]Job, error) {
	return s.repo.ListStalled(ctx, time.Now().UTC().Add(-s.stallTimeout))
}
