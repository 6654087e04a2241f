package job

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)

	// FindActive returns the non-terminal job for (kind, ownerRef), or nil.
	FindActive(ctx context.Context, kind Kind, ownerRef string) (*Job, error)

	// Advance merges cumulative progress counters monotonically and
	// recomputes processed_units. Reports lower than what is already
	// recorded leave the row untouched.
	Advance(ctx context.Context, id string, p Progress) error

	// SetTotal fixes total_units once the unit count is known (e.g. after
	// the analyzing phase of an upload).
	SetTotal(ctx context.Context, id string, total int64) error

	// Transition moves the job to the given status, validating the edge.
	// Re-transitioning to the same terminal status is a no-op. errMsg is
	// recorded only for StatusFailed.
	Transition(ctx context.Context, id string, to Status, errMsg string) error

	// Claim takes the running lease for owner. Fails with a Conflict error
	// if another owner holds it.
	Claim(ctx context.Context, id, owner string) (*Job, error)

	// Release drops the lease without changing status.
	Release(ctx context.Context, id, owner string) error

	// ClaimPending claims the oldest pending job of one of the given kinds.
	ClaimPending(ctx context.Context, owner string, kinds ...Kind) (*Job, error)

	// RecoverStale re-queues jobs left running/analyzing by a crashed
	// process. Called once on boot, before any workers start.
	RecoverStale(ctx context.Context) (int64, error)

	// ListStalled returns active jobs with no progress since the cutoff.
	ListStalled(ctx context.Context, cutoff time.Time) ([]Job, error)
}
