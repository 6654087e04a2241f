package keypool

import (
	"context"
	"time"
)

type Repository interface {
	// List returns all credentials in stable id order.
	List(ctx context.Context) ([]Credential, error)

	// TryAcquire atomically consumes one unit of the credential's quota.
	// A credential whose reset boundary has passed is rolled over to a
	// fresh window (used_today=1, reset_at=nextReset) in the same
	// operation. Returns false when the credential is spent.
	TryAcquire(ctx context.Context, id int64, now, nextReset time.Time) (bool, error)

	// Get reloads a single credential.
	Get(ctx context.Context, id int64) (*Credential, error)
}
