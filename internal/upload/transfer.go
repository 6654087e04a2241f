package upload

import (
	"context"
	"time"
)

type Status string

const (
	// StatusActive: chunks are still being received.
	StatusActive Status = "active"
	// StatusAssembled: the file was reassembled and handed to ingestion.
	StatusAssembled Status = "assembled"
	// StatusExpired: abandoned beyond the TTL and garbage-collected.
	StatusExpired Status = "expired"
)

// Transfer tracks one chunked upload. ChunkWatermark is the highest chunk
// index accepted so far (-1 before the first chunk); chunks must arrive in
// order, and completion is an explicit signal rather than an inference from
// received bytes, which guards against truncated-but-equal-length corruption.
type Transfer struct {
	ID             string    `json:"id"`
	JobID          string    `json:"jobId,omitempty"`
	Filename       string    `json:"filename"`
	ExpectedSize   int64     `json:"expectedSize"`
	ReceivedSize   int64     `json:"receivedSize"`
	ChunkWatermark int64     `json:"chunkWatermark"`
	Status         Status    `json:"status"`
	Metadata       string    `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Repository interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id string) (*Transfer, error)
	UpdateProgress(ctx context.Context, id string, received, watermark int64) error
	SetStatus(ctx context.Context, id string, status Status) error
	AttachJob(ctx context.Context, id, jobID string) error

	// ListExpired returns active transfers with no activity since cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]Transfer, error)
}
