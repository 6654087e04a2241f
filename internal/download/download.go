// Package download acquires street-level imagery for a task's locations,
// one image per (location, heading), with pause/resume/cancel/restart
// controls and durable checkpointing for exact resume.
package download

import (
	"context"
	"fmt"
)

// Headings are the four fixed compass directions captured per location.
// User-initiated snapshots are stored alongside under their own heading
// values but are never part of the acquisition loop.
var Headings = [4]int{0, 90, 180, 270}

// Checkpoint is the last confirmed position in a task's download loop.
// LastIndex is the next location index to process; it advances only after
// every image of a location is durably persisted.
type Checkpoint struct {
	TaskID    string `json:"taskId"`
	LastIndex int64  `json:"lastIndex"`
	Paused    bool   `json:"paused"`
}

// ImageRecord ties a persisted image blob to its (task, location, heading).
type ImageRecord struct {
	TaskID     string
	LocationID int64
	Heading    int
	BlobKey    string
	ByteSize   int64
}

// ImageBlobKey addresses one image in blob storage.
func ImageBlobKey(taskID string, locationID int64, heading int) string {
	return fmt.Sprintf("tasks/%s/images/%d_%d.jpg", taskID, locationID, heading)
}

// ImagePrefix addresses every image of a task.
func ImagePrefix(taskID string) string {
	return fmt.Sprintf("tasks/%s/images", taskID)
}

type Repository interface {
	// GetCheckpoint returns the task's checkpoint, or a zero checkpoint if
	// none exists yet.
	GetCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	ResetCheckpoint(ctx context.Context, taskID string) error

	ImageExists(ctx context.Context, taskID string, locationID int64, heading int) (bool, error)
	SaveImage(ctx context.Context, rec *ImageRecord) error
	CountTaskImages(ctx context.Context, taskID string) (int64, error)

	// DeleteTaskImages removes every image record for the task, returning
	// the number removed.
	DeleteTaskImages(ctx context.Context, taskID string) (int64, error)
}
