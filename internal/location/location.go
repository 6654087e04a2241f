// Package location holds the per-task location records produced by
// spreadsheet ingestion and consumed by the download and enhancement
// workers.
package location

import "context"

// Location is one geo-referenced record of a task. Index is the stable
// iteration order the download worker checkpoints against. Enhancements
// maps a geometry layer's attribute key to the matched value; keys with no
// match stay absent.
type Location struct {
	ID           int64             `json:"id"`
	TaskID       string            `json:"taskId"`
	Index        int64             `json:"index"`
	Label        string            `json:"label"`
	Lat          float64           `json:"lat"`
	Lon          float64           `json:"lon"`
	Enhancements map[string]string `json:"enhancements,omitempty"`
}

type Repository interface {
	// BatchInsert appends locations, assigning ids. Indexes must be unique
	// within the task.
	BatchInsert(ctx context.Context, locs []Location) error

	// ListByTask returns the task's locations in index order.
	ListByTask(ctx context.Context, taskID string) ([]Location, error)

	CountByTask(ctx context.Context, taskID string) (int64, error)

	// Labels returns the set of labels already present for the task, used
	// by ingestion to skip duplicate rows.
	Labels(ctx context.Context, taskID string) (map[string]bool, error)

	// NextIndex returns the first free index for the task.
	NextIndex(ctx context.Context, taskID string) (int64, error)

	// SetEnhancements overwrites the location's enhancement columns.
	SetEnhancements(ctx context.Context, id int64, enh map[string]string) error
}
