package download

import (
	"context"
	"database/sql"
	"fmt"

	domain "github.com/huzipatel/rad-labelling-sub000/internal/download"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetCheckpoint(ctx context.Context, taskID string) (*domain.Checkpoint, error) {
	const query = `SELECT task_id, last_index, paused FROM download_checkpoints WHERE task_id = ?`

	cp := &domain.Checkpoint{}
	var paused int
	err := r.db.QueryRowContext(ctx, query, taskID).Scan(&cp.TaskID, &cp.LastIndex, &paused)
	if err == sql.ErrNoRows {
		return &domain.Checkpoint{TaskID: taskID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Paused = paused != 0
	return cp, nil
}

func (r *Repository) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	const query = `INSERT INTO download_checkpoints (task_id, last_index, paused, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		ON CONFLICT (task_id) DO UPDATE SET
			last_index = excluded.last_index,
			paused = excluded.paused,
			updated_at = excluded.updated_at`

	paused := 0
	if cp.Paused {
		paused = 1
	}
	if _, err := r.db.ExecContext(ctx, query, cp.TaskID, cp.LastIndex, paused); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *Repository) ResetCheckpoint(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM download_checkpoints WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

func (r *Repository) ImageExists(ctx context.Context, taskID string, locationID int64, heading int) (bool, error) {
	const query = `SELECT 1 FROM images WHERE task_id = ? AND location_id = ? AND heading = ?`

	var one int
	err := r.db.QueryRowContext(ctx, query, taskID, locationID, heading).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("image exists: %w", err)
	}
	return true, nil
}

func (r *Repository) SaveImage(ctx context.Context, rec *domain.ImageRecord) error {
	const query = `INSERT INTO images (task_id, location_id, heading, blob_key, byte_size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id, location_id, heading) DO UPDATE SET
			blob_key = excluded.blob_key,
			byte_size = excluded.byte_size`

	_, err := r.db.ExecContext(ctx, query,
		rec.TaskID, rec.LocationID, rec.Heading, rec.BlobKey, rec.ByteSize)
	if err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

func (r *Repository) CountTaskImages(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count task images: %w", err)
	}
	return n, nil
}

func (r *Repository) DeleteTaskImages(ctx context.Context, taskID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM images WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete task images: %w", err)
	}
	return res.RowsAffected()
}
