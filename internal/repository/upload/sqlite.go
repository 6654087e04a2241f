package upload

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
	domain "github.com/huzipatel/rad-labelling-sub000/internal/upload"
)

const timeFormat = time.RFC3339

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, t *domain.Transfer) error {
	const query = `INSERT INTO upload_transfers
		(id, filename, expected_size, received_size, chunk_watermark, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Filename, t.ExpectedSize, t.ReceivedSize, t.ChunkWatermark,
		string(t.Status), t.Metadata)
	if err != nil {
		return fmt.Errorf("create transfer: %w", err)
	}

	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Transfer, error) {
	const query = `SELECT id, job_id, filename, expected_size, received_size,
		chunk_watermark, status, metadata, created_at, updated_at
		FROM upload_transfers WHERE id = ?`

	t := &domain.Transfer{}
	var jobID sql.NullString
	var status, createdStr, updatedStr string

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &jobID, &t.Filename, &t.ExpectedSize, &t.ReceivedSize,
		&t.ChunkWatermark, &status, &t.Metadata, &createdStr, &updatedStr,
	)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "transfer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}

	if jobID.Valid {
		t.JobID = jobID.String
	}
	t.Status = domain.Status(status)
	t.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	t.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
	return t, nil
}

// UpdateProgress records chunk receipt. The watermark may only move forward.
func (r *Repository) UpdateProgress(ctx context.Context, id string, received, watermark int64) error {
	const query = `UPDATE upload_transfers
		SET received_size = ?, chunk_watermark = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ? AND chunk_watermark < ?`

	res, err := r.db.ExecContext(ctx, query, received, watermark, id, watermark)
	if err != nil {
		return fmt.Errorf("update transfer progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.Conflict, "transfer progress would regress")
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, id string, status domain.Status) error {
	const query = `UPDATE upload_transfers
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("set transfer status: %w", err)
	}
	return nil
}

func (r *Repository) AttachJob(ctx context.Context, id, jobID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE upload_transfers SET job_id = ? WHERE id = ?`, jobID, id)
	if err != nil {
		return fmt.Errorf("attach job to transfer: %w", err)
	}
	return nil
}

func (r *Repository) ListExpired(ctx context.Context, cutoff time.Time) ([]domain.Transfer, error) {
	const query = `SELECT id, job_id, filename, expected_size, received_size,
		chunk_watermark, status, metadata, created_at, updated_at
		FROM upload_transfers
		WHERE status = 'active' AND updated_at < ?`

	rows, err := r.db.QueryContext(ctx, query, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list expired transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transfers []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var jobID sql.NullString
		var status, createdStr, updatedStr string
		if err := rows.Scan(&t.ID, &jobID, &t.Filename, &t.ExpectedSize, &t.ReceivedSize,
			&t.ChunkWatermark, &status, &t.Metadata, &createdStr, &updatedStr); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if jobID.Valid {
			t.JobID = jobID.String
		}
		t.Status = domain.Status(status)
		t.CreatedAt, _ = time.Parse(timeFormat, createdStr)
		t.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
