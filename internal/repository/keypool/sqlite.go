package keypool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
	domain "github.com/huzipatel/rad-labelling-sub000/internal/keypool"
)

const timeFormat = time.RFC3339

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context) ([]domain.Credential, error) {
	const query = `SELECT id, account_id, project_id, api_key, daily_quota, used_today, reset_at
		FROM api_credentials ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []domain.Credential
	for rows.Next() {
		var c domain.Credential
		var resetStr string
		if err := rows.Scan(&c.ID, &c.AccountID, &c.ProjectID, &c.Key,
			&c.DailyQuota, &c.UsedToday, &resetStr); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.ResetAt, _ = time.Parse(timeFormat, resetStr)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id int64) (*domain.Credential, error) {
	const query = `SELECT id, account_id, project_id, api_key, daily_quota, used_today, reset_at
		FROM api_credentials WHERE id = ?`

	var c domain.Credential
	var resetStr string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.AccountID, &c.ProjectID,
		&c.Key, &c.DailyQuota, &c.UsedToday, &resetStr)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "credential not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.ResetAt, _ = time.Parse(timeFormat, resetStr)
	return &c, nil
}

// TryAcquire consumes one quota unit in a single guarded UPDATE, so
// concurrent acquisitions across workers can never push used_today past
// daily_quota. A credential past its reset boundary is rolled into a fresh
// window in the same statement.
func (r *Repository) TryAcquire(ctx context.Context, id int64, now, nextReset time.Time) (bool, error) {
	const query = `UPDATE api_credentials SET
		used_today = CASE WHEN reset_at <= ?1 THEN 1 ELSE used_today + 1 END,
		reset_at   = CASE WHEN reset_at <= ?1 THEN ?2 ELSE reset_at END
		WHERE id = ?3 AND daily_quota > 0 AND (used_today < daily_quota OR reset_at <= ?1)`

	res, err := r.db.ExecContext(ctx, query,
		now.UTC().Format(timeFormat), nextReset.UTC().Format(timeFormat), id)
	if err != nil {
		return false, fmt.Errorf("try acquire credential: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("try acquire credential: %w", err)
	}
	return n == 1, nil
}
