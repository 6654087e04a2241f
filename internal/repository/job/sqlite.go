package job

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
	domain "github.com/huzipatel/rad-labelling-sub000/internal/job"
)

const timeFormat = time.RFC3339

const jobColumns = `id, kind, status, owner_ref, total_units, processed_units,
	succeeded_units, failed_units, skipped_units, stage, error, lease_owner,
	created_at, started_at, completed_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO jobs (id, kind, status, owner_ref, total_units, stage)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		j.ID, string(j.Kind), string(j.Status), j.OwnerRef, j.Total, j.Stage,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.Filter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`

	var args []any
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.OwnerRef != "" {
		query += " AND owner_ref = ?"
		args = append(args, f.OwnerRef)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT 200"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

func (r *Repository) FindActive(ctx context.Context, kind domain.Kind, ownerRef string) (*domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs
		WHERE kind = ? AND owner_ref = ?
		  AND status IN ('pending', 'analyzing', 'running', 'paused')
		LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, string(kind), ownerRef)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

// Advance merges cumulative counters with max() so duplicate or out-of-order
// reports never move a counter backwards. processed_units is recomputed from
// the merged values inside the same statement.
func (r *Repository) Advance(ctx context.Context, id string, p domain.Progress) error {
	const query = `UPDATE jobs SET
		succeeded_units = max(succeeded_units, ?1),
		failed_units    = max(failed_units, ?2),
		skipped_units   = max(skipped_units, ?3),
		processed_units = max(succeeded_units, ?1) + max(failed_units, ?2) + max(skipped_units, ?3),
		stage           = CASE WHEN ?4 <> '' THEN ?4 ELSE stage END,
		updated_at      = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?5 AND status IN ('running', 'analyzing')`

	res, err := r.db.ExecContext(ctx, query, p.Succeeded, p.Failed, p.Skipped, p.Stage, id)
	if err != nil {
		return fmt.Errorf("advance job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.Conflict, "job is not running")
	}
	return nil
}

func (r *Repository) SetTotal(ctx context.Context, id string, total int64) error {
	const query = `UPDATE jobs SET total_units = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`

	res, err := r.db.ExecContext(ctx, query, total, id)
	if err != nil {
		return fmt.Errorf("set job total: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.Conflict, "job already finished")
	}
	return nil
}

func (r *Repository) Transition(ctx context.Context, id string, to domain.Status, errMsg string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transition: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kindStr, statusStr string
	err = tx.QueryRowContext(ctx, `SELECT kind, status FROM jobs WHERE id = ?`, id).
		Scan(&kindStr, &statusStr)
	if err == sql.ErrNoRows {
		return apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return fmt.Errorf("transition: read status: %w", err)
	}

	from := domain.Status(statusStr)
	if from == to {
		// Repeated transition to the same state (terminal ones in
		// particular) is a no-op, not an error.
		return nil
	}
	if !domain.ValidTransition(domain.Kind(kindStr), from, to) {
		return apperror.New(apperror.Conflict,
			fmt.Sprintf("invalid transition: %s -> %s", from, to))
	}

	query := `UPDATE jobs SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`
	args := []any{string(to)}

	switch to {
	case domain.StatusRunning, domain.StatusAnalyzing:
		query += `, started_at = COALESCE(started_at, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))`
	case domain.StatusCompleted:
		query += `, completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'), error = NULL, lease_owner = NULL`
	case domain.StatusFailed:
		query += `, completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'), error = ?, lease_owner = NULL`
		args = append(args, errMsg)
	case domain.StatusCancelled:
		query += `, completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'), lease_owner = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("transition: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transition: commit: %w", err)
	}
	return nil
}

func (r *Repository) Claim(ctx context.Context, id, owner string) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var statusStr string
	var lease sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, lease_owner FROM jobs WHERE id = ?`, id).
		Scan(&statusStr, &lease)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("claim: read status: %w", err)
	}

	status := domain.Status(statusStr)
	if lease.Valid && lease.String != owner {
		return nil, apperror.New(apperror.Conflict, "job busy: lease already held")
	}
	switch status {
	case domain.StatusPending, domain.StatusPaused:
	default:
		return nil, apperror.New(apperror.Conflict,
			fmt.Sprintf("job cannot be claimed in status %s", status))
	}

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', lease_owner = ?,
		started_at = COALESCE(started_at, strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`, owner, id)
	if err != nil {
		return nil, fmt.Errorf("claim: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}

	return r.Get(ctx, id)
}

func (r *Repository) Release(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET lease_owner = NULL WHERE id = ? AND lease_owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (r *Repository) ClaimPending(ctx context.Context, owner string, kinds ...domain.Kind) (*domain.Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim pending: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(kinds))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE status = 'pending' AND kind IN (`+placeholders+`)
		 ORDER BY created_at ASC, id ASC LIMIT 1`, args...,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending: select: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', lease_owner = ?,
		started_at = COALESCE(started_at, strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`, owner, id)
	if err != nil {
		return nil, fmt.Errorf("claim pending: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim pending: commit: %w", err)
	}

	return r.Get(ctx, id)
}

func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE jobs SET status = 'pending', lease_owner = NULL, error = NULL,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE status IN ('running', 'analyzing')`

	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	return res.RowsAffected()
}

func (r *Repository) ListStalled(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('running', 'analyzing') AND updated_at < ?
		ORDER BY updated_at ASC`

	rows, err := r.db.QueryContext(ctx, query, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*domain.Job, error) {
	j := &domain.Job{}
	var kind, status, createdStr, updatedStr string
	var dbErr, lease, startedStr, completedStr sql.NullString

	err := row.Scan(
		&j.ID, &kind, &status, &j.OwnerRef,
		&j.Total, &j.Processed, &j.Succeeded, &j.Failed, &j.Skipped,
		&j.Stage, &dbErr, &lease,
		&createdStr, &startedStr, &completedStr, &updatedStr,
	)
	if err != nil {
		return nil, err
	}

	j.Kind = domain.Kind(kind)
	j.Status = domain.Status(status)
	if dbErr.Valid {
		j.Error = dbErr.String
	}
	if lease.Valid {
		j.LeaseOwner = lease.String
	}
	j.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	j.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
	if startedStr.Valid {
		t, _ := time.Parse(timeFormat, startedStr.String)
		j.StartedAt = &t
	}
	if completedStr.Valid {
		t, _ := time.Parse(timeFormat, completedStr.String)
		j.CompletedAt = &t
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
