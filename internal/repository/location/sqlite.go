package location

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	domain "github.com/huzipatel/rad-labelling-sub000/internal/location"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) BatchInsert(ctx context.Context, locs []domain.Location) error {
	if len(locs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("batch insert locations: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO locations (task_id, idx, label, lat, lon, enhancements)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("batch insert locations: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range locs {
		enh := locs[i].Enhancements
		if enh == nil {
			enh = map[string]string{}
		}
		enhJSON, err := json.Marshal(enh)
		if err != nil {
			return fmt.Errorf("batch insert locations: marshal enhancements: %w", err)
		}

		res, err := stmt.ExecContext(ctx,
			locs[i].TaskID, locs[i].Index, locs[i].Label, locs[i].Lat, locs[i].Lon, string(enhJSON))
		if err != nil {
			return fmt.Errorf("batch insert locations: insert: %w", err)
		}
		locs[i].ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("batch insert locations: commit: %w", err)
	}
	return nil
}

func (r *Repository) ListByTask(ctx context.Context, taskID string) ([]domain.Location, error) {
	const query = `SELECT id, task_id, idx, label, lat, lon, enhancements
		FROM locations WHERE task_id = ? ORDER BY idx ASC`

	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locs []domain.Location
	for rows.Next() {
		var l domain.Location
		var enhJSON string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Index, &l.Label, &l.Lat, &l.Lon, &enhJSON); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		if err := json.Unmarshal([]byte(enhJSON), &l.Enhancements); err != nil {
			return nil, fmt.Errorf("decode enhancements: %w", err)
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

func (r *Repository) CountByTask(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM locations WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return n, nil
}

func (r *Repository) Labels(ctx context.Context, taskID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT label FROM locations WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	labels := make(map[string]bool)
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels[label] = true
	}
	return labels, rows.Err()
}

func (r *Repository) NextIndex(ctx context.Context, taskID string) (int64, error) {
	var next sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(idx) + 1 FROM locations WHERE task_id = ?`, taskID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next location index: %w", err)
	}
	if !next.Valid {
		return 0, nil
	}
	return next.Int64, nil
}

func (r *Repository) SetEnhancements(ctx context.Context, id int64, enh map[string]string) error {
	if enh == nil {
		enh = map[string]string{}
	}
	enhJSON, err := json.Marshal(enh)
	if err != nil {
		return fmt.Errorf("set enhancements: marshal: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE locations SET enhancements = ? WHERE id = ?`, string(enhJSON), id)
	if err != nil {
		return fmt.Errorf("set enhancements: %w", err)
	}
	return nil
}
