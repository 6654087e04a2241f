package geometry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
	domain "github.com/huzipatel/rad-labelling-sub000/internal/geometry"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) UpsertLayer(ctx context.Context, name, attributeKey string) (*domain.Layer, error) {
	const query = `INSERT INTO geometry_layers (name, attribute_key) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET attribute_key = excluded.attribute_key`

	if _, err := r.db.ExecContext(ctx, query, name, attributeKey); err != nil {
		return nil, fmt.Errorf("upsert layer: %w", err)
	}
	return r.GetLayerByName(ctx, name)
}

func (r *Repository) ListLayers(ctx context.Context) ([]domain.Layer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, attribute_key FROM geometry_layers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var layers []domain.Layer
	for rows.Next() {
		var l domain.Layer
		if err := rows.Scan(&l.ID, &l.Name, &l.AttributeKey); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (r *Repository) GetLayerByName(ctx context.Context, name string) (*domain.Layer, error) {
	var l domain.Layer
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, attribute_key FROM geometry_layers WHERE name = ?`, name).
		Scan(&l.ID, &l.Name, &l.AttributeKey)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "geometry layer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get layer: %w", err)
	}
	return &l, nil
}

func (r *Repository) ReplaceFeatures(ctx context.Context, layerID int64, feats []domain.Feature) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace features: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM geometry_features WHERE layer_id = ?`, layerID); err != nil {
		return fmt.Errorf("replace features: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO geometry_features (layer_id, attribute_value, geometry) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("replace features: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, f := range feats {
		geomJSON, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
		if err != nil {
			return fmt.Errorf("replace features: encode geometry: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, layerID, f.AttributeValue, string(geomJSON)); err != nil {
			return fmt.Errorf("replace features: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace features: commit: %w", err)
	}
	return nil
}

func (r *Repository) ListFeatures(ctx context.Context, layerID int64) ([]domain.Feature, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, layer_id, attribute_value, geometry FROM geometry_features WHERE layer_id = ?`, layerID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feats []domain.Feature
	for rows.Next() {
		var f domain.Feature
		var geomJSON string
		if err := rows.Scan(&f.ID, &f.LayerID, &f.AttributeValue, &geomJSON); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}

		var g geojson.Geometry
		if err := json.Unmarshal([]byte(geomJSON), &g); err != nil {
			return nil, fmt.Errorf("decode geometry: %w", err)
		}
		f.Geometry = g.Geometry()
		feats = append(feats, f)
	}
	return feats, rows.Err()
}
