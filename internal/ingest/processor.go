// Package ingest parses reassembled uploads into location or geometry
// records, reporting row-level progress into the owning job.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/xuri/excelize/v2"

	"github.com/huzipatel/rad-labelling-sub000/internal/blob"
	"github.com/huzipatel/rad-labelling-sub000/internal/geometry"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
	"github.com/huzipatel/rad-labelling-sub000/internal/location"
	"github.com/huzipatel/rad-labelling-sub000/internal/upload"
)

const batchSize = 200

// Metadata is the caller-supplied context attached to a transfer, telling
// ingestion where the parsed records belong.
type Metadata struct {
	TaskID string `json:"taskId,omitempty"`
	// LayerName and AttributeKey direct GeoJSON uploads into a geometry
	// layer. AttributeKey names the feature property to carry over.
	LayerName    string `json:"layerName,omitempty"`
	AttributeKey string `json:"attributeKey,omitempty"`
}

// Processor implements job.Processor for upload_ingest jobs.
type Processor struct {
	transfers upload.Repository
	blobs     *blob.Store
	locs      location.Repository
	geo       geometry.Repository
	jobs      *job.Service
}

func NewProcessor(transfers upload.Repository, blobs *blob.Store, locs location.Repository,
	geo geometry.Repository, jobs *job.Service) *Processor {
	return &Processor{transfers: transfers, blobs: blobs, locs: locs, geo: geo, jobs: jobs}
}

func (p *Processor) Process(ctx context.Context, j *job.Job) error {
	t, err := p.transfers.Get(ctx, j.OwnerRef)
	if err != nil {
		return p.fail(ctx, j, fmt.Errorf("load transfer: %w", err))
	}
	if t.Status != upload.StatusAssembled {
		return p.fail(ctx, j, fmt.Errorf("transfer %s is %s, not assembled", t.ID, t.Status))
	}

	var meta Metadata
	if t.Metadata != "" {
		if err := json.Unmarshal([]byte(t.Metadata), &meta); err != nil {
			return p.fail(ctx, j, fmt.Errorf("decode transfer metadata: %w", err))
		}
	}

	f, err := p.blobs.Open(upload.BlobKey(t.ID, t.Filename))
	if err != nil {
		return p.fail(ctx, j, fmt.Errorf("open uploaded file: %w", err))
	}
	defer func() { _ = f.Close() }()

	if err := p.jobs.Transition(ctx, j.ID, job.StatusAnalyzing); err != nil {
		return err
	}
	_ = p.jobs.Advance(ctx, j.ID, job.Progress{Stage: "analyzing file"})

	switch strings.ToLower(path.Ext(t.Filename)) {
	case ".xlsx":
		err = p.ingestRows(ctx, j, meta, readXLSX(f))
	case ".csv":
		err = p.ingestRows(ctx, j, meta, readCSV(f))
	case ".geojson":
		err = p.ingestGeoJSON(ctx, j, meta, f)
	default:
		err = fmt.Errorf("no parser for file type %q", path.Ext(t.Filename))
	}
	if err != nil {
		return p.fail(ctx, j, err)
	}

	return p.jobs.Transition(ctx, j.ID, job.StatusCompleted)
}

func (p *Processor) fail(ctx context.Context, j *job.Job, err error) error {
	_ = p.jobs.Fail(ctx, j.ID, err.Error())
	return err
}

type rowSource func() (header []string, rows [][]string, err error)

func readXLSX(r io.Reader) rowSource {
	return func() ([]string, [][]string, error) {
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open workbook: %w", err)
		}
		defer func() { _ = f.Close() }()

		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil, fmt.Errorf("workbook has no sheets")
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
		}
		if len(rows) == 0 {
			return nil, nil, fmt.Errorf("sheet %s is empty", sheets[0])
		}
		return rows[0], rows[1:], nil
	}
}

func readCSV(r io.Reader) rowSource {
	return func() ([]string, [][]string, error) {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		rows, err := cr.ReadAll()
		if err != nil {
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		if len(rows) == 0 {
			return nil, nil, fmt.Errorf("csv file is empty")
		}
		return rows[0], rows[1:], nil
	}
}

// columnIndexes locates the required columns in the header row. Accepts the
// usual aliases exported by spreadsheet tools.
func columnIndexes(header []string) (label, lat, lon int, err error) {
	label, lat, lon = -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "label", "name":
			label = i
		case "lat", "latitude":
			lat = i
		case "lon", "lng", "longitude":
			lon = i
		}
	}
	if label < 0 || lat < 0 || lon < 0 {
		return 0, 0, 0, fmt.Errorf("missing required columns: need label, lat, lon (got %v)", header)
	}
	return label, lat, lon, nil
}

func (p *Processor) ingestRows(ctx context.Context, j *job.Job, meta Metadata, source rowSource) error {
	if meta.TaskID == "" {
		return fmt.Errorf("transfer metadata does not name a task")
	}

	header, rows, err := source()
	if err != nil {
		return err
	}
	labelCol, latCol, lonCol, err := columnIndexes(header)
	if err != nil {
		return err
	}

	if err := p.jobs.SetTotal(ctx, j.ID, int64(len(rows))); err != nil {
		return err
	}
	if err := p.jobs.Transition(ctx, j.ID, job.StatusRunning); err != nil {
		return err
	}

	seen, err := p.locs.Labels(ctx, meta.TaskID)
	if err != nil {
		return err
	}
	nextIndex, err := p.locs.NextIndex(ctx, meta.TaskID)
	if err != nil {
		return err
	}

	var succeeded, failed, skipped int64
	batch := make([]location.Location, 0, batchSize)

	flush := func(stage string) error {
		if err := p.locs.BatchInsert(ctx, batch); err != nil {
			return fmt.Errorf("insert locations: %w", err)
		}
		batch = batch[:0]
		return p.jobs.Advance(ctx, j.ID, job.Progress{
			Succeeded: succeeded, Failed: failed, Skipped: skipped, Stage: stage,
		})
	}

	for i, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		label := cell(row, labelCol)
		lat, latErr := strconv.ParseFloat(cell(row, latCol), 64)
		lon, lonErr := strconv.ParseFloat(cell(row, lonCol), 64)

		switch {
		case label == "" || latErr != nil || lonErr != nil ||
			lat < -90 || lat > 90 || lon < -180 || lon > 180:
			failed++
		case seen[label]:
			skipped++
		default:
			seen[label] = true
			batch = append(batch, location.Location{
				TaskID: meta.TaskID,
				Index:  nextIndex,
				Label:  label,
				Lat:    lat,
				Lon:    lon,
			})
			nextIndex++
			succeeded++
		}

		if len(batch) >= batchSize {
			if err := flush(fmt.Sprintf("row %d/%d", i+1, len(rows))); err != nil {
				return err
			}
		}
	}

	return flush(fmt.Sprintf("row %d/%d", len(rows), len(rows)))
}

func (p *Processor) ingestGeoJSON(ctx context.Context, j *job.Job, meta Metadata, r io.Reader) error {
	if meta.LayerName == "" || meta.AttributeKey == "" {
		return fmt.Errorf("geojson upload requires layerName and attributeKey metadata")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return fmt.Errorf("parse geojson: %w", err)
	}

	if err := p.jobs.SetTotal(ctx, j.ID, int64(len(fc.Features))); err != nil {
		return err
	}
	if err := p.jobs.Transition(ctx, j.ID, job.StatusRunning); err != nil {
		return err
	}

	layer, err := p.geo.UpsertLayer(ctx, meta.LayerName, meta.AttributeKey)
	if err != nil {
		return err
	}

	var succeeded, skipped int64
	feats := make([]geometry.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		value := ""
		if v, ok := f.Properties[meta.AttributeKey]; ok {
			value = fmt.Sprint(v)
		}
		if f.Geometry == nil || value == "" {
			skipped++
			continue
		}
		feats = append(feats, geometry.Feature{
			LayerID:        layer.ID,
			AttributeValue: value,
			Geometry:       f.Geometry,
		})
		succeeded++
	}

	if err := p.geo.ReplaceFeatures(ctx, layer.ID, feats); err != nil {
		return err
	}

	return p.jobs.Advance(ctx, j.ID, job.Progress{
		Succeeded: succeeded,
		Skipped:   skipped,
		Stage:     fmt.Sprintf("layer %s: %d features", layer.Name, succeeded),
	})
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
