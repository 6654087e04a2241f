// Package enhance spatially joins a task's locations against the loaded
// geometry layers, writing matched attribute values onto each location.
package enhance

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/huzipatel/rad-labelling-sub000/internal/geometry"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
	"github.com/huzipatel/rad-labelling-sub000/internal/location"
)

const advanceEvery = 50

// Processor implements job.Processor for enhancement jobs. OwnerRef is the
// task whose locations are enhanced. Re-running overwrites prior values, so
// newly loaded layers can be applied retroactively.
type Processor struct {
	locs location.Repository
	geo  geometry.Repository
	jobs *job.Service
}

func NewProcessor(locs location.Repository, geo geometry.Repository, jobs *job.Service) *Processor {
	return &Processor{locs: locs, geo: geo, jobs: jobs}
}

func (p *Processor) Process(ctx context.Context, j *job.Job) error {
	locs, err := p.locs.ListByTask(ctx, j.OwnerRef)
	if err != nil {
		return p.fail(ctx, j, fmt.Errorf("load locations: %w", err))
	}
	if err := p.jobs.SetTotal(ctx, j.ID, int64(len(locs))); err != nil {
		return err
	}

	layers, err := p.geo.ListLayers(ctx)
	if err != nil {
		return p.fail(ctx, j, fmt.Errorf("load layers: %w", err))
	}

	type loadedLayer struct {
		geometry.Layer
		features []geometry.Feature
	}
	loaded := make([]loadedLayer, 0, len(layers))
	for _, l := range layers {
		feats, err := p.geo.ListFeatures(ctx, l.ID)
		if err != nil {
			return p.fail(ctx, j, fmt.Errorf("load features of layer %s: %w", l.Name, err))
		}
		loaded = append(loaded, loadedLayer{Layer: l, features: feats})
	}

	var matched, unmatched int64
	for i := range locs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		point := orb.Point{locs[i].Lon, locs[i].Lat}
		enh := make(map[string]string)
		for _, l := range loaded {
			for _, f := range l.features {
				if contains(f.Geometry, point) {
					enh[l.AttributeKey] = f.AttributeValue
					break
				}
			}
		}

		// No matching geometry is not an error: the location counts as
		// processed with its enhancement fields left empty.
		if err := p.locs.SetEnhancements(ctx, locs[i].ID, enh); err != nil {
			return p.fail(ctx, j, fmt.Errorf("write enhancements: %w", err))
		}
		if len(enh) > 0 {
			matched++
		} else {
			unmatched++
		}

		if (i+1)%advanceEvery == 0 {
			_ = p.jobs.Advance(ctx, j.ID, job.Progress{
				Succeeded: matched,
				Skipped:   unmatched,
				Stage:     fmt.Sprintf("location %d/%d", i+1, len(locs)),
			})
		}
	}

	if err := p.jobs.Advance(ctx, j.ID, job.Progress{
		Succeeded: matched,
		Skipped:   unmatched,
		Stage:     fmt.Sprintf("location %d/%d", len(locs), len(locs)),
	}); err != nil {
		return err
	}
	return p.jobs.Transition(ctx, j.ID, job.StatusCompleted)
}

func (p *Processor) fail(ctx context.Context, j *job.Job, err error) error {
	_ = p.jobs.Fail(ctx, j.ID, err.Error())
	return err
}

func contains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	default:
		return false
	}
}
