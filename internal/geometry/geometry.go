// Package geometry stores the loaded boundary layers (council boundaries,
// combined authorities, road classifications, custom attribute layers) used
// by the enhancement processor.
package geometry

import (
	"context"

	"github.com/paulmach/orb"
)

// Layer is one named set of features sharing an attribute key, e.g.
// "council" -> council name per boundary polygon.
type Layer struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	AttributeKey string `json:"attributeKey"`
}

// Feature pairs a geometry with the attribute value it carries.
type Feature struct {
	ID             int64
	LayerID        int64
	AttributeValue string
	Geometry       orb.Geometry
}

type Repository interface {
	// UpsertLayer creates the layer or replaces its features wholesale,
	// returning the layer id. Re-loading a layer is how newly supplied
	// boundary files take effect.
	UpsertLayer(ctx context.Context, name, attributeKey string) (*Layer, error)

	ListLayers(ctx context.Context) ([]Layer, error)

	GetLayerByName(ctx context.Context, name string) (*Layer, error)

	// ReplaceFeatures swaps the layer's feature set atomically.
	ReplaceFeatures(ctx context.Context, layerID int64, feats []Feature) error

	ListFeatures(ctx context.Context, layerID int64) ([]Feature, error)
}
