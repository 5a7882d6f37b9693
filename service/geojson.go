package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
)

// Footprint is a polygon with its properties
type Footprint struct {
	Polygon    geom.Polygon
	Properties map[string]interface{}
}

// FeatureCollection converts the footprints to a geojson FeatureCollection
func FeatureCollection(footprints []Footprint) geojson.FeatureCollection {
	fc := geojson.FeatureCollection{Features: make([]geojson.Feature, len(footprints))}
	for i, f := range footprints {
		fc.Features[i] = geojson.Feature{
			Geometry:   geojson.Geometry{Geometry: f.Polygon},
			Properties: f.Properties,
		}
	}
	return fc
}

// UnmarshalGeometry, merging featureCollections and geometryCollections into a multipolygon
func UnmarshalGeometry(data []byte) (_ geom.Geometry, err error) {
	var g geojson.Geometry
	if err := g.UnmarshalJSON(data); err != nil {
		return g.Geometry, err
	}
	switch geo := g.Geometry.(type) {
	case geojson.FeatureCollection:
		var mp geom.MultiPolygon
		for _, f := range geo.Features {
			mergeMultiPolygons(f.Geometry.Geometry, &mp)
		}
		return mp, nil
	case geojson.Feature:
		return geo.Geometry.Geometry, nil
	default:
		return g.Geometry, nil
	}
}

func mergeMultiPolygons(g geom.Geometry, mp *geom.MultiPolygon) {
	switch g := g.(type) {
	case geom.MultiPolygon:
		*mp = append(*mp, g.Polygons()...)
	case geom.Polygon:
		*mp = append(*mp, g.LinearRings())
	case geom.Collection:
		for _, g := range g.Geometries() {
			mergeMultiPolygons(g, mp)
		}
	}
}

// ToJSON writes v as json in workingdir/filename
func ToJSON(v interface{}, workingdir, filename string) error {
	vb, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("toJSON.Marshal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workingdir, filename), vb, 0644); err != nil {
		return fmt.Errorf("toJSON.WriteFile: %w", err)
	}
	return nil
}
