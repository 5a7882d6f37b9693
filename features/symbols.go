package features

import (
	"reflect"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/traefik/yaegi/interp"
)

// Symbols are the packages of this module available to interpreted feature functions
var Symbols = interp.Exports{
	"github.com/airbusgeo/geocube-featuremap/bands/bands": {
		"Accessor":             reflect.ValueOf((*bands.Accessor)(nil)),
		"Key":                  reflect.ValueOf((*bands.Key)(nil)),
		"Derived":              reflect.ValueOf((*bands.Derived)(nil)),
		"UnknownBandError":     reflect.ValueOf((*bands.UnknownBandError)(nil)),
		"NewKey":               reflect.ValueOf(bands.NewKey),
		"Band":                 reflect.ValueOf(bands.Band),
		"Stack":                reflect.ValueOf(bands.Stack),
		"NormalizedDifference": reflect.ValueOf(bands.NormalizedDifference),
	},
	"github.com/airbusgeo/geocube-featuremap/raster/raster": {
		"Array":                reflect.ValueOf((*raster.Array)(nil)),
		"ShapeError":           reflect.ValueOf((*raster.ShapeError)(nil)),
		"NewArray":             reflect.ValueOf(raster.NewArray),
		"NewPlane":             reflect.ValueOf(raster.NewPlane),
		"Fill":                 reflect.ValueOf(raster.Fill),
		"Concat":               reflect.ValueOf(raster.Concat),
		"Combine":              reflect.ValueOf(raster.Combine),
		"NormalizedDifference": reflect.ValueOf(raster.NormalizedDifference),
		"Divide":               reflect.ValueOf(raster.Divide),
		"IsNaN":                reflect.ValueOf(raster.IsNaN),
		"NaN":                  reflect.ValueOf(&raster.NaN).Elem(),
	},
}
