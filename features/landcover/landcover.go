// Package landcover is the built-in feature module "landcover".
// Its functions emit no band when the sensor they need is not in the layout of the tile.
package landcover

import (
	"strings"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/features"
	"github.com/airbusgeo/geocube-featuremap/raster"
)

// Module is the name of the module
const Module = "landcover"

func init() {
	features.Register(Module, "SpectralIndices", SpectralIndices)
	features.Register(Module, "Brightness", Brightness)
	features.Register(Module, "RedEdge", RedEdge)
	features.Register(Module, "RadarRatio", RadarRatio)
}

// optical returns the optical sensor available in the accessor (Sentinel2 first)
func optical(acc bands.Accessor) (string, bool) {
	for _, s := range []common.Sensor{common.Sentinel2, common.Landsat8, common.Landsat9} {
		if hasBand(acc, s.String(), "NDVI") {
			return s.String(), true
		}
	}
	return "", false
}

func hasBand(acc bands.Accessor, sensor, band string) bool {
	k := bands.NewKey(sensor, band)
	for _, key := range acc.Keys() {
		if key == k {
			return true
		}
	}
	return false
}

// indices returns the available indices among names, and their labels
func indices(acc bands.Accessor, sensor string, names ...string) (raster.Array, []string, error) {
	var planes []raster.Array
	var labels []string
	for _, name := range names {
		if !hasBand(acc, sensor, name) {
			continue
		}
		p, err := bands.Band(acc, sensor, name)
		if err != nil {
			return raster.Array{}, nil, err
		}
		planes = append(planes, p)
		labels = append(labels, strings.ToLower(name))
	}
	a, err := raster.Concat(planes...)
	return a, labels, err
}

// SpectralIndices emits the normalized differences NDVI, NDWI, NDSI and NDBI of the optical sensor
func SpectralIndices(acc bands.Accessor) (raster.Array, []string, error) {
	sensor, ok := optical(acc)
	if !ok {
		return raster.Array{}, nil, nil
	}
	return indices(acc, sensor, "NDVI", "NDWI", "NDSI", "NDBI")
}

// Brightness emits the brightness of the optical sensor
func Brightness(acc bands.Accessor) (raster.Array, []string, error) {
	sensor, ok := optical(acc)
	if !ok {
		return raster.Array{}, nil, nil
	}
	return indices(acc, sensor, "BRIGHTNESS")
}

// RedEdge emits the normalized difference red edge index of Sentinel2
func RedEdge(acc bands.Accessor) (raster.Array, []string, error) {
	return indices(acc, common.Sentinel2.String(), "NDRE")
}

// RadarRatio emits the VH/VV ratio of Sentinel1
func RadarRatio(acc bands.Accessor) (raster.Array, []string, error) {
	return indices(acc, common.Sentinel1.String(), "VH_VV")
}
