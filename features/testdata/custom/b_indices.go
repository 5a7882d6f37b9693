package custom

import (
	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/raster"
)

func Ndvi(acc bands.Accessor) (raster.Array, []string, error) {
	ndvi, err := bands.Band(acc, "Sentinel2", "NDVI")
	if err != nil {
		return raster.Array{}, nil, err
	}
	return ndvi, []string{"ndvi_1"}, nil
}

// Scale is not a feature function
func Scale(v float32) float32 {
	return 2 * v
}

func Reflectances(acc bands.Accessor) (raster.Array, []string) {
	s, err := bands.Stack(acc, "Sentinel2", "B4", "B8")
	if err != nil {
		panic(err)
	}
	return s, []string{"b4", "b8"}
}
