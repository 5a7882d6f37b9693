package custom

import (
	"errors"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/raster"
)

func Water(acc bands.Accessor) (raster.Array, []string, error) {
	b8, err := bands.Band(acc, "Sentinel2", "B8")
	if err != nil {
		return raster.Array{}, nil, err
	}
	w, err := raster.Combine(func(v ...float32) float32 {
		if v[0] < 0.1 {
			return 1
		}
		return 0
	}, b8)
	return w, []string{"water"}, err
}

func Failing(acc bands.Accessor) (raster.Array, []string, error) {
	return raster.Array{}, nil, errors.New("no cloud mask")
}

func helper() {}
