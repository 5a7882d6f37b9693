package bands

import (
	"math"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/raster"
)

// Derived is a band computed from other bands (raw or derived) of the same accessor.
// Compute receives copies of the inputs in the order of Inputs, each shaped as the chunk:
// it may modify or return them without altering the bands cached by the accessor.
// An undefined pixel (e.g. zero denominator) must be set to raster.NaN, never reported as an error.
type Derived struct {
	Key     Key
	Inputs  []Key
	Compute func(inputs ...raster.Array) (raster.Array, error)
}

// NormalizedDifference returns the derived band (a-b)/(a+b) of the sensor
func NormalizedDifference(sensor, name, a, b string) Derived {
	return Derived{
		Key:    NewKey(sensor, name),
		Inputs: []Key{NewKey(sensor, a), NewKey(sensor, b)},
		Compute: func(in ...raster.Array) (raster.Array, error) {
			return raster.NormalizedDifference(in[0], in[1])
		},
	}
}

// Ratio returns the derived band a/b of the sensor
func Ratio(sensor, name, a, b string) Derived {
	return Derived{
		Key:    NewKey(sensor, name),
		Inputs: []Key{NewKey(sensor, a), NewKey(sensor, b)},
		Compute: func(in ...raster.Array) (raster.Array, error) {
			return raster.Combine(func(v ...float32) float32 { return raster.Divide(v[0], v[1]) }, in[0], in[1])
		},
	}
}

// Brightness returns the derived band sqrt(sum(b²)) of the bands of the sensor
func Brightness(sensor string, bands ...string) Derived {
	d := Derived{Key: NewKey(sensor, "BRIGHTNESS")}
	for _, b := range bands {
		d.Inputs = append(d.Inputs, NewKey(sensor, b))
	}
	d.Compute = func(in ...raster.Array) (raster.Array, error) {
		return raster.Combine(func(v ...float32) float32 {
			var s float64
			for _, x := range v {
				s += float64(x) * float64(x)
			}
			return float32(math.Sqrt(s))
		}, in...)
	}
	return d
}

// DefaultDerived returns the indices available for every accessor whose raw bands allow them
func DefaultDerived() []Derived {
	s1 := common.Sentinel1.String()
	s2 := common.Sentinel2.String()
	derived := []Derived{
		Ratio(s1, "VH_VV", "VH", "VV"),

		NormalizedDifference(s2, "NDVI", "B8", "B4"),
		NormalizedDifference(s2, "NDWI", "B3", "B8"),
		NormalizedDifference(s2, "NDSI", "B3", "B11"),
		NormalizedDifference(s2, "NDBI", "B11", "B8"),
		NormalizedDifference(s2, "NDRE", "B8", "B5"),
		Brightness(s2, "B2", "B3", "B4", "B8"),
	}
	for _, l := range []common.Sensor{common.Landsat8, common.Landsat9} {
		s := l.String()
		derived = append(derived,
			NormalizedDifference(s, "NDVI", "B5", "B4"),
			NormalizedDifference(s, "NDWI", "B3", "B5"),
			NormalizedDifference(s, "NDSI", "B3", "B6"),
			NormalizedDifference(s, "NDBI", "B6", "B5"),
			Brightness(s, "B2", "B3", "B4", "B5"),
		)
	}
	return derived
}
