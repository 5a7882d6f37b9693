// Package bands exposes the sensor bands of a tile, and the indices derived from them,
// as arrays cropped to a chunk.
package bands

import (
	"fmt"
	"sort"

	"github.com/airbusgeo/geocube-featuremap/common"
)

// Key identifies a raw or derived band of a sensor
type Key = common.BandKey

// NewKey returns the key of the band of the sensor, the name of the sensor being normalized
// (e.g. "s2", "sentinel-2" => "Sentinel2")
func NewKey(sensor, band string) Key {
	return Key{Sensor: common.SensorName(sensor), Band: band}
}

// UnknownBandError is returned when a key is neither a raw nor a derived band of the accessor
type UnknownBandError struct {
	Key   Key
	Chunk common.Chunk
}

func (e UnknownBandError) Error() string {
	return fmt.Sprintf("unknown band %s for chunk %s", e.Key, e.Chunk)
}

// DerivationError is returned when a derived band cannot be computed from its inputs
type DerivationError struct {
	Key Key
	Err error
}

func (e DerivationError) Error() string {
	return fmt.Sprintf("derived band %s: %v", e.Key, e.Err)
}

func (e DerivationError) Unwrap() error {
	return e.Err
}

func sortKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Sensor != keys[j].Sensor {
			return keys[i].Sensor < keys[j].Sensor
		}
		return keys[i].Band < keys[j].Band
	})
	return keys
}
