package bands

import (
	"fmt"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/raster"
)

// Accessor exposes the bands of one chunk of a tile.
// Arrays returned by Get are shaped as the chunk and owned by the caller.
// An Accessor is not safe for concurrent use.
type Accessor interface {
	// Chunk returns the chunk whose window is exposed
	Chunk() common.Chunk
	// Keys returns the available raw and derived bands, sorted
	Keys() []Key
	// Get returns the band as a one-plane array
	// Raise UnknownBandError
	Get(key Key) (raster.Array, error)
}

// Band is a shortcut for acc.Get(NewKey(sensor, band))
func Band(acc Accessor, sensor, band string) (raster.Array, error) {
	return acc.Get(NewKey(sensor, band))
}

// Stack returns the bands of the sensor stacked as a multi-plane array, in the given order
func Stack(acc Accessor, sensor string, bands ...string) (raster.Array, error) {
	planes := make([]raster.Array, len(bands))
	for i, b := range bands {
		var err error
		if planes[i], err = Band(acc, sensor, b); err != nil {
			return raster.Array{}, err
		}
	}
	return raster.Concat(planes...)
}

// rawSource provides the raw bands of a chunk
type rawSource interface {
	has(key Key) bool
	keys() []Key
	read(key Key, chunk common.Chunk) (raster.Array, error)
}

// maxDerivationDepth bounds the resolution of derived bands (cycles)
const maxDerivationDepth = 16

// accessor implements Accessor on top of a rawSource, with derived bands and a per-chunk cache
type accessor struct {
	chunk   common.Chunk
	raw     rawSource
	derived map[Key]Derived
	cache   map[Key]raster.Array
}

func newAccessor(chunk common.Chunk, raw rawSource, extra []Derived) *accessor {
	a := &accessor{
		chunk:   chunk,
		raw:     raw,
		derived: map[Key]Derived{},
		cache:   map[Key]raster.Array{},
	}
	for _, d := range append(DefaultDerived(), extra...) {
		a.derived[d.Key] = d
	}
	return a
}

// Chunk implements Accessor
func (a *accessor) Chunk() common.Chunk {
	return a.chunk
}

// Keys implements Accessor
func (a *accessor) Keys() []Key {
	keys := a.raw.keys()
	for k := range a.derived {
		if !a.raw.has(k) && a.available(k, 0) {
			keys = append(keys, k)
		}
	}
	return sortKeys(keys)
}

func (a *accessor) available(key Key, depth int) bool {
	if a.raw.has(key) {
		return true
	}
	d, ok := a.derived[key]
	if !ok || depth > maxDerivationDepth {
		return false
	}
	for _, in := range d.Inputs {
		if !a.available(in, depth+1) {
			return false
		}
	}
	return true
}

// Get implements Accessor
func (a *accessor) Get(key Key) (raster.Array, error) {
	v, err := a.get(key, 0)
	if err != nil {
		return raster.Array{}, err
	}
	return v.Clone(), nil
}

func (a *accessor) get(key Key, depth int) (raster.Array, error) {
	if v, ok := a.cache[key]; ok {
		return v, nil
	}
	var v raster.Array
	var err error
	if a.raw.has(key) {
		if v, err = a.raw.read(key, a.chunk); err != nil {
			return raster.Array{}, fmt.Errorf("band %s: %w", key, err)
		}
	} else if d, ok := a.derived[key]; ok {
		if depth > maxDerivationDepth {
			return raster.Array{}, DerivationError{Key: key, Err: fmt.Errorf("too many levels of derivation")}
		}
		inputs := make([]raster.Array, len(d.Inputs))
		for i, in := range d.Inputs {
			v, err := a.get(in, depth+1)
			if err != nil {
				return raster.Array{}, DerivationError{Key: key, Err: err}
			}
			inputs[i] = v.Clone()
		}
		if v, err = d.Compute(inputs...); err != nil {
			return raster.Array{}, DerivationError{Key: key, Err: err}
		}
	} else {
		return raster.Array{}, UnknownBandError{Key: key, Chunk: a.chunk}
	}
	if v.Width != a.chunk.Width || v.Height != a.chunk.Height || v.Depth != 1 {
		return raster.Array{}, raster.ShapeError{Op: "band " + key.String(), Expected: [3]int{a.chunk.Height, a.chunk.Width, 1}, Got: v.Shape()}
	}
	a.cache[key] = v
	return v, nil
}

type memorySource map[Key]raster.Array

func (m memorySource) has(key Key) bool {
	_, ok := m[key]
	return ok
}

func (m memorySource) keys() []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func (m memorySource) read(key Key, chunk common.Chunk) (raster.Array, error) {
	return m[key], nil
}

// NewMemoryAccessor returns an accessor on bands already loaded in memory, shaped as the chunk
func NewMemoryAccessor(chunk common.Chunk, bands map[Key]raster.Array, extra ...Derived) Accessor {
	src := memorySource{}
	for k, v := range bands {
		src[NewKey(k.Sensor, k.Band)] = v
	}
	return newAccessor(chunk, src, extra)
}
