package evaluator

import (
	"context"
	"fmt"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/godal"
)

// UpstreamName is the name given to the upstream pipeline in errors and metadata
const UpstreamName = "upstream"

// Upstream is a feature pipeline already executed, whose bands are prepended to the custom features
type Upstream interface {
	// Labels returns the labels of the bands, in order
	Labels() []string
	// Read returns the bands of the chunk as a [h, w, len(Labels)] array
	Read(ctx context.Context, tile common.Tile, chunk common.Chunk) (raster.Array, error)
}

// RasterUpstream reads the upstream bands from a raster of the tile (path may contain {tile})
type RasterUpstream struct {
	path   string
	labels []string
}

// NewRasterUpstream creates an Upstream from a raster covering the tiles
func NewRasterUpstream(path string, labels []string) (*RasterUpstream, error) {
	if path == "" || len(labels) == 0 {
		return nil, fmt.Errorf("NewRasterUpstream: a path and labels are required")
	}
	return &RasterUpstream{path: path, labels: append([]string(nil), labels...)}, nil
}

// Labels implements Upstream
func (u *RasterUpstream) Labels() []string {
	return append([]string(nil), u.labels...)
}

// Path returns the path of the raster of the tile
func (u *RasterUpstream) Path(tile string) string {
	return common.FormatBrackets(u.path, map[string]string{"tile": tile})
}

// Read implements Upstream
func (u *RasterUpstream) Read(ctx context.Context, tile common.Tile, chunk common.Chunk) (raster.Array, error) {
	raster.RegisterDrivers()
	p := u.Path(tile.Name)
	ds, err := godal.Open(p, godal.RasterOnly())
	if err != nil {
		return raster.Array{}, fmt.Errorf("upstream.Open[%s]: %w", p, err)
	}
	defer ds.Close()

	st := ds.Structure()
	if st.NBands != len(u.labels) {
		return raster.Array{}, fmt.Errorf("upstream %s: %d bands for %d labels", p, st.NBands, len(u.labels))
	}
	if st.SizeX != tile.Extent.Width || st.SizeY != tile.Extent.Height {
		return raster.Array{}, fmt.Errorf("upstream %s is %dx%d, tile %s is %dx%d", p, st.SizeX, st.SizeY, tile.Name, tile.Extent.Width, tile.Extent.Height)
	}
	idx := make([]int, st.NBands)
	for i := range idx {
		idx[i] = i
	}
	return raster.ReadWindow(ds, idx, chunk.X, chunk.Y, chunk.Width, chunk.Height)
}

// MemoryUpstream is an Upstream whose bands are computed by a function (e.g. in tests)
type MemoryUpstream struct {
	UpstreamLabels []string
	ReadFn         func(tile common.Tile, chunk common.Chunk) (raster.Array, error)
}

// Labels implements Upstream
func (u MemoryUpstream) Labels() []string {
	return u.UpstreamLabels
}

// Read implements Upstream
func (u MemoryUpstream) Read(ctx context.Context, tile common.Tile, chunk common.Chunk) (raster.Array, error) {
	return u.ReadFn(tile, chunk)
}
