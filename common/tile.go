package common

import (
	"fmt"
	"math"

	"github.com/go-spatial/geom"
)

// BandKey identifies a band of a sensor (raw band or derived index)
type BandKey struct {
	Sensor string `json:"sensor"`
	Band   string `json:"band"`
}

func (k BandKey) String() string {
	return k.Sensor + "." + k.Band
}

// Extent is the pixel grid of a tile: origin (upper-left corner), pixel size and size in pixels.
// PixelSizeY is negative for north-up rasters.
type Extent struct {
	OriginX    float64 `json:"origin_x"`
	OriginY    float64 `json:"origin_y"`
	PixelSizeX float64 `json:"pixel_size_x"`
	PixelSizeY float64 `json:"pixel_size_y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// ExtentFromGeoTransform creates an extent from a GDAL geotransform
func ExtentFromGeoTransform(gt [6]float64, width, height int) Extent {
	return Extent{OriginX: gt[0], OriginY: gt[3], PixelSizeX: gt[1], PixelSizeY: gt[5], Width: width, Height: height}
}

// GeoTransform returns the GDAL geotransform of the extent
func (e Extent) GeoTransform() [6]float64 {
	return [6]float64{e.OriginX, e.PixelSizeX, 0, e.OriginY, 0, e.PixelSizeY}
}

// Window returns the extent of the sub-window (x, y, width, height) in pixels
func (e Extent) Window(x, y, width, height int) Extent {
	return Extent{
		OriginX:    e.OriginX + float64(x)*e.PixelSizeX,
		OriginY:    e.OriginY + float64(y)*e.PixelSizeY,
		PixelSizeX: e.PixelSizeX,
		PixelSizeY: e.PixelSizeY,
		Width:      width,
		Height:     height,
	}
}

// AlmostEqual returns true if both extents have the same size and the same geotransform, up to a tenth of a pixel
func (e Extent) AlmostEqual(o Extent) bool {
	if e.Width != o.Width || e.Height != o.Height {
		return false
	}
	tolX, tolY := math.Abs(e.PixelSizeX)/10, math.Abs(e.PixelSizeY)/10
	return math.Abs(e.OriginX-o.OriginX) <= tolX && math.Abs(e.OriginY-o.OriginY) <= tolY &&
		math.Abs(e.PixelSizeX-o.PixelSizeX)*float64(e.Width) <= tolX &&
		math.Abs(e.PixelSizeY-o.PixelSizeY)*float64(e.Height) <= tolY
}

// Bounds returns the geographic bounds of the extent (minx, miny, maxx, maxy)
func (e Extent) Bounds() geom.Extent {
	x0, x1 := e.OriginX, e.OriginX+float64(e.Width)*e.PixelSizeX
	y0, y1 := e.OriginY, e.OriginY+float64(e.Height)*e.PixelSizeY
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	return geom.Extent{x0, y0, x1, y1}
}

// Polygon returns the footprint of the extent
func (e Extent) Polygon() geom.Polygon {
	b := e.Bounds()
	return geom.Polygon{{{b[0], b[1]}, {b[2], b[1]}, {b[2], b[3]}, {b[0], b[3]}}}
}

// Tile is a fixed-extent raster coverage unit.
// It is read-only once the pipeline stages begin.
type Tile struct {
	Name   string    `json:"name"`
	Extent Extent    `json:"extent"`
	CRS    string    `json:"crs"`
	Bands  []BandKey `json:"bands,omitempty"`
}

// Chunk is a rectangular pixel sub-window of a tile
type Chunk struct {
	Tile   string `json:"tile,omitempty"`
	Index  int    `json:"index"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s[%d](%d,%d,%d,%d)", c.Tile, c.Index, c.X, c.Y, c.Width, c.Height)
}

// Extent returns the extent of the chunk, given the extent of its tile
func (c Chunk) Extent(tile Extent) Extent {
	return tile.Window(c.X, c.Y, c.Width, c.Height)
}

// Inside returns true if the chunk is a non-empty window of a width x height grid
func (c Chunk) Inside(width, height int) bool {
	return c.X >= 0 && c.Y >= 0 && c.Width > 0 && c.Height > 0 && c.X+c.Width <= width && c.Y+c.Height <= height
}
