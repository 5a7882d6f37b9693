// Package chunk partitions the pixel grid of a tile into rectangular chunks.
//
// Chunks are indexed row-major. Every chunk geometry can be computed on its own
// (Targeted) so that independent processes agree on the partition without sharing state.
package chunk

import (
	"fmt"
	"math"

	"github.com/airbusgeo/geocube-featuremap/common"
)

// Policy defines how a tile is split
type Policy = common.ChunkPolicy

// ByCount splits a tile into n chunks of nearly equal sizes
func ByCount(n int) Policy {
	return Policy{Mode: common.ChunkModeByCount, Count: n}
}

// BySize splits a tile into chunks of width x height pixels (truncated on the last row and column)
func BySize(width, height int) Policy {
	return Policy{Mode: common.ChunkModeBySize, Width: width, Height: height}
}

// RangeError is returned when a chunk index is not in [0, Count)
type RangeError struct {
	Index int
	Count int
}

func (e RangeError) Error() string {
	return fmt.Sprintf("chunk index %d out of range [0, %d)", e.Index, e.Count)
}

// PolicyError is returned when a policy cannot be applied to a tile
type PolicyError struct {
	Policy Policy
	Width  int
	Height int
	Reason string
}

func (e PolicyError) Error() string {
	return fmt.Sprintf("invalid chunk policy %s (count=%d, size=%dx%d) for a %dx%d tile: %s",
		e.Policy.Mode, e.Policy.Count, e.Policy.Width, e.Policy.Height, e.Width, e.Height, e.Reason)
}

// grid is the partition of each axis
type grid struct {
	x, y axis
}

// axis splits length pixels into n parts.
// fixed > 0: parts of fixed pixels, the last one truncated.
// fixed == 0: parts of length/n pixels, the last length%n parts being one pixel larger.
type axis struct {
	length int
	n      int
	fixed  int
}

func (a axis) part(k int) (offset, size int) {
	if a.fixed > 0 {
		offset = k * a.fixed
		size = a.fixed
		if offset+size > a.length {
			size = a.length - offset
		}
		return
	}
	base, rem := a.length/a.n, a.length%a.n
	first := a.n - rem // index of the first enlarged part
	offset = k * base
	if k > first {
		offset += k - first
	}
	size = base
	if k >= first {
		size++
	}
	return
}

func newGrid(width, height int, p Policy) (grid, error) {
	if width <= 0 || height <= 0 {
		return grid{}, PolicyError{p, width, height, "empty tile"}
	}
	switch p.Mode {
	case common.ChunkModeBySize:
		if p.Width <= 0 || p.Height <= 0 {
			return grid{}, PolicyError{p, width, height, "chunk size must be positive"}
		}
		return grid{
			x: axis{length: width, n: ceilDiv(width, p.Width), fixed: p.Width},
			y: axis{length: height, n: ceilDiv(height, p.Height), fixed: p.Height},
		}, nil
	case common.ChunkModeByCount:
		if p.Count <= 0 {
			return grid{}, PolicyError{p, width, height, "chunk count must be positive"}
		}
		nx, ny, ok := factor(width, height, p.Count)
		if !ok {
			return grid{}, PolicyError{p, width, height, "no grid of non-empty chunks"}
		}
		return grid{x: axis{length: width, n: nx}, y: axis{length: height, n: ny}}, nil
	}
	return grid{}, PolicyError{p, width, height, "unknown mode"}
}

// factor returns the nx x ny = n grid whose cells are the closest to squares.
// Ties are broken in favor of the smallest nx.
func factor(width, height, n int) (nx, ny int, ok bool) {
	best := math.Inf(1)
	for x := 1; x <= n; x++ {
		if n%x != 0 {
			continue
		}
		y := n / x
		if x > width || y > height {
			continue
		}
		score := math.Abs(math.Log((float64(width) / float64(x)) / (float64(height) / float64(y))))
		if score < best-1e-12 {
			best, nx, ny, ok = score, x, y, true
		}
	}
	return
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func (g grid) count() int {
	return g.x.n * g.y.n
}

func (g grid) chunk(index int) common.Chunk {
	i, j := index%g.x.n, index/g.x.n
	x, w := g.x.part(i)
	y, h := g.y.part(j)
	return common.Chunk{Index: index, X: x, Y: y, Width: w, Height: h}
}

// Count returns the number of chunks of a width x height tile
func Count(width, height int, p Policy) (int, error) {
	g, err := newGrid(width, height, p)
	if err != nil {
		return 0, err
	}
	return g.count(), nil
}

// Plan returns all the chunks of a width x height tile, ordered by index (row-major).
// They cover the tile exactly once.
func Plan(width, height int, p Policy) ([]common.Chunk, error) {
	g, err := newGrid(width, height, p)
	if err != nil {
		return nil, err
	}
	chunks := make([]common.Chunk, g.count())
	for i := range chunks {
		chunks[i] = g.chunk(i)
	}
	return chunks, nil
}

// Targeted returns the chunk #index of a width x height tile without computing the others.
// Raise RangeError
func Targeted(width, height int, p Policy, index int) (common.Chunk, error) {
	g, err := newGrid(width, height, p)
	if err != nil {
		return common.Chunk{}, err
	}
	if index < 0 || index >= g.count() {
		return common.Chunk{}, RangeError{Index: index, Count: g.count()}
	}
	return g.chunk(index), nil
}

// PlanTile returns the chunks of the tile, tagged with its name
func PlanTile(tile common.Tile, p Policy) ([]common.Chunk, error) {
	chunks, err := Plan(tile.Extent.Width, tile.Extent.Height, p)
	if err != nil {
		return nil, fmt.Errorf("PlanTile[%s]: %w", tile.Name, err)
	}
	for i := range chunks {
		chunks[i].Tile = tile.Name
	}
	return chunks, nil
}

// TargetedTile returns the chunk #index of the tile, tagged with its name
func TargetedTile(tile common.Tile, p Policy, index int) (common.Chunk, error) {
	c, err := Targeted(tile.Extent.Width, tile.Extent.Height, p, index)
	if err != nil {
		return c, fmt.Errorf("TargetedTile[%s]: %w", tile.Name, err)
	}
	c.Tile = tile.Name
	return c, nil
}
