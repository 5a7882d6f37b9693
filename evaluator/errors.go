package evaluator

import (
	"fmt"

	"github.com/airbusgeo/geocube-featuremap/common"
)

// LabelCountMismatchError is returned when a function emits a number of bands different from its number of labels
type LabelCountMismatchError struct {
	Function string
	Chunk    common.Chunk
	Bands    int
	Labels   int
}

func (e LabelCountMismatchError) Error() string {
	return fmt.Sprintf("feature function %s on tile %s chunk %d: %d bands for %d labels",
		e.Function, e.Chunk.Tile, e.Chunk.Index, e.Bands, e.Labels)
}

// ShapeMismatchError is returned when a function emits bands that are not shaped as the chunk
type ShapeMismatchError struct {
	Function string
	Chunk    common.Chunk
	Width    int
	Height   int
	// Values is the length of the data of the bands, when it does not match their shape
	Values int
}

func (e ShapeMismatchError) Error() string {
	if e.Width == e.Chunk.Width && e.Height == e.Chunk.Height {
		return fmt.Sprintf("feature function %s on tile %s chunk %d: %d values for %dx%d bands",
			e.Function, e.Chunk.Tile, e.Chunk.Index, e.Values, e.Width, e.Height)
	}
	return fmt.Sprintf("feature function %s on tile %s chunk %d: %dx%d bands, expected %dx%d",
		e.Function, e.Chunk.Tile, e.Chunk.Index, e.Width, e.Height, e.Chunk.Width, e.Chunk.Height)
}

// DuplicateLabelError is returned when two bands of a chunk have the same label
type DuplicateLabelError struct {
	Label     string
	Chunk     common.Chunk
	Functions [2]string // first and second emitters
}

func (e DuplicateLabelError) Error() string {
	return fmt.Sprintf("label %s emitted by %s and %s on tile %s chunk %d",
		e.Label, e.Functions[0], e.Functions[1], e.Chunk.Tile, e.Chunk.Index)
}

// NoBandError is returned when no band at all is emitted for a chunk
type NoBandError struct {
	Chunk common.Chunk
}

func (e NoBandError) Error() string {
	return fmt.Sprintf("no feature band emitted on tile %s chunk %d", e.Chunk.Tile, e.Chunk.Index)
}
