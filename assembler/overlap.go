package assembler

import (
	"math"

	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/dhconnelly/rtreego"
)

type footprint struct {
	chunk string
	rect  rtreego.Rect
}

func (f footprint) Bounds() rtreego.Rect {
	return f.rect
}

// checkOverlaps returns an OverlapError if the footprints of two chunks overlap.
// Footprints are shrunk by a quarter of pixel, so that adjacent chunks do not intersect.
func checkOverlaps(chunks []string, infos []raster.Info) error {
	tree := rtreego.NewTree(2, 25, 50)
	for i, info := range infos {
		b := info.Extent.Bounds()
		mx, my := math.Abs(info.Extent.PixelSizeX)/4, math.Abs(info.Extent.PixelSizeY)/4
		rect, err := rtreego.NewRect(rtreego.Point{b[0] + mx, b[1] + my}, []float64{b[2] - b[0] - 2*mx, b[3] - b[1] - 2*my})
		if err != nil {
			return InconsistentGridError{Chunk: chunks[i], Reason: err.Error()}
		}
		if found := tree.SearchIntersect(rect); len(found) > 0 {
			return OverlapError{Chunks: [2]string{found[0].(footprint).chunk, chunks[i]}}
		}
		tree.Insert(footprint{chunk: chunks[i], rect: rect})
	}
	return nil
}
