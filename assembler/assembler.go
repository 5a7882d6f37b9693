package assembler

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options of the merge
type Options struct {
	// DataType of the FeatureMap (default: Float32)
	DataType string
	// CreationOptions of the FeatureMap (default: raster.DefaultCreationOptions)
	CreationOptions map[string]string
	// Resolution of the FeatureMap, in CRS units (default: resolution of the chunks)
	Resolution float64
	// KeepChunks prevents the deletion of the ChunkRasters after a successful merge
	KeepChunks bool
}

// Result of the merge
type Result struct {
	Path   string
	Labels []string
	Chunks int
}

// InconsistentBandsError is returned when a ChunkRaster does not have the bands of the others
type InconsistentBandsError struct {
	Chunk    string
	Expected []string
	Got      []string
}

func (e InconsistentBandsError) Error() string {
	return fmt.Sprintf("chunk %s has bands %v, expected %v", e.Chunk, e.Got, e.Expected)
}

// InconsistentGridError is returned when the ChunkRasters do not share the same CRS and pixel size
type InconsistentGridError struct {
	Chunk  string
	Reason string
}

func (e InconsistentGridError) Error() string {
	return fmt.Sprintf("chunk %s: %s", e.Chunk, e.Reason)
}

// OverlapError is returned when the footprints of two ChunkRasters overlap
type OverlapError struct {
	Chunks [2]string
}

func (e OverlapError) Error() string {
	return fmt.Sprintf("chunks %s and %s overlap", e.Chunks[0], e.Chunks[1])
}

// Assemble checks that the ChunkRasters are consistent and merges them into one FeatureMap written atomically at output.
// The merge is a pure mosaic: no resampling occurs unless Options.Resolution differs from the chunks'.
func Assemble(ctx context.Context, chunks []string, output string, opts Options) (Result, error) {
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("Assemble: no chunk to merge")
	}
	if opts.DataType == "" {
		opts.DataType = "Float32"
	}
	if !raster.ValidDataType(opts.DataType) {
		return Result{}, fmt.Errorf("Assemble: unsupported data type %s", opts.DataType)
	}
	if opts.CreationOptions == nil {
		opts.CreationOptions = raster.DefaultCreationOptions()
	}
	ctx = log.With(ctx, "output", output)

	infos, err := check(chunks)
	if err != nil {
		return Result{}, err
	}
	ref := infos[0]
	if err := checkOverlaps(chunks, infos); err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return Result{}, fmt.Errorf("Assemble.MkdirAll: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(output), "."+filepath.Base(output)+"."+uuid.New().String())
	defer os.Remove(tmp + ".vrt")
	if err := merge(chunks, tmp, ref, opts); err != nil {
		os.Remove(tmp + ".tif")
		return Result{}, err
	}

	metadata := map[string]string{
		common.MetadataFeatureLabels: raster.JoinList(ref.Labels),
	}
	for _, k := range []string{common.MetadataFeatureFunctions, common.MetadataModule} {
		if v, ok := ref.Metadata[k]; ok {
			metadata[k] = v
		}
	}
	if err := raster.SetLabels(tmp+".tif", ref.Labels, metadata); err != nil {
		os.Remove(tmp + ".tif")
		return Result{}, fmt.Errorf("Assemble: %w", err)
	}
	if err := os.Rename(tmp+".tif", output); err != nil {
		os.Remove(tmp + ".tif")
		return Result{}, fmt.Errorf("Assemble.Rename: %w", err)
	}
	log.Logger(ctx).Info("feature map assembled", zap.Int("chunks", len(chunks)), zap.Int("bands", ref.NBands))

	if !opts.KeepChunks {
		for _, c := range chunks {
			if err := os.Remove(c); err != nil {
				log.Logger(ctx).Warn("unable to delete chunk", zap.String("chunk", c), zap.Error(err))
			}
		}
	}
	return Result{Path: output, Labels: ref.Labels, Chunks: len(chunks)}, nil
}

// check returns the description of the chunks, if they all have the same bands, CRS and pixel size
func check(chunks []string) ([]raster.Info, error) {
	infos := make([]raster.Info, len(chunks))
	for i, c := range chunks {
		info, err := raster.Describe(c)
		if err != nil {
			return nil, err
		}
		infos[i] = info
		if i == 0 {
			if info.NBands == 0 || len(info.Labels) != info.NBands {
				return nil, fmt.Errorf("chunk %s: %d bands for %d labels", c, info.NBands, len(info.Labels))
			}
			continue
		}
		ref := infos[0]
		if info.NBands != ref.NBands || !reflect.DeepEqual(info.Labels, ref.Labels) {
			return nil, InconsistentBandsError{Chunk: c, Expected: ref.Labels, Got: info.Labels}
		}
		if !almostEqual(info.Extent.PixelSizeX, ref.Extent.PixelSizeX) || !almostEqual(info.Extent.PixelSizeY, ref.Extent.PixelSizeY) {
			return nil, InconsistentGridError{Chunk: c, Reason: fmt.Sprintf("pixel size %f,%f, expected %f,%f",
				info.Extent.PixelSizeX, info.Extent.PixelSizeY, ref.Extent.PixelSizeX, ref.Extent.PixelSizeY)}
		}
		if info.Projection != ref.Projection {
			return nil, InconsistentGridError{Chunk: c, Reason: "CRS differs from " + chunks[0]}
		}
	}
	return infos, nil
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// merge builds a VRT of the chunks and translates it into tmp.tif
func merge(chunks []string, tmp string, ref raster.Info, opts Options) error {
	raster.RegisterDrivers()
	vrt, err := godal.BuildVRT(tmp+".vrt", chunks, []string{"-r", "near"})
	if err != nil {
		return fmt.Errorf("Assemble.BuildVRT: %w", err)
	}
	defer vrt.Close()

	switches := []string{"-ot", opts.DataType, "-r", "near"}
	if opts.Resolution > 0 && !almostEqual(opts.Resolution, math.Abs(ref.Extent.PixelSizeX)) {
		res := strconv.FormatFloat(opts.Resolution, 'f', -1, 64)
		switches = append(switches, "-tr", res, res)
	}
	ds, err := vrt.Translate(tmp+".tif", switches, godal.GTiff, godal.CreationOption(raster.CreationOptions(opts.CreationOptions)...))
	if err != nil {
		return fmt.Errorf("Assemble.Translate: %w", err)
	}
	if err := ds.Close(); err != nil {
		return fmt.Errorf("Assemble.Close: %w", err)
	}
	return nil
}

// ChunkPaths returns the ChunkRasters of the tile found in the output directory, sorted by index.
// If tile is empty, the ChunkRasters of all the tiles are returned, sorted by tile then index.
func ChunkPaths(output, tile string) ([]string, error) {
	if tile == "" {
		tile = "*"
	}
	pattern := filepath.Join(output, common.CustomFeaturesDir, tile+"_chunk_*.tif")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ChunkPaths: %w", err)
	}
	type entry struct {
		tile  string
		index int
		path  string
	}
	entries := make([]entry, 0, len(paths))
	for _, p := range paths {
		base := strings.TrimSuffix(filepath.Base(p), ".tif")
		i := strings.LastIndex(base, "_chunk_")
		index, err := strconv.Atoi(base[i+len("_chunk_"):])
		if err != nil {
			continue
		}
		entries = append(entries, entry{tile: base[:i], index: index, path: p})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].tile != entries[j].tile {
			return entries[i].tile < entries[j].tile
		}
		return entries[i].index < entries[j].index
	})
	res := make([]string, len(entries))
	for i, e := range entries {
		res[i] = e.path
	}
	return res, nil
}
