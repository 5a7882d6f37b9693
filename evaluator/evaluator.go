package evaluator

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/features"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"go.uber.org/zap"
)

// Opener gives access to the bands of a chunk.
// If the accessor implements io.Closer, it is closed after the evaluation.
type Opener interface {
	Open(tile common.Tile, chunk common.Chunk) (bands.Accessor, error)
}

// OpenerFunc is a function implementing Opener
type OpenerFunc func(tile common.Tile, chunk common.Chunk) (bands.Accessor, error)

// Open implements Opener
func (f OpenerFunc) Open(tile common.Tile, chunk common.Chunk) (bands.Accessor, error) {
	return f(tile, chunk)
}

// LayoutOpener opens the chunks from the rasters of a layout
func LayoutOpener(l *bands.Layout, extra ...bands.Derived) Opener {
	return OpenerFunc(func(tile common.Tile, chunk common.Chunk) (bands.Accessor, error) {
		return l.Open(tile, chunk, extra...)
	})
}

// Config of the Evaluator
type Config struct {
	// Output directory. ChunkRasters are written in {Output}/customF
	Output string
	// GTiff creation options (default: raster.DefaultCreationOptions)
	CreationOptions map[string]string
	// Recompute the chunks even if a valid ChunkRaster already exists
	Force bool
}

// Result of the evaluation of a chunk
type Result struct {
	Path    string
	Labels  []string
	Skipped bool // A valid ChunkRaster was already there
}

// Evaluator computes the feature bands of the chunks and writes them as ChunkRasters
type Evaluator struct {
	registry *features.Registry
	opener   Opener
	upstream Upstream
	config   Config
}

// Option of the Evaluator
type Option func(*Evaluator)

// WithUpstream prepends the bands of an upstream pipeline to the custom features
func WithUpstream(u Upstream) Option {
	return func(e *Evaluator) {
		e.upstream = u
	}
}

// New creates an Evaluator of the functions of the registry
func New(registry *features.Registry, opener Opener, config Config, options ...Option) *Evaluator {
	if config.CreationOptions == nil {
		config.CreationOptions = raster.DefaultCreationOptions()
	}
	e := &Evaluator{registry: registry, opener: opener, config: config}
	for _, o := range options {
		o(e)
	}
	return e
}

// Signature identifies the feature functions (and the upstream pipeline) producing the ChunkRasters.
// It is written in the metadata of the ChunkRasters.
func (e *Evaluator) Signature() string {
	names := e.registry.Names()
	if e.upstream != nil {
		names = append([]string{UpstreamName + "(" + strings.Join(e.upstream.Labels(), "|") + ")"}, names...)
	}
	return raster.JoinList(names)
}

// Path returns the path of the ChunkRaster of the chunk
func (e *Evaluator) Path(tile string, index int) string {
	return common.ChunkPath(e.config.Output, tile, index)
}

// Evaluate computes all the feature bands of the chunk and writes them in a ChunkRaster.
// If a valid ChunkRaster already exists, it is not recomputed (unless Config.Force).
// If an error occurs, nothing is written.
func (e *Evaluator) Evaluate(ctx context.Context, tile common.Tile, chunk common.Chunk) (Result, error) {
	if chunk.Tile == "" {
		chunk.Tile = tile.Name
	}
	if !chunk.Inside(tile.Extent.Width, tile.Extent.Height) {
		return Result{}, fmt.Errorf("chunk %s is not inside tile %s (%dx%d)", chunk, tile.Name, tile.Extent.Width, tile.Extent.Height)
	}
	ctx = log.With(ctx, "chunk", chunk.String())
	path := e.Path(tile.Name, chunk.Index)

	if !e.config.Force {
		if labels, ok := e.existing(ctx, path, tile, chunk); ok {
			log.Logger(ctx).Sugar().Infof("chunk %s already computed: skipped", path)
			return Result{Path: path, Labels: labels, Skipped: true}, nil
		}
	}

	a, labels, err := e.compute(ctx, tile, chunk)
	if err != nil {
		return Result{}, err
	}

	metadata := map[string]string{
		common.MetadataFeatureFunctions: e.Signature(),
		common.MetadataModule:           e.registry.Module(),
		common.MetadataChunkIndex:       strconv.Itoa(chunk.Index),
		common.MetadataTile:             tile.Name,
	}
	if err := raster.WriteFile(path, a, raster.WriteOptions{
		Extent:          chunk.Extent(tile.Extent),
		Projection:      tile.CRS,
		Labels:          labels,
		Metadata:        metadata,
		CreationOptions: e.config.CreationOptions,
	}); err != nil {
		return Result{}, fmt.Errorf("Evaluate.WriteFile: %w", err)
	}
	log.Logger(ctx).Info("chunk computed", zap.String("path", path), zap.Int("bands", len(labels)))
	return Result{Path: path, Labels: labels}, nil
}

// compute evaluates the upstream pipeline and the feature functions, in order, and concatenates their bands
func (e *Evaluator) compute(ctx context.Context, tile common.Tile, chunk common.Chunk) (raster.Array, []string, error) {
	var (
		arrays  []raster.Array
		labels  []string
		emitter = map[string]string{}
	)
	appendBands := func(function string, a raster.Array, l []string) error {
		if a.Depth != len(l) {
			return LabelCountMismatchError{Function: function, Chunk: chunk, Bands: a.Depth, Labels: len(l)}
		}
		if a.Depth == 0 {
			return nil
		}
		if a.Width != chunk.Width || a.Height != chunk.Height {
			return ShapeMismatchError{Function: function, Chunk: chunk, Width: a.Width, Height: a.Height}
		}
		if len(a.Data) != a.Width*a.Height*a.Depth {
			return ShapeMismatchError{Function: function, Chunk: chunk, Width: a.Width, Height: a.Height, Values: len(a.Data)}
		}
		for _, label := range l {
			if first, ok := emitter[label]; ok {
				return DuplicateLabelError{Label: label, Chunk: chunk, Functions: [2]string{first, function}}
			}
			emitter[label] = function
		}
		arrays = append(arrays, a)
		labels = append(labels, l...)
		return nil
	}

	if e.upstream != nil {
		a, err := e.upstream.Read(ctx, tile, chunk)
		if err != nil {
			return raster.Array{}, nil, fmt.Errorf("%s: %w", UpstreamName, err)
		}
		if err := appendBands(UpstreamName, a, e.upstream.Labels()); err != nil {
			return raster.Array{}, nil, err
		}
	}

	acc, err := e.opener.Open(tile, chunk)
	if err != nil {
		return raster.Array{}, nil, fmt.Errorf("open chunk %s: %w", chunk, err)
	}
	if c, ok := acc.(io.Closer); ok {
		defer c.Close()
	}

	for _, def := range e.registry.Functions() {
		a, l, err := e.registry.Call(ctx, def, acc)
		if err != nil {
			return raster.Array{}, nil, err
		}
		if err := appendBands(def.Name, a, l); err != nil {
			return raster.Array{}, nil, err
		}
		log.Logger(ctx).Debug("feature function evaluated", zap.String("function", def.Name), zap.Strings("labels", l))
	}

	if len(labels) == 0 {
		return raster.Array{}, nil, NoBandError{Chunk: chunk}
	}
	a, err := raster.Concat(arrays...)
	if err != nil {
		return raster.Array{}, nil, err
	}
	return a, labels, nil
}

// existing returns the labels of the ChunkRaster of the chunk, if it exists and has been computed
// with the same functions for the same tile, chunk and georeferencing
func (e *Evaluator) existing(ctx context.Context, path string, tile common.Tile, chunk common.Chunk) ([]string, bool) {
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	info, err := raster.Describe(path)
	if err != nil {
		log.Logger(ctx).Warn("invalid chunk raster: recomputed", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	md := info.Metadata
	switch {
	case info.Width != chunk.Width || info.Height != chunk.Height:
		log.Logger(ctx).Sugar().Warnf("chunk raster %s is %dx%d: recomputed", path, info.Width, info.Height)
	case info.NBands == 0 || info.NBands != len(info.Labels):
		log.Logger(ctx).Sugar().Warnf("chunk raster %s has %d bands and %d labels: recomputed", path, info.NBands, len(info.Labels))
	case md[common.MetadataFeatureFunctions] != e.Signature():
		log.Logger(ctx).Sugar().Infof("chunk raster %s computed with other functions (%s): recomputed", path, md[common.MetadataFeatureFunctions])
	case md[common.MetadataModule] != e.registry.Module():
		log.Logger(ctx).Sugar().Infof("chunk raster %s computed by module %q: recomputed", path, md[common.MetadataModule])
	case md[common.MetadataTile] != tile.Name || md[common.MetadataChunkIndex] != strconv.Itoa(chunk.Index):
		log.Logger(ctx).Sugar().Warnf("chunk raster %s belongs to tile %q chunk %q: recomputed", path, md[common.MetadataTile], md[common.MetadataChunkIndex])
	case !info.Extent.AlmostEqual(chunk.Extent(tile.Extent)):
		log.Logger(ctx).Sugar().Warnf("chunk raster %s has another geotransform %v: recomputed", path, info.Extent.GeoTransform())
	case !sameProjection(ctx, tile.CRS, info.Projection):
		log.Logger(ctx).Sugar().Warnf("chunk raster %s has another projection: recomputed", path)
	case duplicates(info.Labels):
		log.Logger(ctx).Sugar().Warnf("chunk raster %s has duplicate labels: recomputed", path)
	default:
		return info.Labels, true
	}
	return nil, false
}

func sameProjection(ctx context.Context, crs, projection string) bool {
	if crs == "" {
		return true
	}
	same, err := raster.SameProjection(crs, projection)
	if err != nil {
		log.Logger(ctx).Warn("unable to compare projections", zap.Error(err))
		return false
	}
	return same
}

func duplicates(labels []string) bool {
	set := service.StringSet{}
	for _, l := range labels {
		if set.Exists(l) {
			return true
		}
		set.Push(l)
	}
	return false
}
