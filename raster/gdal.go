package raster

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/google/uuid"
)

var registerOnce sync.Once

// RegisterDrivers registers the GDAL drivers (once)
func RegisterDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

// RegisterGCS makes gs:// paths readable by GDAL through an osio adapter
func RegisterGCS(ctx context.Context, blockSize string, numCachedBlocks int) error {
	stcl, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("RegisterGCS.NewClient: %w", err)
	}
	gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
	if err != nil {
		return fmt.Errorf("RegisterGCS.Handle: %w", err)
	}
	gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(blockSize), osio.NumCachedBlocks(numCachedBlocks))
	if err != nil {
		return fmt.Errorf("RegisterGCS.NewAdapter: %w", err)
	}
	if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
		return fmt.Errorf("RegisterGCS.RegisterVSIHandler: %w", err)
	}
	RegisterDrivers()
	return nil
}

// DataTypes supported as output pixel type
var DataTypes = []string{"Byte", "UInt16", "Int16", "UInt32", "Int32", "Float32", "Float64"}

// ValidDataType returns true if dtype is a supported GDAL pixel type
func ValidDataType(dtype string) bool {
	for _, d := range DataTypes {
		if d == dtype {
			return true
		}
	}
	return false
}

// DefaultCreationOptions are the GTiff options of the rasters written by the pipeline
func DefaultCreationOptions() map[string]string {
	return map[string]string{"COMPRESS": "LZW", "BIGTIFF": "YES"}
}

// CreationOptions formats the options as KEY=VALUE, sorted by key
func CreationOptions(options map[string]string) []string {
	co := make([]string, 0, len(options))
	for k, v := range options {
		co = append(co, strings.ToUpper(k)+"="+v)
	}
	sort.Strings(co)
	return co
}

// Info describes a raster file
type Info struct {
	Width      int
	Height     int
	NBands     int
	DataType   string
	Labels     []string
	Extent     common.Extent
	Projection string
	Metadata   map[string]string
}

// Describe opens the raster and returns its description
func Describe(path string) (Info, error) {
	RegisterDrivers()
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return Info{}, fmt.Errorf("Describe.Open[%s]: %w", path, err)
	}
	defer ds.Close()

	st := ds.Structure()
	info := Info{
		Width:      st.SizeX,
		Height:     st.SizeY,
		NBands:     st.NBands,
		DataType:   st.DataType.String(),
		Projection: ds.Projection(),
		Metadata:   ds.Metadatas(),
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		gt = [6]float64{0, 1, 0, 0, 0, 1}
	}
	info.Extent = common.ExtentFromGeoTransform(gt, st.SizeX, st.SizeY)
	for _, b := range ds.Bands() {
		info.Labels = append(info.Labels, b.Description())
	}
	return info, nil
}

// ReadWindow reads the window (x, y, w, h) of the bands of the dataset (0-based band indices)
// and returns them stacked in the given order
func ReadWindow(ds *godal.Dataset, bands []int, x, y, w, h int) (Array, error) {
	dsBands := ds.Bands()
	a := NewArray(w, h, len(bands))
	for i, b := range bands {
		if b < 0 || b >= len(dsBands) {
			return Array{}, fmt.Errorf("ReadWindow: band %d out of range [0, %d)", b, len(dsBands))
		}
		if err := dsBands[b].Read(x, y, a.PlaneData(i), w, h); err != nil {
			return Array{}, fmt.Errorf("ReadWindow.Read[band %d]: %w", b, err)
		}
	}
	return a, nil
}

// SameProjection returns true if the two projections (WKT, EPSG:code or any GDAL user input) describe the same CRS
func SameProjection(a, b string) (bool, error) {
	if a == "" || b == "" {
		return a == b, nil
	}
	sra, err := godal.NewSpatialRef(a)
	if err != nil {
		return false, fmt.Errorf("NewSpatialRef[%s]: %w", a, err)
	}
	defer sra.Close()
	srb, err := godal.NewSpatialRef(b)
	if err != nil {
		return false, fmt.Errorf("NewSpatialRef[%s]: %w", b, err)
	}
	defer srb.Close()
	return sra.IsSame(srb), nil
}

// WriteOptions of WriteFile
type WriteOptions struct {
	Extent          common.Extent
	Projection      string // WKT, EPSG:code or any GDAL user input
	Labels          []string
	Metadata        map[string]string
	CreationOptions map[string]string
}

// WriteFile persists the array as a Float32 GTiff, atomically: the file is written
// to a temporary path in the same directory then renamed.
// NaN is declared as nodata.
func WriteFile(path string, a Array, opts WriteOptions) error {
	RegisterDrivers()
	if a.Depth == 0 {
		return fmt.Errorf("WriteFile[%s]: no band to write", path)
	}
	if len(opts.Labels) != 0 && len(opts.Labels) != a.Depth {
		return fmt.Errorf("WriteFile[%s]: %d labels for %d bands", path, len(opts.Labels), a.Depth)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("WriteFile.MkdirAll: %w", err)
	}
	co := opts.CreationOptions
	if co == nil {
		co = DefaultCreationOptions()
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.New().String()+".tmp")
	if err := writeGTiff(tmp, a, opts, co); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("WriteFile[%s]: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("WriteFile.Rename: %w", err)
	}
	return nil
}

func writeGTiff(path string, a Array, opts WriteOptions, co map[string]string) (err error) {
	ds, err := godal.Create(godal.GTiff, path, a.Depth, godal.Float32, a.Width, a.Height, godal.CreationOption(CreationOptions(co)...))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer func() {
		if cerr := ds.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()

	if opts.Extent.PixelSizeX != 0 {
		if err := ds.SetGeoTransform(opts.Extent.GeoTransform()); err != nil {
			return fmt.Errorf("SetGeoTransform: %w", err)
		}
	}
	if opts.Projection != "" {
		sr, err := godal.NewSpatialRef(opts.Projection)
		if err != nil {
			return fmt.Errorf("NewSpatialRef[%s]: %w", opts.Projection, err)
		}
		defer sr.Close()
		if err := ds.SetSpatialRef(sr); err != nil {
			return fmt.Errorf("SetSpatialRef: %w", err)
		}
	}
	for _, k := range sortedKeys(opts.Metadata) {
		if err := ds.SetMetadata(k, opts.Metadata[k]); err != nil {
			return fmt.Errorf("SetMetadata[%s]: %w", k, err)
		}
	}
	for i, band := range ds.Bands() {
		if err := band.SetNoData(math.NaN()); err != nil {
			return fmt.Errorf("SetNoData: %w", err)
		}
		if len(opts.Labels) > 0 {
			if err := band.SetDescription(opts.Labels[i]); err != nil {
				return fmt.Errorf("SetDescription: %w", err)
			}
		}
		if err := band.Write(0, 0, a.PlaneData(i), a.Width, a.Height); err != nil {
			return fmt.Errorf("write band %d: %w", i, err)
		}
	}
	return nil
}

// SetLabels sets the descriptions of the bands and the labels metadata of an existing raster
func SetLabels(path string, labels []string, metadata map[string]string) (err error) {
	RegisterDrivers()
	ds, err := godal.Open(path, godal.Update())
	if err != nil {
		return fmt.Errorf("SetLabels.Open: %w", err)
	}
	defer func() {
		if cerr := ds.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("SetLabels.Close: %w", cerr)
		}
	}()
	bands := ds.Bands()
	if len(bands) != len(labels) {
		return fmt.Errorf("SetLabels: %d labels for %d bands", len(labels), len(bands))
	}
	for i, b := range bands {
		if err := b.SetDescription(labels[i]); err != nil {
			return fmt.Errorf("SetLabels.SetDescription: %w", err)
		}
	}
	for _, k := range sortedKeys(metadata) {
		if err := ds.SetMetadata(k, metadata[k]); err != nil {
			return fmt.Errorf("SetLabels.SetMetadata: %w", err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JoinList joins the items of a metadata list
func JoinList(items []string) string {
	return strings.Join(items, common.MetadataSeparator)
}

// SplitList splits a metadata list
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, common.MetadataSeparator)
}
