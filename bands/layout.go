package bands

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/godal"
)

// Source locates a raw band: either the 1-based Index of the band in the stack of the sensor,
// or the Path of a single-band raster.
// In json, a number is an index and a string is a path.
type Source struct {
	Path  string
	Index int
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Source) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		if v < 1 || v != float64(int(v)) {
			return fmt.Errorf("invalid band index %v (1-based integer expected)", v)
		}
		*s = Source{Index: int(v)}
	case string:
		if v == "" {
			return fmt.Errorf("empty band path")
		}
		*s = Source{Path: v}
	default:
		return fmt.Errorf("band source must be a path or an index, got %s", data)
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (s Source) MarshalJSON() ([]byte, error) {
	if s.Path != "" {
		return json.Marshal(s.Path)
	}
	return json.Marshal(s.Index)
}

// Layout locates the raster stack of a tile.
// Paths may contain {tile} and {sensor} and are relative to Root (itself possibly containing {tile}).
//
//	{
//	  "root": "/data/{tile}",
//	  "stacks": {"Sentinel2": "S2_{tile}_stack.tif"},
//	  "sensors": {"Sentinel2": {"B2": 1, "B3": 2, "B4": 3, "B8": 4, "B11": "S2_{tile}_B11.tif"}}
//	}
type Layout struct {
	Root      string                       `json:"root"`
	Reference string                       `json:"reference,omitempty"`
	Stacks    map[string]string            `json:"stacks,omitempty"`
	Sensors   map[string]map[string]Source `json:"sensors"`
}

// LoadLayout reads a json layout from a local file or an uri
func LoadLayout(ctx context.Context, file string) (*Layout, error) {
	b, err := service.ReadFile(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("LoadLayout: %w", err)
	}
	var l Layout
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("LoadLayout[%s]: %w", file, err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("LoadLayout[%s]: %w", file, err)
	}
	return &l, nil
}

// normalize uses the canonical names of the sensors
func (l *Layout) normalize() {
	stacks := map[string]string{}
	for s, p := range l.Stacks {
		stacks[common.SensorName(s)] = p
	}
	sensors := map[string]map[string]Source{}
	for s, bands := range l.Sensors {
		name := common.SensorName(s)
		if sensors[name] == nil {
			sensors[name] = map[string]Source{}
		}
		for b, src := range bands {
			sensors[name][b] = src
		}
	}
	l.Stacks, l.Sensors = stacks, sensors
}

// Validate normalizes the names of the sensors and checks that every band indexed in a stack has a stack
func (l *Layout) Validate() error {
	l.normalize()
	if len(l.Sensors) == 0 {
		return fmt.Errorf("no sensor defined")
	}
	for sensor, bands := range l.Sensors {
		for band, src := range bands {
			if src.Path == "" {
				if _, ok := l.Stacks[sensor]; !ok {
					return fmt.Errorf("band %s.%s is indexed but sensor %s has no stack", sensor, band, sensor)
				}
			}
		}
	}
	return nil
}

// location of a raw band in a raster file
type location struct {
	path  string
	index int // 0-based
}

// resolve returns the location of every raw band of the tile
func (l *Layout) resolve(tile string) map[Key]location {
	locs := map[Key]location{}
	for sensor, bands := range l.Sensors {
		for band, src := range bands {
			if src.Path != "" {
				locs[NewKey(sensor, band)] = location{path: l.path(tile, sensor, src.Path), index: 0}
			} else {
				locs[NewKey(sensor, band)] = location{path: l.path(tile, sensor, l.Stacks[sensor]), index: src.Index - 1}
			}
		}
	}
	return locs
}

func (l *Layout) path(tile, sensor, file string) string {
	tags := map[string]string{"tile": tile, "sensor": sensor}
	file = common.FormatBrackets(file, tags)
	if strings.Contains(file, "://") || path.IsAbs(file) || l.Root == "" {
		return file
	}
	return path.Join(common.FormatBrackets(l.Root, tags), file)
}

// referencePath returns the raster defining the pixel grid of the tile
func (l *Layout) referencePath(tile string) string {
	if l.Reference != "" {
		return l.path(tile, "", l.Reference)
	}
	sensors := make([]string, 0, len(l.Stacks))
	for s := range l.Stacks {
		sensors = append(sensors, s)
	}
	sort.Strings(sensors)
	if len(sensors) > 0 {
		return l.path(tile, sensors[0], l.Stacks[sensors[0]])
	}
	var paths []string
	for _, loc := range l.resolve(tile) {
		paths = append(paths, loc.path)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

// Tile describes the tile from its reference raster
func (l *Layout) Tile(tile string) (common.Tile, error) {
	ref := l.referencePath(tile)
	if ref == "" {
		return common.Tile{}, fmt.Errorf("Tile[%s]: no raster", tile)
	}
	info, err := raster.Describe(ref)
	if err != nil {
		return common.Tile{}, fmt.Errorf("Tile[%s]: %w", tile, err)
	}
	t := common.Tile{Name: tile, Extent: info.Extent, CRS: info.Projection}
	for k := range l.resolve(tile) {
		t.Bands = append(t.Bands, k)
	}
	t.Bands = sortKeys(t.Bands)
	return t, nil
}

// Open returns an accessor on the chunk of the tile, reading only the window of the chunk
func (l *Layout) Open(tile common.Tile, chunk common.Chunk, extra ...Derived) (*StackAccessor, error) {
	if !chunk.Inside(tile.Extent.Width, tile.Extent.Height) {
		return nil, fmt.Errorf("Open: chunk %s outside tile %s (%dx%d)", chunk, tile.Name, tile.Extent.Width, tile.Extent.Height)
	}
	src := &stackSource{
		tile:     tile,
		bands:    l.resolve(tile.Name),
		datasets: map[string]*godal.Dataset{},
	}
	return &StackAccessor{accessor: newAccessor(chunk, src, extra), src: src}, nil
}

// StackAccessor is an Accessor reading raster files with GDAL
type StackAccessor struct {
	*accessor
	src *stackSource
}

// Close releases the datasets opened by the accessor
func (s *StackAccessor) Close() error {
	return s.src.close()
}

type stackSource struct {
	tile     common.Tile
	bands    map[Key]location
	datasets map[string]*godal.Dataset
}

func (s *stackSource) has(key Key) bool {
	_, ok := s.bands[key]
	return ok
}

func (s *stackSource) keys() []Key {
	keys := make([]Key, 0, len(s.bands))
	for k := range s.bands {
		keys = append(keys, k)
	}
	return keys
}

func (s *stackSource) dataset(p string) (*godal.Dataset, error) {
	if ds, ok := s.datasets[p]; ok {
		return ds, nil
	}
	raster.RegisterDrivers()
	ds, err := godal.Open(p, godal.RasterOnly())
	if err != nil {
		err = fmt.Errorf("open %s: %w", p, err)
		if strings.Contains(p, "://") {
			err = service.MakeTemporary(err)
		}
		return nil, err
	}
	st := ds.Structure()
	if st.SizeX != s.tile.Extent.Width || st.SizeY != s.tile.Extent.Height {
		ds.Close()
		return nil, fmt.Errorf("raster %s is %dx%d, tile %s is %dx%d", p, st.SizeX, st.SizeY, s.tile.Name, s.tile.Extent.Width, s.tile.Extent.Height)
	}
	s.datasets[p] = ds
	return ds, nil
}

func (s *stackSource) read(key Key, chunk common.Chunk) (raster.Array, error) {
	loc := s.bands[key]
	ds, err := s.dataset(loc.path)
	if err != nil {
		return raster.Array{}, err
	}
	return raster.ReadWindow(ds, []int{loc.index}, chunk.X, chunk.Y, chunk.Width, chunk.Height)
}

func (s *stackSource) close() error {
	var err error
	for p, ds := range s.datasets {
		if e := ds.Close(); e != nil && err == nil {
			err = fmt.Errorf("close %s: %w", p, e)
		}
		delete(s.datasets, p)
	}
	return err
}
