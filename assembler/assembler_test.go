package assembler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/godal"
)

var tileExtent = common.Extent{OriginX: 600000, OriginY: 5000000, PixelSizeX: 10, PixelSizeY: -10, Width: 30, Height: 10}

// writeChunks writes the chunks of a 30x10 tile split in 3, with pixel value = 100*band + x
func writeChunks(t *testing.T, output string, labels []string) []string {
	t.Helper()
	chunks, err := chunk.Plan(tileExtent.Width, tileExtent.Height, chunk.ByCount(3))
	if err != nil {
		t.Fatal(err)
	}
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		a := raster.NewArray(c.Width, c.Height, len(labels))
		for b := range labels {
			for y := 0; y < c.Height; y++ {
				for x := 0; x < c.Width; x++ {
					a.Set(x, y, b, float32(100*b+c.X+x))
				}
			}
		}
		paths[i] = common.ChunkPath(output, "T31TCJ", c.Index)
		if err := raster.WriteFile(paths[i], a, raster.WriteOptions{
			Extent:     c.Extent(tileExtent),
			Projection: "EPSG:32631",
			Labels:     labels,
			Metadata:   map[string]string{common.MetadataFeatureFunctions: "A,B"},
		}); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestAssemble(t *testing.T) {
	output := t.TempDir()
	paths := writeChunks(t, output, []string{"ndvi", "ndwi"})
	final := common.FeatureMapPath(output, "")

	res, err := Assemble(context.Background(), paths, final, Options{KeepChunks: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 3 || !reflect.DeepEqual(res.Labels, []string{"ndvi", "ndwi"}) {
		t.Errorf("unexpected result %+v", res)
	}
	info, err := raster.Describe(final)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 30 || info.Height != 10 || info.NBands != 2 || info.DataType != "Float32" {
		t.Errorf("unexpected structure %+v", info)
	}
	if !reflect.DeepEqual(info.Labels, []string{"ndvi", "ndwi"}) {
		t.Errorf("labels: got %v", info.Labels)
	}
	if info.Metadata[common.MetadataFeatureLabels] != "ndvi,ndwi" || info.Metadata[common.MetadataFeatureFunctions] != "A,B" {
		t.Errorf("unexpected metadata %v", info.Metadata)
	}
	if info.Extent.OriginX != tileExtent.OriginX || info.Extent.OriginY != tileExtent.OriginY {
		t.Errorf("unexpected origin %+v", info.Extent)
	}

	ds, err := godal.Open(final)
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()
	a, err := raster.ReadWindow(ds, []int{0, 1}, 0, 0, 30, 10)
	if err != nil {
		t.Fatal(err)
	}
	for b := 0; b < 2; b++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 30; x++ {
				if v := a.At(x, y, b); v != float32(100*b+x) {
					t.Fatalf("pixel (%d,%d,%d): got %f, want %d", x, y, b, v, 100*b+x)
				}
			}
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("chunk %s must be kept", p)
		}
	}
}

func TestAssembleDeletesChunks(t *testing.T) {
	output := t.TempDir()
	paths := writeChunks(t, output, []string{"a"})
	if _, err := Assemble(context.Background(), paths, common.FeatureMapPath(output, "fm.tif"), Options{}); err != nil {
		t.Fatal(err)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("chunk %s must be deleted", p)
		}
	}
	if _, err := os.Stat(filepath.Join(output, common.FinalDir, "fm.tif")); err != nil {
		t.Error(err)
	}
}

func TestAssembleInconsistentBands(t *testing.T) {
	output := t.TempDir()
	paths := writeChunks(t, output, []string{"a", "b"})
	extra := raster.NewArray(10, 10, 3)
	c, _ := chunk.Targeted(30, 10, chunk.ByCount(3), 2)
	if err := raster.WriteFile(paths[2], extra, raster.WriteOptions{
		Extent:     c.Extent(tileExtent),
		Projection: "EPSG:32631",
		Labels:     []string{"a", "b", "c"},
	}); err != nil {
		t.Fatal(err)
	}

	final := common.FeatureMapPath(output, "")
	_, err := Assemble(context.Background(), paths, final, Options{})
	var ibe InconsistentBandsError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected InconsistentBandsError, got %v", err)
	}
	if ibe.Chunk != paths[2] || len(ibe.Got) != 3 {
		t.Errorf("unexpected error %+v", ibe)
	}
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Error("no feature map must be written")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("chunk %s must not be deleted", p)
		}
	}
}

func TestAssembleOverlap(t *testing.T) {
	output := t.TempDir()
	paths := writeChunks(t, output, []string{"a"})
	shifted := filepath.Join(output, "shifted.tif")
	if err := raster.WriteFile(shifted, raster.NewArray(10, 10, 1), raster.WriteOptions{
		Extent:     tileExtent.Window(5, 0, 10, 10),
		Projection: "EPSG:32631",
		Labels:     []string{"a"},
	}); err != nil {
		t.Fatal(err)
	}
	_, err := Assemble(context.Background(), append(paths, shifted), common.FeatureMapPath(output, ""), Options{})
	var oe OverlapError
	if !errors.As(err, &oe) || oe.Chunks[1] != shifted {
		t.Errorf("expected OverlapError, got %v", err)
	}
}

func TestAssembleInconsistentGrid(t *testing.T) {
	output := t.TempDir()
	paths := writeChunks(t, output, []string{"a"})
	other := filepath.Join(output, "other.tif")
	ext := tileExtent.Window(30, 0, 10, 10)
	ext.PixelSizeX, ext.PixelSizeY = 20, -20
	if err := raster.WriteFile(other, raster.NewArray(10, 10, 1), raster.WriteOptions{
		Extent:     ext,
		Projection: "EPSG:32631",
		Labels:     []string{"a"},
	}); err != nil {
		t.Fatal(err)
	}
	_, err := Assemble(context.Background(), append(paths, other), common.FeatureMapPath(output, ""), Options{})
	var ige InconsistentGridError
	if !errors.As(err, &ige) || ige.Chunk != other {
		t.Errorf("expected InconsistentGridError, got %v", err)
	}

	if _, err := Assemble(context.Background(), nil, common.FeatureMapPath(output, ""), Options{}); err == nil {
		t.Error("no chunk must be an error")
	}
	if _, err := Assemble(context.Background(), paths, common.FeatureMapPath(output, ""), Options{DataType: "Complex"}); err == nil {
		t.Error("unsupported data type must be an error")
	}
}

func TestChunkPaths(t *testing.T) {
	output := t.TempDir()
	for _, name := range []string{"B_chunk_0.tif", "A_chunk_10.tif", "A_chunk_2.tif", "A_chunk_x.tif", ".A_chunk_3.tif.tmp"} {
		p := filepath.Join(output, common.CustomFeaturesDir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	dir := filepath.Join(output, common.CustomFeaturesDir)
	paths, err := ChunkPaths(output, "A")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{filepath.Join(dir, "A_chunk_2.tif"), filepath.Join(dir, "A_chunk_10.tif")}; !reflect.DeepEqual(paths, want) {
		t.Errorf("got %v, want %v", paths, want)
	}
	paths, _ = ChunkPaths(output, "")
	if len(paths) != 3 || filepath.Base(paths[2]) != "B_chunk_0.tif" {
		t.Errorf("unexpected paths %v", paths)
	}
}
