package raster

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/godal"
)

func TestWriteFileAndDescribe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "customF", "T1_chunk_0.tif")
	a := NewArray(4, 3, 2)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	ext := common.Extent{OriginX: 1000, OriginY: 2000, PixelSizeX: 10, PixelSizeY: -10, Width: 4, Height: 3}
	err := WriteFile(path, a, WriteOptions{
		Extent:   ext,
		Labels:   []string{"ndvi_1", "ndsi_1"},
		Metadata: map[string]string{common.MetadataChunkIndex: "0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files must not remain: %v", entries)
	}

	info, err := Describe(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 4 || info.Height != 3 || info.NBands != 2 {
		t.Errorf("unexpected size %+v", info)
	}
	if !reflect.DeepEqual(info.Labels, []string{"ndvi_1", "ndsi_1"}) {
		t.Errorf("unexpected labels %v", info.Labels)
	}
	if info.Metadata[common.MetadataChunkIndex] != "0" {
		t.Errorf("unexpected metadata %v", info.Metadata)
	}
	if info.Extent != ext {
		t.Errorf("unexpected extent %+v", info.Extent)
	}

	ds, err := godal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()
	w, err := ReadWindow(ds, []int{1}, 1, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	// band 1 starts at 12, pixel (1,1) = 12 + 4 + 1
	if w.At(0, 0, 0) != 17 || w.At(1, 1, 0) != 22 {
		t.Errorf("unexpected window %v", w.Data)
	}
	if _, err := ReadWindow(ds, []int{2}, 0, 0, 1, 1); err == nil {
		t.Error("out of range band must fail")
	}
}

func TestWriteFileLabelCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tif")
	if err := WriteFile(path, NewArray(2, 2, 2), WriteOptions{Labels: []string{"a"}}); err == nil {
		t.Error("error expected")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("no file must be written")
	}
}

func TestSetLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tif")
	if err := WriteFile(path, NewArray(2, 2, 2), WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := SetLabels(path, []string{"a", "b"}, map[string]string{common.MetadataFeatureLabels: JoinList([]string{"a", "b"})}); err != nil {
		t.Fatal(err)
	}
	info, err := Describe(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(info.Labels, []string{"a", "b"}) || !reflect.DeepEqual(SplitList(info.Metadata[common.MetadataFeatureLabels]), []string{"a", "b"}) {
		t.Errorf("unexpected labels %v %v", info.Labels, info.Metadata)
	}
}

func TestCreationOptions(t *testing.T) {
	co := CreationOptions(map[string]string{"compress": "DEFLATE", "BIGTIFF": "YES"})
	if !reflect.DeepEqual(co, []string{"BIGTIFF=YES", "COMPRESS=DEFLATE"}) {
		t.Errorf("unexpected %v", co)
	}
	if !ValidDataType("Float32") || ValidDataType("float") {
		t.Error("unexpected data type validation")
	}
}
