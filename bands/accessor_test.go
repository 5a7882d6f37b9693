package bands

import (
	"errors"
	"reflect"
	"testing"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/raster"
)

func plane(t *testing.T, w, h int, values ...float32) raster.Array {
	t.Helper()
	p, err := raster.NewPlane(w, h, values)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func s2Accessor(t *testing.T) Accessor {
	chunk := common.Chunk{Tile: "T1", Index: 0, Width: 2, Height: 1}
	return NewMemoryAccessor(chunk, map[Key]raster.Array{
		NewKey("s2", "B4"): plane(t, 2, 1, 0.2, 0),
		NewKey("s2", "B8"): plane(t, 2, 1, 0.6, 0),
		NewKey("s2", "B3"): plane(t, 2, 1, 0.1, 0.3),
	})
}

func TestDerivedZeroDenominator(t *testing.T) {
	acc := s2Accessor(t)
	ndvi, err := Band(acc, "Sentinel2", "NDVI")
	if err != nil {
		t.Fatal(err)
	}
	if v := ndvi.At(0, 0, 0); v < 0.4999 || v > 0.5001 {
		t.Errorf("expected 0.5, got %f", v)
	}
	if !raster.IsNaN(ndvi.At(1, 0, 0)) {
		t.Errorf("expected NaN where B8+B4 == 0, got %f", ndvi.At(1, 0, 0))
	}
	ndwi, err := Band(acc, "sentinel-2", "NDWI")
	if err != nil {
		t.Fatal(err)
	}
	if v := ndwi.At(1, 0, 0); v != 1 {
		t.Errorf("expected 1, got %f", v)
	}
}

func TestUnknownBand(t *testing.T) {
	acc := s2Accessor(t)
	_, err := Band(acc, "Sentinel2", "B12")
	var uerr UnknownBandError
	if !errors.As(err, &uerr) {
		t.Fatalf("UnknownBandError expected, got %v", err)
	}
	if uerr.Key != NewKey("Sentinel2", "B12") {
		t.Errorf("unexpected key %v", uerr.Key)
	}

	// NDSI needs B11
	_, err = Band(acc, "Sentinel2", "NDSI")
	var derr DerivationError
	if !errors.As(err, &derr) || !errors.As(err, &uerr) || uerr.Key.Band != "B11" {
		t.Errorf("DerivationError wrapping UnknownBandError(B11) expected, got %v", err)
	}
}

func TestKeys(t *testing.T) {
	keys := s2Accessor(t).Keys()
	expected := []Key{
		NewKey("Sentinel2", "B3"), NewKey("Sentinel2", "B4"), NewKey("Sentinel2", "B8"),
		NewKey("Sentinel2", "NDVI"), NewKey("Sentinel2", "NDWI"),
	}
	if !reflect.DeepEqual(keys, expected) {
		t.Errorf("expected %v, got %v", expected, keys)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	acc := s2Accessor(t)
	b4, _ := Band(acc, "Sentinel2", "B4")
	b4.Set(0, 0, 0, 100)
	b4bis, _ := Band(acc, "Sentinel2", "B4")
	if b4bis.At(0, 0, 0) != 0.2 {
		t.Error("modifying a returned array must not modify the accessor")
	}
}

func TestDerivedInputsAreCopies(t *testing.T) {
	chunk := common.Chunk{Width: 2, Height: 1}
	inPlace := Derived{
		Key:    NewKey("s2", "B4_X10"),
		Inputs: []Key{NewKey("s2", "B4")},
		Compute: func(in ...raster.Array) (raster.Array, error) {
			for i := range in[0].Data {
				in[0].Data[i] *= 10
			}
			return in[0], nil
		},
	}
	acc := NewMemoryAccessor(chunk, map[Key]raster.Array{
		NewKey("s2", "B4"): plane(t, 2, 1, 0.5, 1),
		NewKey("s2", "B8"): plane(t, 2, 1, 1.5, 1),
	}, inPlace)
	x10, err := Band(acc, "s2", "B4_X10")
	if err != nil {
		t.Fatal(err)
	}
	if x10.At(0, 0, 0) != 5 || x10.At(1, 0, 0) != 10 {
		t.Errorf("unexpected derived values %v", x10.Data)
	}
	b4, _ := Band(acc, "s2", "B4")
	if !reflect.DeepEqual(b4.Data, []float32{0.5, 1}) {
		t.Errorf("raw band modified by a derivation: %v", b4.Data)
	}
	ndvi, _ := Band(acc, "s2", "NDVI")
	if ndvi.At(0, 0, 0) != 0.5 {
		t.Errorf("NDVI computed on a modified band: %f", ndvi.At(0, 0, 0))
	}
}

func TestStack(t *testing.T) {
	s, err := Stack(s2Accessor(t), "Sentinel2", "B3", "B4", "NDVI")
	if err != nil {
		t.Fatal(err)
	}
	if s.Shape() != [3]int{1, 2, 3} {
		t.Errorf("unexpected shape %v", s.Shape())
	}
}

func TestShapeMismatch(t *testing.T) {
	chunk := common.Chunk{Width: 2, Height: 2}
	acc := NewMemoryAccessor(chunk, map[Key]raster.Array{NewKey("s1", "VV"): raster.Fill(2, 1, 1)})
	var serr raster.ShapeError
	if _, err := Band(acc, "s1", "VV"); !errors.As(err, &serr) {
		t.Errorf("ShapeError expected, got %v", err)
	}
}

func TestExtraDerivedComposition(t *testing.T) {
	chunk := common.Chunk{Width: 1, Height: 1}
	ndviX2 := Derived{
		Key:    NewKey("s2", "NDVI_X2"),
		Inputs: []Key{NewKey("s2", "NDVI")},
		Compute: func(in ...raster.Array) (raster.Array, error) {
			return raster.Combine(func(v ...float32) float32 { return 2 * v[0] }, in...)
		},
	}
	acc := NewMemoryAccessor(chunk, map[Key]raster.Array{
		NewKey("s2", "B4"): raster.Fill(1, 1, 1),
		NewKey("s2", "B8"): raster.Fill(1, 1, 3),
	}, ndviX2)
	v, err := Band(acc, "s2", "NDVI_X2")
	if err != nil {
		t.Fatal(err)
	}
	if v.At(0, 0, 0) != 1 {
		t.Errorf("expected 1, got %f", v.At(0, 0, 0))
	}
}

func TestDerivationCycle(t *testing.T) {
	a := Derived{Key: NewKey("x", "A"), Inputs: []Key{NewKey("x", "B")}, Compute: func(in ...raster.Array) (raster.Array, error) { return in[0], nil }}
	b := Derived{Key: NewKey("x", "B"), Inputs: []Key{NewKey("x", "A")}, Compute: func(in ...raster.Array) (raster.Array, error) { return in[0], nil }}
	acc := NewMemoryAccessor(common.Chunk{Width: 1, Height: 1}, nil, a, b)
	if _, err := Band(acc, "x", "A"); err == nil {
		t.Error("error expected")
	}
	if len(acc.Keys()) != 0 {
		t.Errorf("cyclic bands must not be listed: %v", acc.Keys())
	}
}
