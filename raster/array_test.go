package raster

import (
	"errors"
	"testing"
)

func TestNormalizedDifferenceZeroDenominator(t *testing.T) {
	nir, _ := NewPlane(2, 1, []float32{0.5, 0})
	red, _ := NewPlane(2, 1, []float32{0.25, 0})
	nd, err := NormalizedDifference(nir, red)
	if err != nil {
		t.Fatal(err)
	}
	if v := nd.At(0, 0, 0); v < 0.3333 || v > 0.3334 {
		t.Errorf("expected 1/3, got %f", v)
	}
	if !IsNaN(nd.At(1, 0, 0)) {
		t.Errorf("expected NaN sentinel, got %f", nd.At(1, 0, 0))
	}
}

func TestConcat(t *testing.T) {
	a := Fill(3, 2, 1)
	b := NewArray(3, 2, 2)
	b.Set(2, 1, 1, 7)
	c, err := Concat(a, Array{}, b)
	if err != nil {
		t.Fatal(err)
	}
	if c.Shape() != [3]int{2, 3, 3} {
		t.Fatalf("unexpected shape %v", c.Shape())
	}
	if c.At(0, 0, 0) != 1 || c.At(2, 1, 2) != 7 {
		t.Error("unexpected values")
	}

	_, err = Concat(a, Fill(2, 2, 0))
	var serr ShapeError
	if !errors.As(err, &serr) {
		t.Errorf("ShapeError expected, got %v", err)
	}

	short := Array{Width: 2, Height: 2, Depth: 1, Data: []float32{1, 1}}
	if _, err = Concat(short, Fill(2, 2, 9)); !errors.As(err, &serr) {
		t.Errorf("ShapeError expected for truncated data, got %v", err)
	}
	if _, err = Concat(Fill(2, 2, 9), short); !errors.As(err, &serr) {
		t.Errorf("ShapeError expected for truncated data, got %v", err)
	}
}

func TestPlaneIsACopy(t *testing.T) {
	a := NewArray(2, 2, 2)
	a.Set(1, 1, 1, 3)
	p := a.Plane(1)
	p.Set(1, 1, 0, 5)
	if a.At(1, 1, 1) != 3 {
		t.Error("Plane must not share the storage of the array")
	}
	c := a.Clone()
	c.Set(0, 0, 0, 9)
	if a.At(0, 0, 0) != 0 {
		t.Error("Clone must not share the storage of the array")
	}
}

func TestStats(t *testing.T) {
	a, _ := NewPlane(4, 1, []float32{1, NaN, 3, 5})
	min, max, mean, n := a.Stats(0)
	if min != 1 || max != 5 || mean != 3 || n != 3 {
		t.Errorf("unexpected stats %f %f %f %d", min, max, mean, n)
	}
}

func TestNewPlaneSize(t *testing.T) {
	if _, err := NewPlane(2, 2, []float32{1, 2, 3}); err == nil {
		t.Error("error expected")
	}
}
