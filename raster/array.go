// Package raster provides the in-memory arrays exchanged between band accessors,
// feature functions and the evaluator, and their GDAL persistence.
package raster

import (
	"fmt"
	"math"
)

// Array is a stack of Depth planes of Height x Width pixels, stored plane by plane (band sequential).
// A plane of an Array is accessed as Data[b*Width*Height + y*Width + x].
type Array struct {
	Width  int
	Height int
	Depth  int
	Data   []float32
}

// ShapeError is returned when arrays cannot be combined
type ShapeError struct {
	Op       string
	Expected [3]int
	Got      [3]int
}

func (e ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: expected %v, got %v", e.Op, e.Expected, e.Got)
}

// NewArray allocates a zeroed array
func NewArray(width, height, depth int) Array {
	return Array{Width: width, Height: height, Depth: depth, Data: make([]float32, width*height*depth)}
}

// NewPlane wraps data as a one-band array
func NewPlane(width, height int, data []float32) (Array, error) {
	if len(data) != width*height {
		return Array{}, fmt.Errorf("NewPlane: expecting %d values, got %d", width*height, len(data))
	}
	return Array{Width: width, Height: height, Depth: 1, Data: data}, nil
}

// Fill returns a width x height plane filled with v
func Fill(width, height int, v float32) Array {
	a := NewArray(width, height, 1)
	for i := range a.Data {
		a.Data[i] = v
	}
	return a
}

// Shape returns [height, width, depth]
func (a Array) Shape() [3]int {
	return [3]int{a.Height, a.Width, a.Depth}
}

// Empty returns true if the array has no plane
func (a Array) Empty() bool {
	return a.Depth == 0
}

func (a Array) planeSize() int {
	return a.Width * a.Height
}

// At returns the value of the pixel (x, y) of the plane b
func (a Array) At(x, y, b int) float32 {
	return a.Data[b*a.planeSize()+y*a.Width+x]
}

// Set sets the value of the pixel (x, y) of the plane b
func (a Array) Set(x, y, b int, v float32) {
	a.Data[b*a.planeSize()+y*a.Width+x] = v
}

// Plane returns a copy of the plane b
func (a Array) Plane(b int) Array {
	p := NewArray(a.Width, a.Height, 1)
	copy(p.Data, a.Data[b*a.planeSize():(b+1)*a.planeSize()])
	return p
}

// PlaneData returns the values of the plane b, sharing the storage of the array
func (a Array) PlaneData(b int) []float32 {
	return a.Data[b*a.planeSize() : (b+1)*a.planeSize()]
}

// Clone returns a deep copy of the array
func (a Array) Clone() Array {
	c := a
	c.Data = make([]float32, len(a.Data))
	copy(c.Data, a.Data)
	return c
}

// Concat stacks the planes of the arrays, in order. Empty arrays are ignored.
// Arrays whose data length does not match their shape are rejected with a ShapeError.
func Concat(arrays ...Array) (Array, error) {
	var width, height, depth int
	first := true
	for _, a := range arrays {
		if a.Empty() {
			continue
		}
		if first {
			width, height, first = a.Width, a.Height, false
		} else if a.Width != width || a.Height != height {
			return Array{}, ShapeError{Op: "Concat", Expected: [3]int{height, width, a.Depth}, Got: a.Shape()}
		}
		if len(a.Data) != a.planeSize()*a.Depth {
			return Array{}, ShapeError{Op: "Concat", Expected: a.Shape(), Got: [3]int{len(a.Data) / max(a.planeSize(), 1), a.Width, a.Depth}}
		}
		depth += a.Depth
	}
	res := Array{Width: width, Height: height, Depth: depth, Data: make([]float32, 0, width*height*depth)}
	for _, a := range arrays {
		if !a.Empty() {
			res.Data = append(res.Data, a.Data...)
		}
	}
	return res, nil
}

// Combine applies f pixel by pixel on the first plane of each array and returns a one-band array
func Combine(f func(v ...float32) float32, arrays ...Array) (Array, error) {
	if len(arrays) == 0 {
		return Array{}, fmt.Errorf("Combine: no input")
	}
	ref := arrays[0]
	for _, a := range arrays[1:] {
		if a.Width != ref.Width || a.Height != ref.Height || a.Depth < 1 {
			return Array{}, ShapeError{Op: "Combine", Expected: [3]int{ref.Height, ref.Width, 1}, Got: a.Shape()}
		}
	}
	res := NewArray(ref.Width, ref.Height, 1)
	v := make([]float32, len(arrays))
	for i := range res.Data {
		for j, a := range arrays {
			v[j] = a.Data[i]
		}
		res.Data[i] = f(v...)
	}
	return res, nil
}

// NaN is the sentinel of undefined pixels (e.g. a zero denominator)
var NaN = float32(math.NaN())

// IsNaN returns true if v is the undefined sentinel
func IsNaN(v float32) bool {
	return v != v
}

// NormalizedDifference returns (a-b)/(a+b), NaN where a+b == 0
func NormalizedDifference(a, b Array) (Array, error) {
	return Combine(func(v ...float32) float32 {
		return Divide(v[0]-v[1], v[0]+v[1])
	}, a, b)
}

// Divide returns num/den, NaN if den == 0
func Divide(num, den float32) float32 {
	if den == 0 {
		return NaN
	}
	return num / den
}

// Stats returns the minimum, the maximum and the mean of the defined pixels of the plane b
func (a Array) Stats(b int) (min, max, mean float64, count int) {
	min, max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range a.PlaneData(b) {
		if IsNaN(v) {
			continue
		}
		f := float64(v)
		sum += f
		count++
		if f < min {
			min = f
		}
		if f > max {
			max = f
		}
	}
	if count > 0 {
		mean = sum / float64(count)
	}
	return
}
