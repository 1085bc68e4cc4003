// Package frame provides the core data model for motion correction:
// real-valued image frames of rank 2 or 3, translation vectors, and the
// NaN-aware aggregation primitives used to build reference templates.
//
// Frames are always stored as a dense H x W x D volume in row-major order
// with D = 1 for 2D images. Writing every algorithm against three axes and
// letting length-1 axes degrade to no-ops removes the 2D/3D branching that
// would otherwise spread through the whole pipeline.
package frame

import (
	"fmt"
	"math"
	"sort"
)

// Shape describes the spatial extent of a frame along each axis,
// ordered (row, column, plane). Planes is 1 for 2D frames.
type Shape struct {
	Rows   int
	Cols   int
	Planes int
}

// Shape2D returns a Shape for a 2D frame of the given size.
func Shape2D(rows, cols int) Shape {
	return Shape{Rows: rows, Cols: cols, Planes: 1}
}

// Size returns the total number of elements in a frame of this shape.
func (s Shape) Size() int {
	return s.Rows * s.Cols * s.Planes
}

// Axis returns the extent along axis d (0=row, 1=col, 2=plane).
func (s Shape) Axis(d int) int {
	switch d {
	case 0:
		return s.Rows
	case 1:
		return s.Cols
	default:
		return s.Planes
	}
}

// Rank returns 2 for single-plane frames and 3 otherwise.
func (s Shape) Rank() int {
	if s.Planes == 1 {
		return 2
	}
	return 3
}

// Index returns the flat index of element (r, c, p).
func (s Shape) Index(r, c, p int) int {
	return (r*s.Cols+c)*s.Planes + p
}

// Shift is a translation in pixels along each spatial axis, ordered
// (row, column, plane) to match Shape. The plane component is zero for
// 2D frames.
type Shift [3]float64

// Neg returns the shift with every component negated.
func (sh Shift) Neg() Shift {
	return Shift{-sh[0], -sh[1], -sh[2]}
}

// Frame is a single real-valued 2D or 3D image. Data is stored row-major
// as (row, column, plane).
type Frame struct {
	Data  []float64
	Shape Shape
}

// New allocates a zero-filled frame of the given shape.
func New(shape Shape) *Frame {
	return &Frame{Data: make([]float64, shape.Size()), Shape: shape}
}

// FromData wraps existing data in a frame. The slice length must match the
// shape.
func FromData(data []float64, shape Shape) (*Frame, error) {
	if len(data) != shape.Size() {
		return nil, fmt.Errorf("frame: data length %d does not match shape %dx%dx%d",
			len(data), shape.Rows, shape.Cols, shape.Planes)
	}
	return &Frame{Data: data, Shape: shape}, nil
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	out := New(f.Shape)
	copy(out.Data, f.Data)
	return out
}

// At returns the value at (r, c, p).
func (f *Frame) At(r, c, p int) float64 {
	return f.Data[f.Shape.Index(r, c, p)]
}

// Set stores v at (r, c, p).
func (f *Frame) Set(r, c, p int, v float64) {
	f.Data[f.Shape.Index(r, c, p)] = v
}

// AddScalar adds v to every element in place and returns the frame.
func (f *Frame) AddScalar(v float64) *Frame {
	for i := range f.Data {
		f.Data[i] += v
	}
	return f
}

// MinFinite returns the smallest finite value in the frame, ignoring NaNs
// and infinities. Returns 0 for a frame with no finite values.
func (f *Frame) MinFinite() float64 {
	min := math.Inf(1)
	for _, v := range f.Data {
		if !math.IsInf(v, 0) && !math.IsNaN(v) && v < min {
			min = v
		}
	}
	if math.IsInf(min, 1) {
		return 0
	}
	return min
}

// IsFinite reports whether every element of the frame is finite.
func (f *Frame) IsFinite() bool {
	for _, v := range f.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ReplaceNaN substitutes every NaN element with v, in place.
func (f *Frame) ReplaceNaN(v float64) {
	for i, x := range f.Data {
		if math.IsNaN(x) {
			f.Data[i] = v
		}
	}
}

// Region copies the sub-volume with the given origin and size into a new
// frame. The region must lie fully inside the frame.
func (f *Frame) Region(origin [3]int, size [3]int) *Frame {
	out := New(Shape{Rows: size[0], Cols: size[1], Planes: size[2]})
	for r := 0; r < size[0]; r++ {
		for c := 0; c < size[1]; c++ {
			for p := 0; p < size[2]; p++ {
				out.Set(r, c, p, f.At(origin[0]+r, origin[1]+c, origin[2]+p))
			}
		}
	}
	return out
}

// NanMeanStack computes the per-pixel mean across frames, ignoring NaNs.
// Pixels that are NaN in every frame stay NaN. All frames must share one
// shape.
func NanMeanStack(frames []*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("frame: cannot average an empty stack")
	}
	shape := frames[0].Shape
	for _, f := range frames {
		if f.Shape != shape {
			return nil, fmt.Errorf("frame: mismatched shapes in stack")
		}
	}
	out := New(shape)
	counts := make([]int, shape.Size())
	for _, f := range frames {
		for i, v := range f.Data {
			if !math.IsNaN(v) {
				out.Data[i] += v
				counts[i]++
			}
		}
	}
	for i := range out.Data {
		if counts[i] == 0 {
			out.Data[i] = math.NaN()
		} else {
			out.Data[i] /= float64(counts[i])
		}
	}
	return out, nil
}

// NanMedianStack computes the per-pixel median across frames, ignoring
// NaNs. Pixels that are NaN in every frame stay NaN.
func NanMedianStack(frames []*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("frame: cannot take the median of an empty stack")
	}
	shape := frames[0].Shape
	for _, f := range frames {
		if f.Shape != shape {
			return nil, fmt.Errorf("frame: mismatched shapes in stack")
		}
	}
	out := New(shape)
	gather := make([]float64, 0, len(frames))
	for i := range out.Data {
		gather = gather[:0]
		for _, f := range frames {
			if v := f.Data[i]; !math.IsNaN(v) {
				gather = append(gather, v)
			}
		}
		if len(gather) == 0 {
			out.Data[i] = math.NaN()
		} else {
			out.Data[i] = median(gather)
		}
	}
	return out, nil
}

// BinMedian estimates a template from a stack by averaging frames in
// non-overlapping windows and taking the per-pixel median of the window
// means. This damps both shot noise (the mean) and transient structure
// (the median).
func BinMedian(frames []*Frame, window int) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("frame: cannot bin an empty stack")
	}
	if window < 1 {
		window = 1
	}
	if window > len(frames) {
		window = len(frames)
	}
	numBins := len(frames) / window
	if numBins == 0 {
		numBins = 1
	}
	means := make([]*Frame, 0, numBins)
	for b := 0; b < numBins; b++ {
		lo := b * window
		hi := lo + window
		if hi > len(frames) {
			hi = len(frames)
		}
		m, err := NanMeanStack(frames[lo:hi])
		if err != nil {
			return nil, err
		}
		means = append(means, m)
	}
	return NanMedianStack(means)
}

// median computes the median of values, modifying the slice order.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}
