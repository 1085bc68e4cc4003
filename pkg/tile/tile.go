// Package tile partitions a frame into an overlapping grid of patches
// and synthesizes the blending weights used to stitch corrected patches
// back into one frame.
//
// A patch spans stride+overlap samples per axis. Origins advance by the
// stride; the final origin along each axis is clamped so the last patch
// ends exactly at the frame boundary, which keeps every patch the same
// size at the cost of the last gap being smaller than the stride.
package tile

import (
	"stackreg/pkg/frame"
)

// Patch is one tile of the grid: its integer grid coordinate, the array
// coordinate of its low corner, and the extracted data.
type Patch struct {
	Coord  [3]int
	Origin [3]int
	Data   *frame.Frame
}

// Origins returns the patch origins along one axis of the given extent.
func Origins(extent, stride, window int) []int {
	if window >= extent {
		return []int{0}
	}
	var origins []int
	for o := 0; o < extent-window; o += stride {
		origins = append(origins, o)
	}
	return append(origins, extent-window)
}

// Layout computes the grid coordinates and origins of every patch of a
// shape without extracting data, in row-major enumeration order. It also
// returns the grid dimensions.
func Layout(shape frame.Shape, strides, overlaps [3]int) (coords, origins [][3]int, gridDims [3]int) {
	var axes [3][]int
	for d := 0; d < 3; d++ {
		axes[d] = Origins(shape.Axis(d), strides[d], strides[d]+overlaps[d])
		gridDims[d] = len(axes[d])
	}
	for i, r := range axes[0] {
		for j, c := range axes[1] {
			for k, p := range axes[2] {
				coords = append(coords, [3]int{i, j, k})
				origins = append(origins, [3]int{r, c, p})
			}
		}
	}
	return coords, origins, gridDims
}

// Grid extracts every patch of the frame, enumerated row-major over grid
// coordinates.
func Grid(f *frame.Frame, strides, overlaps [3]int) []Patch {
	coords, origins, _ := Layout(f.Shape, strides, overlaps)
	window := [3]int{strides[0] + overlaps[0], strides[1] + overlaps[1], strides[2] + overlaps[2]}
	for d := 0; d < 3; d++ {
		if window[d] > f.Shape.Axis(d) {
			window[d] = f.Shape.Axis(d)
		}
	}
	patches := make([]Patch, len(coords))
	for i := range coords {
		patches[i] = Patch{
			Coord:  coords[i],
			Origin: origins[i],
			Data:   f.Region(origins[i], window),
		}
	}
	return patches
}

// Weights builds one blending weight matrix per patch, in the same
// enumeration order as Grid. Weights ramp linearly from 0 to 1 across the
// overlap at each edge shared with a neighboring patch; edges on the
// frame boundary are not ramped, so a single-patch axis is uniformly 1.
func Weights(shape frame.Shape, strides, overlaps [3]int) []*frame.Frame {
	coords, _, gridDims := Layout(shape, strides, overlaps)
	window := [3]int{strides[0] + overlaps[0], strides[1] + overlaps[1], strides[2] + overlaps[2]}
	for d := 0; d < 3; d++ {
		if window[d] > shape.Axis(d) {
			window[d] = shape.Axis(d)
		}
	}
	out := make([]*frame.Frame, len(coords))
	for i, coord := range coords {
		out[i] = weightMatrix(coord, gridDims, window, overlaps)
	}
	return out
}

// weightMatrix builds the multiplicative ramp profile of one patch.
func weightMatrix(coord, gridDims, window, overlaps [3]int) *frame.Frame {
	var axisWeights [3][]float64
	for d := 0; d < 3; d++ {
		w := make([]float64, window[d])
		for i := range w {
			w[i] = 1
		}
		o := overlaps[d]
		// A single-sample overlap is left at weight 1: a one-point ramp
		// would zero the only shared sample.
		if o > 1 && o <= window[d] {
			if coord[d] > 0 {
				for i := 0; i < o; i++ {
					w[i] *= float64(i) / float64(o-1)
				}
			}
			if coord[d] < gridDims[d]-1 {
				for i := 0; i < o; i++ {
					w[window[d]-o+i] *= float64(o-1-i) / float64(o-1)
				}
			}
		}
		axisWeights[d] = w
	}
	out := frame.New(frame.Shape{Rows: window[0], Cols: window[1], Planes: window[2]})
	for r := 0; r < window[0]; r++ {
		for c := 0; c < window[1]; c++ {
			for p := 0; p < window[2]; p++ {
				out.Set(r, c, p, axisWeights[0][r]*axisWeights[1][c]*axisWeights[2][p])
			}
		}
	}
	return out
}
