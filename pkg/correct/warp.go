package correct

import (
	"math"

	"stackreg/pkg/frame"
)

// remap resamples img at position + flow for every output voxel, the
// dense single-pass warp of the fast resampling path. flow holds one
// displacement volume per axis (nil entries mean zero displacement).
// Sampling is Catmull-Rom with replicate borders, so mild smoothing is
// traded for a single resampling operation over the whole frame.
func remap(img *frame.Frame, flow [3][]float64) *frame.Frame {
	dims := [3]int{img.Shape.Rows, img.Shape.Cols, img.Shape.Planes}
	out := frame.New(img.Shape)
	i := 0
	for r := 0; r < dims[0]; r++ {
		for c := 0; c < dims[1]; c++ {
			for p := 0; p < dims[2]; p++ {
				pos := [3]float64{float64(r), float64(c), float64(p)}
				for d := 0; d < 3; d++ {
					if flow[d] != nil {
						pos[d] += flow[d][i]
					}
				}
				out.Data[i] = sampleCubic3D(img, pos)
				i++
			}
		}
	}
	return out
}

// sampleCubic3D evaluates a separable Catmull-Rom interpolant at a
// fractional position, replicating edge samples outside the frame.
// Length-1 axes collapse to a single unit-weight tap.
func sampleCubic3D(img *frame.Frame, pos [3]float64) float64 {
	dims := [3]int{img.Shape.Rows, img.Shape.Cols, img.Shape.Planes}
	var taps [3][4]int
	var weights [3][4]float64
	var count [3]int
	for d := 0; d < 3; d++ {
		if dims[d] == 1 {
			taps[d][0] = 0
			weights[d][0] = 1
			count[d] = 1
			continue
		}
		i0 := int(math.Floor(pos[d]))
		t := pos[d] - float64(i0)
		for tap := -1; tap <= 2; tap++ {
			taps[d][tap+1] = clampIndex(i0+tap, dims[d])
			weights[d][tap+1] = cubicWeight(float64(tap) - t)
		}
		count[d] = 4
	}
	var acc float64
	for a := 0; a < count[0]; a++ {
		wa := weights[0][a]
		for b := 0; b < count[1]; b++ {
			wab := wa * weights[1][b]
			for c := 0; c < count[2]; c++ {
				acc += wab * weights[2][c] * img.At(taps[0][a], taps[1][b], taps[2][c])
			}
		}
	}
	return acc
}
