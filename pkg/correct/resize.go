package correct

import "math"

// resizeVolume resamples a row-major volume from srcDims to dstDims with
// separable Catmull-Rom interpolation, used to upsample the per-patch
// shift field onto a finer grid or to full-frame resolution.
func resizeVolume(src []float64, srcDims, dstDims [3]int) []float64 {
	cur := src
	dims := srcDims
	for axis := 0; axis < 3; axis++ {
		if dims[axis] == dstDims[axis] {
			continue
		}
		cur = resampleAxis(cur, dims, axis, dstDims[axis])
		dims[axis] = dstDims[axis]
	}
	if &cur[0] == &src[0] {
		out := make([]float64, len(src))
		copy(out, src)
		return out
	}
	return cur
}

// resampleAxis resamples one axis of the volume to length newN. Sample
// positions follow the pixel-center convention, so resizing maps the
// source extent onto the destination extent rather than the sample
// indices.
func resampleAxis(data []float64, dims [3]int, axis, newN int) []float64 {
	n := dims[axis]
	outDims := dims
	outDims[axis] = newN
	out := make([]float64, outDims[0]*outDims[1]*outDims[2])

	scale := float64(n) / float64(newN)
	outer := dims
	outer[axis] = 1
	inStride := axisStride(dims, axis)
	outStride := axisStride(outDims, axis)
	for i := 0; i < outer[0]; i++ {
		for j := 0; j < outer[1]; j++ {
			for k := 0; k < outer[2]; k++ {
				inBase := volIndex(dims, i, j, k)
				outBase := volIndex(outDims, i, j, k)
				for r := 0; r < newN; r++ {
					pos := (float64(r)+0.5)*scale - 0.5
					out[outBase+r*outStride] = sampleCubic1D(data, inBase, inStride, n, pos)
				}
			}
		}
	}
	return out
}

// sampleCubic1D evaluates a Catmull-Rom interpolant at pos over a strided
// line, clamping taps at the ends.
func sampleCubic1D(data []float64, base, stride, n int, pos float64) float64 {
	if n == 1 {
		return data[base]
	}
	i0 := int(math.Floor(pos))
	t := pos - float64(i0)
	var acc float64
	for tap := -1; tap <= 2; tap++ {
		idx := clampIndex(i0+tap, n)
		acc += cubicWeight(float64(tap)-t) * data[base+idx*stride]
	}
	return acc
}

// cubicWeight is the cubic convolution kernel with a = -0.5.
func cubicWeight(x float64) float64 {
	const a = -0.5
	x = math.Abs(x)
	switch {
	case x <= 1:
		return (a+2)*x*x*x - (a+3)*x*x + 1
	case x < 2:
		return a*x*x*x - 5*a*x*x + 8*a*x - 4*a
	default:
		return 0
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func axisStride(dims [3]int, axis int) int {
	switch axis {
	case 0:
		return dims[1] * dims[2]
	case 1:
		return dims[2]
	default:
		return 1
	}
}

func volIndex(dims [3]int, r, c, p int) int {
	return (r*dims[1]+c)*dims[2] + p
}
