package register

import (
	"math"
	"math/cmplx"
)

// upsampledDFT evaluates a small region of the DFT of data zero-padded by
// factor along every axis, without materializing the padded transform.
// data is a frequency-domain volume with the given dims; region is the
// output size per axis and offsets the sub-pixel position of the region's
// first sample on the upsampled grid.
//
// The result equals embedding the data in a volume factor times larger
// per axis, taking the FFT, and extracting region starting at offsets,
// but costs only one small matrix product per axis.
func upsampledDFT(data []complex128, dims [3]int, region [3]int, factor float64, offsets [3]float64) []complex128 {
	cur := data
	curDims := dims
	for axis := 0; axis < 3; axis++ {
		if curDims[axis] == 1 && region[axis] == 1 {
			continue
		}
		kernel := dftKernel(curDims[axis], region[axis], factor, offsets[axis])
		cur = contractAxis(cur, curDims, axis, kernel)
		curDims[axis] = region[axis]
	}
	if len(cur) == len(data) && &cur[0] == &data[0] {
		out := make([]complex128, len(data))
		copy(out, data)
		return out
	}
	return cur
}

// dftKernel builds the localized DFT matrix for one axis:
// K[r][k] = exp(-2*pi*i/(n*factor) * (r - offset) * freqIndex(k, n)).
func dftKernel(n, region int, factor, offset float64) [][]complex128 {
	kernel := make([][]complex128, region)
	w := -2 * math.Pi / (float64(n) * factor)
	for r := 0; r < region; r++ {
		row := make([]complex128, n)
		pos := float64(r) - offset
		for k := 0; k < n; k++ {
			row[k] = cmplx.Exp(complex(0, w*pos*float64(freqIndex(k, n))))
		}
		kernel[r] = row
	}
	return kernel
}

// contractAxis replaces the given axis of the volume with the kernel's
// output dimension: out[..., r, ...] = sum_k kernel[r][k] * in[..., k, ...].
func contractAxis(data []complex128, dims [3]int, axis int, kernel [][]complex128) []complex128 {
	region := len(kernel)
	n := dims[axis]
	outDims := dims
	outDims[axis] = region
	out := make([]complex128, outDims[0]*outDims[1]*outDims[2])

	outer := dims
	outer[axis] = 1
	inStride := lineStride(dims, axis)
	outStride := lineStride(outDims, axis)
	for i := 0; i < outer[0]; i++ {
		for j := 0; j < outer[1]; j++ {
			for k := 0; k < outer[2]; k++ {
				inBase := flatIndex(dims, i, j, k)
				outBase := flatIndex(outDims, i, j, k)
				for r := 0; r < region; r++ {
					var acc complex128
					row := kernel[r]
					for t := 0; t < n; t++ {
						acc += row[t] * data[inBase+t*inStride]
					}
					out[outBase+r*outStride] = acc
				}
			}
		}
	}
	return out
}
