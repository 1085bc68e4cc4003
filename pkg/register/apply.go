package register

import (
	"math"
	"math/cmplx"

	"stackreg/pkg/frame"
)

// BorderMode selects how the border region exposed by a shift is filled.
type BorderMode int

const (
	// BorderNone leaves the wrapped values produced by the circular FFT
	// shift in place.
	BorderNone BorderMode = iota

	// BorderNaN fills the exposed border with NaN.
	BorderNaN

	// BorderMin fills the exposed border with the frame's minimum finite
	// value.
	BorderMin

	// BorderCopy replicates the nearest interior row, column or plane
	// outward.
	BorderCopy
)

// Apply resamples a frame by the given translation using a frequency-
// domain phase ramp. phaseDiff comes from the matching Translation
// result and corrects the global complex phase of the inverse transform.
// The output has the same shape as the input.
func (rg *Registrar) Apply(img *frame.Frame, shift frame.Shift, phaseDiff float64, border BorderMode) *frame.Frame {
	freq := toComplex(img)
	rg.fft.Forward(freq, img.Shape)
	return rg.ApplyFreq(freq, img.Shape, shift, phaseDiff, border)
}

// ApplyFreq is Apply for an input already in the frequency domain,
// typically the SrcFreq retained by a Translation call. The input slice
// is not modified.
func (rg *Registrar) ApplyFreq(freq []complex128, shape frame.Shape, shift frame.Shift, phaseDiff float64, border BorderMode) *frame.Frame {
	dims := [3]int{shape.Rows, shape.Cols, shape.Planes}
	shifted := make([]complex128, len(freq))

	// Per-axis centered frequency ramps; the rigid translation is a
	// linear phase in the frequency domain.
	ramps := [3][]float64{}
	for d := 0; d < 3; d++ {
		ramp := make([]float64, dims[d])
		for k := 0; k < dims[d]; k++ {
			ramp[k] = -2 * math.Pi * shift[d] * float64(freqIndex(k, dims[d])) / float64(dims[d])
		}
		ramps[d] = ramp
	}
	phase := cmplx.Exp(complex(0, phaseDiff))
	for r := 0; r < dims[0]; r++ {
		for c := 0; c < dims[1]; c++ {
			for p := 0; p < dims[2]; p++ {
				i := flatIndex(dims, r, c, p)
				shifted[i] = freq[i] * cmplx.Exp(complex(0, ramps[0][r]+ramps[1][c]+ramps[2][p])) * phase
			}
		}
	}
	rg.fft.Inverse(shifted, shape)

	out := frame.New(shape)
	for i, v := range shifted {
		out.Data[i] = real(v)
	}
	FillBorder(out, shift, border)
	return out
}

// FillBorder applies the border policy to the region exposed by a shift:
// ceil(max(0, shift)) leading and floor(min(0, shift)) trailing samples
// per axis. It is shared by the frequency-domain applicator and the
// spatial fast path so both backends honor the same contract.
func FillBorder(img *frame.Frame, shift frame.Shift, border BorderMode) {
	if border == BorderNone {
		return
	}
	dims := [3]int{img.Shape.Rows, img.Shape.Cols, img.Shape.Planes}
	var lead, trail [3]int
	for d := 0; d < 3; d++ {
		lead[d] = int(math.Ceil(math.Max(0, shift[d])))
		trail[d] = -int(math.Floor(math.Min(0, shift[d])))
		if lead[d] > dims[d] {
			lead[d] = dims[d]
		}
		if trail[d] > dims[d] {
			trail[d] = dims[d]
		}
	}

	switch border {
	case BorderNaN:
		fillBorderConst(img, lead, trail, math.NaN())
	case BorderMin:
		fillBorderConst(img, lead, trail, img.MinFinite())
	case BorderCopy:
		for d := 0; d < 3; d++ {
			if lead[d] > 0 && lead[d] < dims[d] {
				copyHyperplane(img, d, lead[d], 0, lead[d])
			}
			if trail[d] > 0 && dims[d]-trail[d]-1 >= 0 {
				copyHyperplane(img, d, dims[d]-trail[d]-1, dims[d]-trail[d], dims[d])
			}
		}
	}
}

// fillBorderConst sets every element whose coordinate lies in a leading
// or trailing border range of any axis to v.
func fillBorderConst(img *frame.Frame, lead, trail [3]int, v float64) {
	dims := [3]int{img.Shape.Rows, img.Shape.Cols, img.Shape.Planes}
	for r := 0; r < dims[0]; r++ {
		inR := r < lead[0] || r >= dims[0]-trail[0]
		for c := 0; c < dims[1]; c++ {
			inC := c < lead[1] || c >= dims[1]-trail[1]
			for p := 0; p < dims[2]; p++ {
				if inR || inC || p < lead[2] || p >= dims[2]-trail[2] {
					img.Set(r, c, p, v)
				}
			}
		}
	}
}

// copyHyperplane replicates the hyperplane at index src along axis into
// every index in [from, to).
func copyHyperplane(img *frame.Frame, axis, src, from, to int) {
	dims := [3]int{img.Shape.Rows, img.Shape.Cols, img.Shape.Planes}
	for r := 0; r < dims[0]; r++ {
		for c := 0; c < dims[1]; c++ {
			for p := 0; p < dims[2]; p++ {
				coord := [3]int{r, c, p}
				if coord[axis] < from || coord[axis] >= to {
					continue
				}
				srcCoord := coord
				srcCoord[axis] = src
				img.Set(r, c, p, img.At(srcCoord[0], srcCoord[1], srcCoord[2]))
			}
		}
	}
}
