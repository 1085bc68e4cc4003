// Package register implements sub-pixel translation registration between
// equally shaped 2D or 3D frames by phase correlation, and the matching
// frequency-domain shift applicator.
//
// The estimation follows Guizar-Sicairos et al., "Efficient subpixel
// image registration algorithms", Optics Letters 33, 156-158 (2008): a
// full-resolution cross-correlation locates the integer-pixel peak, and a
// localized matrix-multiply DFT refines it to 1/upsample of a pixel.
package register

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"stackreg/pkg/frame"
)

var (
	// ErrShapeMismatch reports frames of different shapes passed to
	// Translation. The caller's input is invalid; nothing was estimated.
	ErrShapeMismatch = errors.New("register: frames must have the same shape")

	// ErrBadBounds reports a shift-bound window that is empty or
	// inverted. Lower == Upper admits no shift at all and would
	// silently degrade to the zero bin.
	ErrBadBounds = errors.New("register: empty shift bound window")

	// ErrBadUpsample reports a non-positive upsample factor.
	ErrBadUpsample = errors.New("register: upsample factor must be >= 1")
)

// Bounds restricts the admissible integer shift per axis to the
// inclusive-exclusive range [Lower, Upper), which must be non-empty on
// every axis. Negative values wrap at the Nyquist boundary exactly as a
// circular shift would.
type Bounds struct {
	Lower [3]int
	Upper [3]int
}

// Result is the outcome of a translation estimate.
type Result struct {
	// Shift is the measured displacement of src relative to target, in
	// pixels per axis. Applying the negated shift to src aligns it with
	// target.
	Shift frame.Shift

	// SrcFreq is the forward transform of src, retained so a caller that
	// immediately applies a shift can skip one FFT.
	SrcFreq []complex128

	// Error is the translation-invariant normalized RMS error between
	// the two frames.
	Error float64

	// PhaseDiff is the global phase difference at the correlation peak,
	// needed when the shift is applied in the frequency domain.
	PhaseDiff float64
}

// Registrar estimates translations using an explicit FFT backend. It
// reuses the backend's plan cache across calls and is therefore not safe
// for concurrent use; give each worker its own Registrar.
type Registrar struct {
	fft Backend
}

// NewRegistrar creates a registrar around the given FFT backend.
func NewRegistrar(fft Backend) *Registrar {
	return &Registrar{fft: fft}
}

// Backend returns the FFT backend the registrar was built with.
func (rg *Registrar) Backend() Backend {
	return rg.fft
}

// Translation estimates the shift of src relative to target to within
// 1/upsample of a pixel. maxShifts bounds the admissible shift
// symmetrically per axis; bounds, when non-nil, overrides maxShifts with
// an explicit per-axis range.
func (rg *Registrar) Translation(src, target *frame.Frame, upsample int, maxShifts [3]int, bounds *Bounds) (*Result, error) {
	if src.Shape != target.Shape {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, src.Shape, target.Shape)
	}
	srcFreq := toComplex(src)
	targetFreq := toComplex(target)
	rg.fft.Forward(srcFreq, src.Shape)
	rg.fft.Forward(targetFreq, src.Shape)
	return rg.TranslationFreq(srcFreq, targetFreq, src.Shape, upsample, maxShifts, bounds)
}

// TranslationFreq is Translation for inputs already in the frequency
// domain, used to avoid redundant forward transforms.
func (rg *Registrar) TranslationFreq(srcFreq, targetFreq []complex128, shape frame.Shape, upsample int, maxShifts [3]int, bounds *Bounds) (*Result, error) {
	if len(srcFreq) != shape.Size() || len(targetFreq) != shape.Size() {
		return nil, fmt.Errorf("%w: frequency data does not match shape %v", ErrShapeMismatch, shape)
	}
	if upsample < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrBadUpsample, upsample)
	}
	if bounds != nil {
		for d := 0; d < 3; d++ {
			if bounds.Lower[d] >= bounds.Upper[d] {
				return nil, fmt.Errorf("%w: axis %d: [%d, %d)", ErrBadBounds, d, bounds.Lower[d], bounds.Upper[d])
			}
		}
	}
	dims := [3]int{shape.Rows, shape.Cols, shape.Planes}

	// Cross-correlation surface via the inverse transform of the
	// cross-power spectrum.
	product := make([]complex128, len(srcFreq))
	for i := range product {
		product[i] = srcFreq[i] * cmplx.Conj(targetFreq[i])
	}
	cc := make([]complex128, len(product))
	copy(cc, product)
	rg.fft.Inverse(cc, shape)

	peak := locatePeak(cc, dims, maxShifts, bounds)

	// Wrap the peak location into the centered shift range.
	var shift frame.Shift
	for d := 0; d < 3; d++ {
		k := peak[d]
		if k > dims[d]/2 {
			k -= dims[d]
		}
		shift[d] = float64(k)
	}

	var ccMax complex128
	var srcAmp, targetAmp float64
	if upsample == 1 {
		ccMax = cc[flatIndex(dims, peak[0], peak[1], peak[2])]
		srcAmp = meanSquaredMagnitude(srcFreq)
		targetAmp = meanSquaredMagnitude(targetFreq)
	} else {
		shift, ccMax, srcAmp, targetAmp = rg.refineSubPixel(product, srcFreq, targetFreq, dims, shift, upsample)
	}

	// A length-1 axis admits no meaningful translation.
	for d := 0; d < 3; d++ {
		if dims[d] == 1 {
			shift[d] = 0
		}
	}

	return &Result{
		Shift:     shift,
		SrcFreq:   srcFreq,
		Error:     normalizedRMSError(ccMax, srcAmp, targetAmp),
		PhaseDiff: math.Atan2(imag(ccMax), real(ccMax)),
	}, nil
}

// refineSubPixel evaluates the cross-correlation on a small upsampled
// neighborhood around the integer estimate and relocates the peak there.
func (rg *Registrar) refineSubPixel(product, srcFreq, targetFreq []complex128, dims [3]int, shift frame.Shift, upsample int) (frame.Shift, complex128, float64, float64) {
	factor := float64(upsample)
	var region [3]int
	var dftShift [3]float64
	var offsets [3]float64
	for d := 0; d < 3; d++ {
		shift[d] = math.Round(shift[d]*factor) / factor
		if dims[d] == 1 {
			region[d] = 1
		} else {
			region[d] = int(math.Ceil(1.5 * factor))
		}
		dftShift[d] = math.Trunc(float64(region[d]) / 2)
		offsets[d] = dftShift[d] - shift[d]*factor
	}
	normalization := float64(dims[0]*dims[1]*dims[2]) * factor * factor

	conjProduct := make([]complex128, len(product))
	for i, v := range product {
		conjProduct[i] = cmplx.Conj(v)
	}
	local := upsampledDFT(conjProduct, dims, region, factor, offsets)
	for i := range local {
		local[i] = cmplx.Conj(local[i]) / complex(normalization, 0)
	}

	best := 0
	bestMag := math.Inf(-1)
	for i, v := range local {
		if m := cmplx.Abs(v); m > bestMag {
			bestMag = m
			best = i
		}
	}
	var maxima [3]int
	maxima[2] = best % region[2]
	maxima[1] = (best / region[2]) % region[1]
	maxima[0] = best / (region[1] * region[2])
	for d := 0; d < 3; d++ {
		shift[d] += (float64(maxima[d]) - dftShift[d]) / factor
	}

	srcAmp := real(zeroOffsetPower(srcFreq, dims, factor)) / normalization
	targetAmp := real(zeroOffsetPower(targetFreq, dims, factor)) / normalization
	return shift, local[best], srcAmp, targetAmp
}

// zeroOffsetPower computes the localized DFT of |freq|^2 at a single
// zero-offset sample, the normalization term of the error metric.
func zeroOffsetPower(freq []complex128, dims [3]int, factor float64) complex128 {
	power := make([]complex128, len(freq))
	for i, v := range freq {
		power[i] = v * cmplx.Conj(v)
	}
	out := upsampledDFT(power, dims, [3]int{1, 1, 1}, factor, [3]float64{})
	return out[0]
}

// locatePeak finds the maximum-magnitude cross-correlation bin among the
// admissible shifts.
func locatePeak(cc []complex128, dims [3]int, maxShifts [3]int, bounds *Bounds) [3]int {
	allowed := [3][]bool{}
	for d := 0; d < 3; d++ {
		allowed[d] = allowedBins(dims[d], maxShifts[d], bounds, d)
	}
	best := [3]int{}
	bestMag := math.Inf(-1)
	for r := 0; r < dims[0]; r++ {
		if !allowed[0][r] {
			continue
		}
		for c := 0; c < dims[1]; c++ {
			if !allowed[1][c] {
				continue
			}
			for p := 0; p < dims[2]; p++ {
				if !allowed[2][p] {
					continue
				}
				if m := cmplx.Abs(cc[flatIndex(dims, r, c, p)]); m > bestMag {
					bestMag = m
					best = [3]int{r, c, p}
				}
			}
		}
	}
	return best
}

// allowedBins marks the cross-correlation bins along one axis that fall
// inside the admissible shift window. A negative lower bound together
// with a non-negative upper bound keeps both tails of the spectrum;
// otherwise the admissible region is the bound-to-bound run, wrapped.
func allowedBins(n, maxShift int, bounds *Bounds, axis int) []bool {
	allowed := make([]bool, n)
	if n == 1 {
		allowed[0] = true
		return allowed
	}
	if bounds == nil {
		if maxShift <= 0 || maxShift >= n-maxShift {
			for k := range allowed {
				allowed[k] = true
			}
			return allowed
		}
		for k := 0; k < n; k++ {
			allowed[k] = k < maxShift || k >= n-maxShift
		}
		return allowed
	}
	lb, ub := bounds.Lower[axis], bounds.Upper[axis]
	if lb < 0 && ub >= 0 {
		// Keep both tails: [0, ub) and [n+lb, n).
		for k := 0; k < n; k++ {
			allowed[k] = k < ub || k >= n+lb
		}
		return allowed
	}
	lo := ((lb % n) + n) % n
	hi := ((ub % n) + n) % n
	for k := lo; k < hi && k < n; k++ {
		allowed[k] = true
	}
	return allowed
}

func meanSquaredMagnitude(freq []complex128) float64 {
	var sum float64
	for _, v := range freq {
		re, im := real(v), imag(v)
		sum += re*re + im*im
	}
	return sum / float64(len(freq))
}

// normalizedRMSError computes sqrt(|1 - |ccMax|^2 / (srcAmp*targetAmp)|).
func normalizedRMSError(ccMax complex128, srcAmp, targetAmp float64) float64 {
	if srcAmp == 0 || targetAmp == 0 {
		return math.NaN()
	}
	mag := real(ccMax)*real(ccMax) + imag(ccMax)*imag(ccMax)
	return math.Sqrt(math.Abs(1 - mag/(srcAmp*targetAmp)))
}
