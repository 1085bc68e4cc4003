package register

import (
	"gonum.org/v1/gonum/dsp/fourier"

	"stackreg/pkg/frame"
)

// Backend performs forward and inverse discrete Fourier transforms over
// the axes of a frame-shaped complex volume. The forward transform is
// unnormalized and the inverse applies the 1/N scaling, matching the
// conventions the correction math is written against.
//
// A Backend is not safe for concurrent use. Construct one per worker and
// pass it down explicitly; there is no process-wide shared transform
// state.
type Backend interface {
	// Forward replaces data with its multidimensional DFT.
	Forward(data []complex128, shape frame.Shape)

	// Inverse replaces data with its normalized inverse DFT.
	Inverse(data []complex128, shape frame.Shape)
}

// FFTBackend is a Backend built on gonum's complex FFT, with transform
// plans cached per axis length.
type FFTBackend struct {
	plans   map[int]*fourier.CmplxFFT
	scratch []complex128
}

// NewFFTBackend creates an FFT backend with an empty plan cache.
func NewFFTBackend() *FFTBackend {
	return &FFTBackend{plans: make(map[int]*fourier.CmplxFFT)}
}

func (b *FFTBackend) plan(n int) *fourier.CmplxFFT {
	p, ok := b.plans[n]
	if !ok {
		p = fourier.NewCmplxFFT(n)
		b.plans[n] = p
	}
	return p
}

// Forward implements Backend.
func (b *FFTBackend) Forward(data []complex128, shape frame.Shape) {
	b.transform(data, shape, false)
}

// Inverse implements Backend.
func (b *FFTBackend) Inverse(data []complex128, shape frame.Shape) {
	b.transform(data, shape, true)
}

// transform applies a 1D transform along every axis of length > 1 in
// turn. Length-1 axes are identity transforms and are skipped.
func (b *FFTBackend) transform(data []complex128, shape frame.Shape, inverse bool) {
	dims := [3]int{shape.Rows, shape.Cols, shape.Planes}
	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		if n <= 1 {
			continue
		}
		b.transformAxis(data, dims, axis, inverse)
	}
}

// transformAxis runs the cached 1D plan over every line of the volume
// along the given axis.
func (b *FFTBackend) transformAxis(data []complex128, dims [3]int, axis int, inverse bool) {
	n := dims[axis]
	p := b.plan(n)
	if cap(b.scratch) < 2*n {
		b.scratch = make([]complex128, 2*n)
	}
	line := b.scratch[:n]
	out := b.scratch[n : 2*n]

	// Iterate over all lines: fix the two other axes, walk this one.
	outer := [3]int{dims[0], dims[1], dims[2]}
	outer[axis] = 1
	stride := lineStride(dims, axis)
	for i := 0; i < outer[0]; i++ {
		for j := 0; j < outer[1]; j++ {
			for k := 0; k < outer[2]; k++ {
				base := flatIndex(dims, i, j, k)
				for t := 0; t < n; t++ {
					line[t] = data[base+t*stride]
				}
				if inverse {
					p.Sequence(out, line)
					inv := complex(1/float64(n), 0)
					for t := 0; t < n; t++ {
						data[base+t*stride] = out[t] * inv
					}
				} else {
					p.Coefficients(out, line)
					for t := 0; t < n; t++ {
						data[base+t*stride] = out[t]
					}
				}
			}
		}
	}
}

// lineStride returns the flat-index distance between consecutive
// elements along an axis of a (rows, cols, planes) row-major volume.
func lineStride(dims [3]int, axis int) int {
	switch axis {
	case 0:
		return dims[1] * dims[2]
	case 1:
		return dims[2]
	default:
		return 1
	}
}

func flatIndex(dims [3]int, r, c, p int) int {
	return (r*dims[1]+c)*dims[2] + p
}

// freqIndex maps a DFT bin k of an axis of length n to its signed
// frequency index in [-n/2, n/2).
func freqIndex(k, n int) int {
	return (k+n/2)%n - n/2
}

// toComplex copies a real frame into a freshly allocated complex volume.
func toComplex(f *frame.Frame) []complex128 {
	out := make([]complex128, len(f.Data))
	for i, v := range f.Data {
		out[i] = complex(v, 0)
	}
	return out
}
