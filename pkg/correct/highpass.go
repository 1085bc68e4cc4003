package correct

import (
	"math"

	"stackreg/pkg/frame"
	"stackreg/pkg/register"
)

// HighPass configures the spatial high-pass filter that suppresses
// large-scale photometric structure before registration, used for
// one-photon style imaging where slow background dominates the signal.
// When Freq and Order are set the filter is a Butterworth-style
// frequency-domain attenuation; otherwise it is a centered Gaussian
// difference kernel of width Sigma.
type HighPass struct {
	Sigma float64
	Freq  float64
	Order int
}

func (h *HighPass) butterworth() bool {
	return h.Freq > 0 && h.Order > 0
}

// apply filters every plane of the frame independently.
func (h *HighPass) apply(f *frame.Frame, fft register.Backend) *frame.Frame {
	if h.butterworth() {
		return h.applyButterworth(f, fft)
	}
	return h.applyGaussian(f)
}

// applyGaussian convolves each plane with a zero-mean kernel built from
// a centered Gaussian: the central lobe has its mean subtracted and the
// skirt is zeroed, so flat background cancels while local structure
// passes.
func (h *HighPass) applyGaussian(f *frame.Frame) *frame.Frame {
	ksize := int(3*h.Sigma)/2*2 + 1
	if ksize < 3 {
		ksize = 3
	}
	g := gaussianKernel1D(ksize, h.Sigma)
	ker := make([][]float64, ksize)
	for i := range ker {
		ker[i] = make([]float64, ksize)
		for j := range ker[i] {
			ker[i][j] = g[i] * g[j]
		}
	}

	// Threshold at the largest value of the kernel's first column: the
	// central lobe keeps its values re-centered to zero mean, the rest
	// is dropped.
	thresh := math.Inf(-1)
	for i := 0; i < ksize; i++ {
		if ker[i][0] > thresh {
			thresh = ker[i][0]
		}
	}
	var sum float64
	var count int
	for i := range ker {
		for j := range ker[i] {
			if ker[i][j] >= thresh {
				sum += ker[i][j]
				count++
			}
		}
	}
	mean := sum / float64(count)
	for i := range ker {
		for j := range ker[i] {
			if ker[i][j] >= thresh {
				ker[i][j] -= mean
			} else {
				ker[i][j] = 0
			}
		}
	}

	out := frame.New(f.Shape)
	half := ksize / 2
	rows, cols, planes := f.Shape.Rows, f.Shape.Cols, f.Shape.Planes
	for p := 0; p < planes; p++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				var acc float64
				for i := 0; i < ksize; i++ {
					rr := reflectIndex(r+i-half, rows)
					for j := 0; j < ksize; j++ {
						cc := reflectIndex(c+j-half, cols)
						acc += ker[i][j] * f.At(rr, cc, p)
					}
				}
				out.Set(r, c, p, acc)
			}
		}
	}
	return out
}

// applyButterworth attenuates low frequencies of each plane with
// H = 1 - 1/(1 + ((x^2+y^2)/freq^2)^order) applied in the frequency
// domain.
func (h *HighPass) applyButterworth(f *frame.Frame, fft register.Backend) *frame.Frame {
	rows, cols, planes := f.Shape.Rows, f.Shape.Cols, f.Shape.Planes
	planeShape := frame.Shape2D(rows, cols)
	out := frame.New(f.Shape)
	buf := make([]complex128, rows*cols)
	for p := 0; p < planes; p++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				buf[r*cols+c] = complex(f.At(r, c, p), 0)
			}
		}
		fft.Forward(buf, planeShape)
		for r := 0; r < rows; r++ {
			// Centered spatial-frequency coordinates, shifted back to
			// standard DFT bin order.
			y := float64(freqCoord(r, rows))
			for c := 0; c < cols; c++ {
				x := float64(freqCoord(c, cols))
				att := 1 - 1/(1+math.Pow((x*x+y*y)/(h.Freq*h.Freq), float64(h.Order)))
				buf[r*cols+c] *= complex(att, 0)
			}
		}
		fft.Inverse(buf, planeShape)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out.Set(r, c, p, real(buf[r*cols+c]))
			}
		}
	}
	return out
}

// freqCoord maps DFT bin k of an axis of length n to its centered
// coordinate in [-n/2, n/2).
func freqCoord(k, n int) int {
	return (k+n/2)%n - n/2
}

// gaussianKernel1D returns a normalized 1D Gaussian of the given odd
// size.
func gaussianKernel1D(size int, sigma float64) []float64 {
	g := make([]float64, size)
	center := float64(size-1) / 2
	var sum float64
	for i := range g {
		d := float64(i) - center
		g[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += g[i]
	}
	for i := range g {
		g[i] /= sum
	}
	return g
}

// reflectIndex reflects an out-of-range index back into [0, n), edge
// sample included.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}
