package correct

import (
	"math"
	"testing"

	"stackreg/pkg/frame"
)

// TestRemapIdentity verifies that a zero displacement field reproduces
// the input exactly: Catmull-Rom interpolation at sample positions is
// interpolating.
func TestRemapIdentity(t *testing.T) {
	f := testBlob(frame.Shape2D(16, 16), 8, 8, 3)
	out := remap(f, [3][]float64{})
	for i := range f.Data {
		if math.Abs(out.Data[i]-f.Data[i]) > 1e-12 {
			t.Fatalf("Expected identity remap at %d: %g vs %g", i, out.Data[i], f.Data[i])
		}
	}
}

// TestRemapIntegerShift verifies that a uniform integer displacement
// samples the displaced interior exactly.
func TestRemapIntegerShift(t *testing.T) {
	f := frame.New(frame.Shape2D(8, 8))
	for i := range f.Data {
		f.Data[i] = float64(i)
	}
	flow := constantFlow(f.Shape, frame.Shift{2, 0, 0})
	out := remap(f, flow)

	// out(r) = f(r+2) wherever all interpolation taps are interior.
	for r := 1; r < 5; r++ {
		for c := 1; c < 7; c++ {
			if got, want := out.At(r, c, 0), f.At(r+2, c, 0); math.Abs(got-want) > 1e-12 {
				t.Fatalf("Expected out(%d,%d)=%f, got %f", r, c, want, got)
			}
		}
	}
}

// TestSampleCubicReplicateBorder verifies edge replication outside the
// frame.
func TestSampleCubicReplicateBorder(t *testing.T) {
	f := frame.New(frame.Shape2D(4, 4))
	for i := range f.Data {
		f.Data[i] = 5
	}
	for _, pos := range [][3]float64{{-3, 1, 0}, {10, 2, 0}, {1.5, -8, 0}} {
		if got := sampleCubic3D(f, pos); math.Abs(got-5) > 1e-12 {
			t.Errorf("Expected replicated constant 5 at %v, got %f", pos, got)
		}
	}
}
