package frame

import (
	"math"
	"testing"
)

// TestShapeIndex verifies row-major flat indexing against At/Set.
func TestShapeIndex(t *testing.T) {
	shape := Shape{Rows: 3, Cols: 4, Planes: 2}
	f := New(shape)

	if got := shape.Size(); got != 24 {
		t.Fatalf("Expected size 24, got %d", got)
	}

	f.Set(2, 3, 1, 7.5)
	if got := f.Data[shape.Index(2, 3, 1)]; got != 7.5 {
		t.Errorf("Expected flat index to address the set element, got %f", got)
	}
	if got := f.At(2, 3, 1); got != 7.5 {
		t.Errorf("Expected At(2,3,1)=7.5, got %f", got)
	}

	if shape.Index(2, 3, 1) != 23 {
		t.Errorf("Expected Index(2,3,1)=23, got %d", shape.Index(2, 3, 1))
	}
}

// TestShapeRank verifies that single-plane shapes report rank 2.
func TestShapeRank(t *testing.T) {
	if got := Shape2D(8, 8).Rank(); got != 2 {
		t.Errorf("Expected rank 2 for a planar shape, got %d", got)
	}
	if got := (Shape{Rows: 8, Cols: 8, Planes: 3}).Rank(); got != 3 {
		t.Errorf("Expected rank 3 for a volumetric shape, got %d", got)
	}
}

// TestFromData verifies the length check.
func TestFromData(t *testing.T) {
	if _, err := FromData(make([]float64, 5), Shape2D(2, 3)); err == nil {
		t.Errorf("Expected an error for mismatched data length")
	}
	f, err := FromData(make([]float64, 6), Shape2D(2, 3))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if f.Shape.Rows != 2 || f.Shape.Cols != 3 {
		t.Errorf("Expected shape 2x3, got %v", f.Shape)
	}
}

// TestMinFinite verifies that NaN and Inf values are ignored.
func TestMinFinite(t *testing.T) {
	f := New(Shape2D(1, 4))
	f.Data = []float64{math.NaN(), 3, math.Inf(-1), -2}
	if got := f.MinFinite(); got != -2 {
		t.Errorf("Expected MinFinite -2, got %f", got)
	}

	empty := New(Shape2D(1, 2))
	empty.Data = []float64{math.NaN(), math.Inf(1)}
	if got := empty.MinFinite(); got != 0 {
		t.Errorf("Expected MinFinite 0 for no finite values, got %f", got)
	}
}

// TestReplaceNaN verifies in-place NaN substitution.
func TestReplaceNaN(t *testing.T) {
	f := New(Shape2D(1, 3))
	f.Data = []float64{1, math.NaN(), 3}
	f.ReplaceNaN(9)
	if f.Data[1] != 9 {
		t.Errorf("Expected NaN replaced by 9, got %f", f.Data[1])
	}
	if f.Data[0] != 1 || f.Data[2] != 3 {
		t.Errorf("Expected finite values untouched, got %v", f.Data)
	}
	if !f.IsFinite() {
		t.Errorf("Expected frame to be finite after replacement")
	}
}

// TestRegion verifies sub-volume extraction.
func TestRegion(t *testing.T) {
	f := New(Shape{Rows: 4, Cols: 4, Planes: 1})
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			f.Set(r, c, 0, float64(r*10+c))
		}
	}
	sub := f.Region([3]int{1, 2, 0}, [3]int{2, 2, 1})
	if sub.Shape.Rows != 2 || sub.Shape.Cols != 2 {
		t.Fatalf("Expected region shape 2x2, got %v", sub.Shape)
	}
	if sub.At(0, 0, 0) != 12 || sub.At(1, 1, 0) != 23 {
		t.Errorf("Expected region values 12 and 23, got %f and %f",
			sub.At(0, 0, 0), sub.At(1, 1, 0))
	}
}

// TestNanMeanStack verifies NaN-aware averaging across a stack.
func TestNanMeanStack(t *testing.T) {
	a := New(Shape2D(1, 3))
	a.Data = []float64{1, math.NaN(), math.NaN()}
	b := New(Shape2D(1, 3))
	b.Data = []float64{3, 4, math.NaN()}

	mean, err := NanMeanStack([]*Frame{a, b})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if mean.Data[0] != 2 {
		t.Errorf("Expected mean 2 at index 0, got %f", mean.Data[0])
	}
	if mean.Data[1] != 4 {
		t.Errorf("Expected mean 4 at index 1 (one NaN ignored), got %f", mean.Data[1])
	}
	if !math.IsNaN(mean.Data[2]) {
		t.Errorf("Expected NaN where every frame is NaN, got %f", mean.Data[2])
	}

	if _, err := NanMeanStack(nil); err == nil {
		t.Errorf("Expected an error for an empty stack")
	}
}

// TestNanMedianStack verifies NaN-aware per-pixel medians.
func TestNanMedianStack(t *testing.T) {
	frames := make([]*Frame, 3)
	values := [][]float64{
		{1, 5, math.NaN()},
		{2, math.NaN(), math.NaN()},
		{9, 1, math.NaN()},
	}
	for i, v := range values {
		frames[i] = New(Shape2D(1, 3))
		frames[i].Data = v
	}

	med, err := NanMedianStack(frames)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if med.Data[0] != 2 {
		t.Errorf("Expected median 2, got %f", med.Data[0])
	}
	if med.Data[1] != 3 {
		t.Errorf("Expected median 3 (mean of two survivors), got %f", med.Data[1])
	}
	if !math.IsNaN(med.Data[2]) {
		t.Errorf("Expected NaN where every frame is NaN, got %f", med.Data[2])
	}
}

// TestNanMedianStackShapeMismatch verifies the shape check.
func TestNanMedianStackShapeMismatch(t *testing.T) {
	a := New(Shape2D(2, 2))
	b := New(Shape2D(2, 3))
	if _, err := NanMedianStack([]*Frame{a, b}); err == nil {
		t.Errorf("Expected an error for mismatched shapes")
	}
}

// TestBinMedian verifies binned-median template estimation: frames are
// averaged in windows and the median of the window means is taken.
func TestBinMedian(t *testing.T) {
	// Six constant frames; window 2 produces means 1, 10, 100 and the
	// median of those is 10.
	levels := []float64{0, 2, 8, 12, 98, 102}
	frames := make([]*Frame, len(levels))
	for i, v := range levels {
		frames[i] = New(Shape2D(2, 2))
		for j := range frames[i].Data {
			frames[i].Data[j] = v
		}
	}

	templ, err := BinMedian(frames, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i, v := range templ.Data {
		if v != 10 {
			t.Fatalf("Expected binned median 10 at index %d, got %f", i, v)
		}
	}
}

// TestBinMedianWindowClamp verifies that oversized and non-positive
// windows are clamped rather than rejected.
func TestBinMedianWindowClamp(t *testing.T) {
	frames := []*Frame{New(Shape2D(1, 1)), New(Shape2D(1, 1))}
	frames[0].Data[0] = 2
	frames[1].Data[0] = 4

	templ, err := BinMedian(frames, 100)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if templ.Data[0] != 3 {
		t.Errorf("Expected single-bin mean 3, got %f", templ.Data[0])
	}

	templ, err = BinMedian(frames, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if templ.Data[0] != 3 {
		t.Errorf("Expected median of per-frame bins 3, got %f", templ.Data[0])
	}
}
