package batch

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"stackreg/pkg/correct"
	"stackreg/pkg/frame"
	"stackreg/pkg/register"
)

// testTexture builds a smooth periodic pattern whose periods divide the
// frame size, so integer circular shifts reproduce it exactly.
func testTexture(shape frame.Shape) *frame.Frame {
	f := frame.New(shape)
	for r := 0; r < shape.Rows; r++ {
		for c := 0; c < shape.Cols; c++ {
			v := math.Sin(2*math.Pi*float64(r)/16)*math.Cos(2*math.Pi*float64(c)/8) +
				0.5*math.Sin(2*math.Pi*(float64(r)+2*float64(c))/32)
			f.Set(r, c, 0, v)
		}
	}
	return f
}

// circShift circularly shifts a planar frame by integer amounts.
func circShift(f *frame.Frame, dr, dc int) *frame.Frame {
	s := f.Shape
	out := frame.New(s)
	for r := 0; r < s.Rows; r++ {
		for c := 0; c < s.Cols; c++ {
			sr := ((r-dr)%s.Rows + s.Rows) % s.Rows
			sc := ((c-dc)%s.Cols + s.Cols) % s.Cols
			out.Set(r, c, 0, f.At(sr, sc, 0))
		}
	}
	return out
}

// ncc computes the normalized cross-correlation of two frames.
func ncc(a, b *frame.Frame) float64 {
	var sa, sb float64
	for i := range a.Data {
		sa += a.Data[i]
		sb += b.Data[i]
	}
	n := float64(len(a.Data))
	ma, mb := sa/n, sb/n
	var num, da, db float64
	for i := range a.Data {
		x, y := a.Data[i]-ma, b.Data[i]-mb
		num += x * y
		da += x * x
		db += y * y
	}
	return num / math.Sqrt(da*db)
}

// TestSplitIndices verifies near-equal contiguous chunking.
func TestSplitIndices(t *testing.T) {
	chunks := splitIndices(10, 3)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	wantLens := []int{4, 3, 3}
	next := 0
	for i, chunk := range chunks {
		if len(chunk) != wantLens[i] {
			t.Errorf("Expected chunk %d length %d, got %d", i, wantLens[i], len(chunk))
		}
		for _, idx := range chunk {
			if idx != next {
				t.Fatalf("Expected contiguous coverage, chunk %d holds %d, want %d", i, idx, next)
			}
			next++
		}
	}
	if next != 10 {
		t.Errorf("Expected chunks to cover all 10 frames, covered %d", next)
	}

	// More chunks than frames degrades to one frame per chunk.
	chunks = splitIndices(3, 8)
	if len(chunks) != 3 {
		t.Errorf("Expected chunk count clamped to frame count, got %d", len(chunks))
	}
}

// TestAutoSplits verifies the bounds of the automatic chunk count.
func TestAutoSplits(t *testing.T) {
	shape := frame.Shape2D(64, 64)
	for _, n := range []int{1, 10, 1000} {
		s := autoSplits(n, shape)
		if s < 1 || s > n {
			t.Errorf("Expected 1 <= splits <= %d, got %d", n, s)
		}
	}
}

// TestExecutorEquivalence verifies that the pool visits the same work
// items as the sequential executor.
func TestExecutorEquivalence(t *testing.T) {
	const n = 25
	for _, ex := range []Executor{Sequential{}, Pool{Workers: 4}} {
		var visited [n]int32
		err := ex.Map(n, func(i int) error {
			atomic.AddInt32(&visited[i], 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Unexpected error from %T: %v", ex, err)
		}
		for i, count := range visited {
			if count != 1 {
				t.Errorf("%T: expected item %d visited once, got %d", ex, i, count)
			}
		}
	}
}

// TestPoolErrorOrdering verifies that the pool reports the first failing
// item in item order, regardless of completion order.
func TestPoolErrorOrdering(t *testing.T) {
	err := Pool{Workers: 4}.Map(10, func(i int) error {
		if i == 3 || i == 7 {
			return fmt.Errorf("boom %d", i)
		}
		return nil
	})
	if err == nil {
		t.Fatalf("Expected an error")
	}
	if !strings.Contains(err.Error(), "work item 3") {
		t.Errorf("Expected the first failing item reported, got %v", err)
	}
}

// TestMemSource verifies shape checking and index validation.
func TestMemSource(t *testing.T) {
	a := frame.New(frame.Shape2D(4, 4))
	b := frame.New(frame.Shape2D(4, 5))
	if _, err := NewMemSource([]*frame.Frame{a, b}); err == nil {
		t.Errorf("Expected an error for mismatched frame shapes")
	}

	src, err := NewMemSource([]*frame.Frame{a, a.Clone()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if src.Len() != 2 {
		t.Errorf("Expected length 2, got %d", src.Len())
	}
	if _, err := src.Load([]int{0, 5}); err == nil {
		t.Errorf("Expected an error for an out-of-range index")
	}
}

// TestRawMovieRoundTrip verifies the raw float32 movie file format.
func TestRawMovieRoundTrip(t *testing.T) {
	shape := frame.Shape2D(8, 6)
	path := filepath.Join(t.TempDir(), "movie.raw")

	sink, err := CreateRawMovie(path, shape, 3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := make([]*frame.Frame, 3)
	for i := range want {
		want[i] = frame.New(shape)
		for j := range want[i].Data {
			want[i].Data[j] = float64(i*100 + j)
		}
		if err := sink.WriteFrame(i, want[i]); err != nil {
			t.Fatalf("Unexpected write error: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Unexpected close error: %v", err)
	}

	src, err := OpenRawMovie(path, shape, 3)
	if err != nil {
		t.Fatalf("Unexpected open error: %v", err)
	}
	defer src.Close()

	if src.Len() != 3 || src.Shape() != shape {
		t.Fatalf("Expected 3 frames of %v, got %d of %v", shape, src.Len(), src.Shape())
	}
	got, err := src.Load([]int{2, 0})
	if err != nil {
		t.Fatalf("Unexpected load error: %v", err)
	}
	for j := range got[0].Data {
		if got[0].Data[j] != want[2].Data[j] {
			t.Fatalf("Expected frame 2 round-tripped, mismatch at %d", j)
		}
		if got[1].Data[j] != want[0].Data[j] {
			t.Fatalf("Expected frame 0 round-tripped, mismatch at %d", j)
		}
	}

	// A short file must be rejected up front.
	if _, err := OpenRawMovie(path, shape, 9); err == nil {
		t.Errorf("Expected an error for a movie file shorter than its geometry")
	}
}

// rigidParams builds engine parameters for the orchestration tests.
func rigidParams() correct.Params {
	return correct.Params{
		MaxShifts:         [3]int{4, 4, 0},
		UpsampleFactorFFT: 10,
		Border:            register.BorderNone,
	}
}

// TestOrchestratorRigid verifies whole-movie rigid correction: after two
// template iterations the per-frame shifts recover the synthetic motion
// up to a common offset and the saved frames are mutually aligned.
func TestOrchestratorRigid(t *testing.T) {
	base := testTexture(frame.Shape2D(64, 64))
	motion := [][2]int{{0, 0}, {1, -1}, {2, 2}, {-2, 1}, {0, -2}, {1, 1}, {-1, 0}, {2, -2}, {0, 1}, {-2, -1}, {1, 2}, {0, 0}}
	frames := make([]*frame.Frame, len(motion))
	for i, d := range motion {
		frames[i] = circShift(base, d[0], d[1])
	}
	src, err := NewMemSource(frames)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	sink := NewMemSink(len(frames))

	orch := NewOrchestrator(rigidParams(), Options{
		Splits:    3,
		NumIter:   2,
		SaveMovie: true,
		Executor:  Pool{Workers: 2},
	})
	res, err := orch.Run(src, sink, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(res.Shifts) != len(frames) {
		t.Fatalf("Expected shifts for %d frames, got %d", len(frames), len(res.Shifts))
	}
	if !res.Template.IsFinite() {
		t.Errorf("Expected a finite final template")
	}

	// Absolute shifts may share a constant offset from the bootstrap
	// template; relative motion must be cancelled.
	for i := 1; i < len(frames); i++ {
		dr := res.Shifts[i][0][0] - res.Shifts[0][0][0]
		dc := res.Shifts[i][0][1] - res.Shifts[0][0][1]
		wantR := -float64(motion[i][0] - motion[0][0])
		wantC := -float64(motion[i][1] - motion[0][1])
		if math.Abs(dr-wantR) > 0.3 || math.Abs(dc-wantC) > 0.3 {
			t.Errorf("Frame %d: expected relative applied shift (%.1f, %.1f), got (%.2f, %.2f)",
				i, wantR, wantC, dr, dc)
		}
	}

	for i, f := range sink.Frames {
		if f == nil {
			t.Fatalf("Expected frame %d saved on the final iteration", i)
		}
		if corr := ncc(f, sink.Frames[0]); corr < 0.95 {
			t.Errorf("Expected saved frames mutually aligned, frame %d correlation %f", i, corr)
		}
	}
}

// TestOrchestratorFiltered verifies that a filtered run registers
// frames and template in the same domain: a strong stationary
// low-frequency background must not pin the first-iteration shifts to
// zero, which it would if the template skipped the high-pass filter.
func TestOrchestratorFiltered(t *testing.T) {
	shape := frame.Shape2D(64, 64)
	texture := testTexture(shape)
	motion := [][2]int{{0, 0}, {2, 1}, {-2, -1}, {1, -2}, {-1, 2}, {0, 0}}
	frames := make([]*frame.Frame, len(motion))
	for i, d := range motion {
		f := circShift(texture, d[0], d[1])
		for r := 0; r < shape.Rows; r++ {
			for c := 0; c < shape.Cols; c++ {
				bg := 1000 * math.Sin(2*math.Pi*float64(r)/64) * math.Sin(2*math.Pi*float64(c)/64)
				f.Set(r, c, 0, f.At(r, c, 0)+bg)
			}
		}
		frames[i] = f
	}
	src, err := NewMemSource(frames)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	par := correct.Params{
		MaxShifts:         [3]int{4, 4, 0},
		UpsampleFactorFFT: 10,
		Filter:            &correct.HighPass{Freq: 4.5, Order: 4},
		FastPath:          true,
		Border:            register.BorderCopy,
	}
	orch := NewOrchestrator(par, Options{Splits: 2, NumIter: 1})
	res, err := orch.Run(src, nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.Template.IsFinite() {
		t.Errorf("Expected a finite filtered template")
	}
	for i := 1; i < len(motion); i++ {
		dr := res.Shifts[i][0][0] - res.Shifts[0][0][0]
		dc := res.Shifts[i][0][1] - res.Shifts[0][0][1]
		wantR := -float64(motion[i][0] - motion[0][0])
		wantC := -float64(motion[i][1] - motion[0][1])
		if math.Abs(dr-wantR) > 0.5 || math.Abs(dc-wantC) > 0.5 {
			t.Errorf("Frame %d: expected relative applied shift (%.1f, %.1f), got (%.2f, %.2f)",
				i, wantR, wantC, dr, dc)
		}
	}
}

// TestOrchestratorConvergence verifies that template refinement
// converges: across 1, 2 and 3 iterations over the same movie the
// template's distance to the true reference never grows beyond noise,
// and the 3-iteration template matches the reference closely.
func TestOrchestratorConvergence(t *testing.T) {
	base := testTexture(frame.Shape2D(64, 64))
	// Zero-mean motion, so the refined template converges onto the
	// unshifted reference rather than a displaced copy of it.
	motion := [][2]int{{2, 1}, {-2, -1}, {1, -2}, {-1, 2}, {0, 0}, {2, -1}, {-2, 1}, {0, 0}}
	frames := make([]*frame.Frame, len(motion))
	for i, d := range motion {
		frames[i] = circShift(base, d[0], d[1])
	}

	errs := make([]float64, 3)
	for iter := 1; iter <= 3; iter++ {
		src, err := NewMemSource(frames)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		orch := NewOrchestrator(rigidParams(), Options{Splits: 2, NumIter: iter})
		res, err := orch.Run(src, nil, nil)
		if err != nil {
			t.Fatalf("Unexpected error at %d iterations: %v", iter, err)
		}
		errs[iter-1] = 1 - ncc(res.Template, base)
	}

	const noise = 0.02
	if errs[1] > errs[0]+noise || errs[2] > errs[1]+noise {
		t.Errorf("Expected non-increasing template error, got %v", errs)
	}
	if errs[2] > 0.02 {
		t.Errorf("Expected the 3-iteration template to match the reference, error %f", errs[2])
	}
}

// TestOrchestratorPiecewiseNeedsTemplate verifies that per-patch
// correction refuses to bootstrap its own template.
func TestOrchestratorPiecewiseNeedsTemplate(t *testing.T) {
	par := rigidParams()
	par.MaxDeviationRigid = 2
	par.Strides = [3]int{32, 32, 1}
	par.Overlaps = [3]int{16, 16, 0}

	src, _ := NewMemSource([]*frame.Frame{testTexture(frame.Shape2D(64, 64))})
	orch := NewOrchestrator(par, Options{})
	if _, err := orch.Run(src, nil, nil); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("Expected ErrNoTemplate, got %v", err)
	}
}

// failingSource fails every Load that includes the poisoned index.
type failingSource struct {
	*MemSource
	bad int
}

func (s *failingSource) Load(indices []int) ([]*frame.Frame, error) {
	for _, idx := range indices {
		if idx == s.bad {
			return nil, fmt.Errorf("simulated read failure at frame %d", idx)
		}
	}
	return s.MemSource.Load(indices)
}

// TestOrchestratorChunkFailure verifies that one failing chunk aborts
// the whole iteration with frame context attached.
func TestOrchestratorChunkFailure(t *testing.T) {
	base := testTexture(frame.Shape2D(32, 32))
	frames := make([]*frame.Frame, 9)
	for i := range frames {
		frames[i] = base.Clone()
	}
	mem, _ := NewMemSource(frames)
	src := &failingSource{MemSource: mem, bad: 5}

	orch := NewOrchestrator(rigidParams(), Options{Splits: 3, Executor: Pool{Workers: 3}})
	_, err := orch.Run(src, nil, base.Clone())
	if err == nil {
		t.Fatalf("Expected the failing chunk to abort the run")
	}
	if !strings.Contains(err.Error(), "chunk") {
		t.Errorf("Expected chunk context in the error, got %v", err)
	}
}

// TestRandomSubset verifies subset size and membership; selection is
// with replacement, so duplicates are legitimate.
func TestRandomSubset(t *testing.T) {
	chunks := [][]int{{0, 1}, {2, 3}, {4, 5}}
	out := randomSubset(chunks, 5)
	if len(out) != 5 {
		t.Fatalf("Expected 5 chunks, got %d", len(out))
	}
	for i, chunk := range out {
		found := false
		for _, orig := range chunks {
			if len(chunk) == len(orig) && chunk[0] == orig[0] {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected subset element %d drawn from the input chunks, got %v", i, chunk)
		}
	}
}

// TestOrchestratorChunkSubset verifies that subsampled iterations run
// and disable whole-movie saving.
func TestOrchestratorChunkSubset(t *testing.T) {
	base := testTexture(frame.Shape2D(32, 32))
	frames := make([]*frame.Frame, 8)
	for i := range frames {
		frames[i] = base.Clone()
	}
	src, _ := NewMemSource(frames)
	sink := NewMemSink(len(frames))

	orch := NewOrchestrator(rigidParams(), Options{
		Splits:      4,
		ChunkSubset: 2,
		SaveMovie:   true,
	})
	res, err := orch.Run(src, sink, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Shifts) != 2*2 {
		t.Errorf("Expected shifts from 2 chunks of 2 frames, got %d", len(res.Shifts))
	}
	for i, f := range sink.Frames {
		if f != nil {
			t.Errorf("Expected saving disabled under subsampling, frame %d written", i)
		}
	}
}

// TestOrchestratorNonNegativeBias verifies that a negative-valued
// template lifts the movie during processing and that saved frames keep
// the lift only when requested.
func TestOrchestratorNonNegativeBias(t *testing.T) {
	base := testTexture(frame.Shape2D(32, 32))
	base.AddScalar(-base.MinFinite() - 3) // force negative values
	frames := []*frame.Frame{base.Clone(), base.Clone(), base.Clone(), base.Clone()}
	src, _ := NewMemSource(frames)
	sink := NewMemSink(len(frames))

	orch := NewOrchestrator(rigidParams(), Options{
		Splits:      2,
		SaveMovie:   true,
		NonNegative: true,
	})
	if _, err := orch.Run(src, sink, nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i, f := range sink.Frames {
		if f.MinFinite() < -1e-6 {
			t.Errorf("Expected non-negative saved frame %d, min %f", i, f.MinFinite())
		}
	}
}
