// Package correct implements piecewise-rigid motion correction of a
// single frame against a template: a whole-frame rigid estimate,
// optional per-patch refinement within a bounded deviation from the
// rigid shift, upsampling of the patch vector field, and shear-aware
// stitching of the corrected patches.
package correct

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"stackreg/pkg/frame"
	"stackreg/pkg/register"
	"stackreg/pkg/tile"
)

var (
	// ErrNonFinite reports NaN or Inf values in a template or movie.
	// This is fatal for the whole run: a corrupted template would
	// silently degrade every subsequent correction.
	ErrNonFinite = errors.New("correct: non-finite values in data")

	// ErrFilteredFFT reports the unimplemented combination of the
	// spatial high-pass filter with the frequency-domain patch
	// resampling path. Use the fast resampling path with filtering.
	ErrFilteredFFT = errors.New("correct: high-pass filtering requires the fast resampling path")
)

// DefaultMaxShearBlend is the shear threshold below which overlapping
// patches are blended smoothly. The value is empirical, inherited from
// established practice; there is no documented derivation.
const DefaultMaxShearBlend = 0.5

// Params configures the correction engine.
type Params struct {
	// Strides and Overlaps define the patch grid; patch size is
	// strides+overlaps per axis.
	Strides  [3]int
	Overlaps [3]int

	// MaxShifts bounds the whole-frame rigid shift per axis.
	MaxShifts [3]int

	// MaxDeviationRigid bounds each patch's shift deviation from the
	// rigid estimate. Zero disables patch refinement entirely.
	MaxDeviationRigid int

	// UpsampleFactorGrid divides the strides to derive the finer
	// resampling grid when NewStrides is not set. Defaults to 4.
	UpsampleFactorGrid int

	// UpsampleFactorFFT is the sub-pixel registration precision
	// denominator. Defaults to 10.
	UpsampleFactorFFT int

	// NewStrides and NewOverlaps override the finer grid used when
	// resampling patches in the frequency-domain path.
	NewStrides  [3]int
	NewOverlaps [3]int

	// Filter, when non-nil, high-passes the frame before registration.
	// Shifts are then applied to the unfiltered frame, which requires
	// FastPath.
	Filter *HighPass

	// FastPath warps the frame with one dense spatial remap instead of
	// per-patch frequency-domain shifts. Faster, mildly smoothing.
	FastPath bool

	// Border selects the fill policy for regions exposed by shifting.
	Border register.BorderMode

	// AddToMovie is a constant intensity bias added before registration
	// and removed afterwards, for movies with negative values.
	AddToMovie float64

	// MaxShearBlend is the 75th-percentile shear threshold selecting
	// between smooth blending and hard patch seams. Defaults to
	// DefaultMaxShearBlend.
	MaxShearBlend float64
}

// Result is the outcome of correcting one frame.
type Result struct {
	// Frame is the corrected frame, same shape as the input.
	Frame *frame.Frame

	// Shifts holds the shifts actually applied (sign-inverted from the
	// measured displacement): one entry for a pure rigid correction,
	// one per patch otherwise.
	Shifts []frame.Shift

	// PatchOrigins and GridCoords identify each patch of Shifts; nil
	// for a pure rigid correction.
	PatchOrigins [][3]int
	GridCoords   [][3]int
}

// Engine corrects frames against templates. It owns a registrar with its
// own FFT backend and is not safe for concurrent use; construct one
// engine per worker.
type Engine struct {
	reg *register.Registrar
	par Params
}

// NewEngine creates an engine with the given FFT backend, filling in
// parameter defaults.
func NewEngine(fft register.Backend, par Params) *Engine {
	if par.UpsampleFactorFFT < 1 {
		par.UpsampleFactorFFT = 10
	}
	if par.UpsampleFactorGrid < 1 {
		par.UpsampleFactorGrid = 4
	}
	if par.MaxShearBlend == 0 {
		par.MaxShearBlend = DefaultMaxShearBlend
	}
	return &Engine{reg: register.NewRegistrar(fft), par: par}
}

// Params returns the engine's effective parameters.
func (e *Engine) Params() Params {
	return e.par
}

// Filter applies the engine's configured high-pass filter to a frame,
// returning the input unchanged when no filter is configured. The
// orchestrator uses this to filter refined templates between iterations.
func (e *Engine) Filter(f *frame.Frame) *frame.Frame {
	if e.par.Filter == nil {
		return f
	}
	return e.par.Filter.apply(f, e.reg.Backend())
}

// Correct registers img against template and resamples it to cancel the
// measured motion. The template must be free of non-finite values.
func (e *Engine) Correct(img, template *frame.Frame) (*Result, error) {
	if img.Shape != template.Shape {
		return nil, fmt.Errorf("%w: frame %v vs template %v", register.ErrShapeMismatch, img.Shape, template.Shape)
	}
	if !template.IsFinite() {
		return nil, fmt.Errorf("%w: template", ErrNonFinite)
	}
	if e.par.Filter != nil && !e.par.FastPath {
		return nil, ErrFilteredFFT
	}

	strides, overlaps := normalizeGrid(img.Shape, e.par.Strides, e.par.Overlaps)

	work := img.Clone()
	templ := template.Clone()
	var unfiltered *frame.Frame
	if e.par.Filter != nil {
		unfiltered = img.Clone()
		work = e.par.Filter.apply(work, e.reg.Backend())
	}
	add := e.par.AddToMovie
	work.AddScalar(add)
	templ.AddScalar(add)

	rigid, err := e.reg.Translation(work, templ, e.par.UpsampleFactorFFT, e.par.MaxShifts, nil)
	if err != nil {
		return nil, err
	}

	if e.par.MaxDeviationRigid == 0 {
		return e.correctRigid(work, unfiltered, rigid, add)
	}
	return e.correctPiecewise(work, unfiltered, templ, rigid, strides, overlaps, add)
}

// correctRigid applies the single whole-frame shift.
func (e *Engine) correctRigid(work, unfiltered *frame.Frame, rigid *register.Result, add float64) (*Result, error) {
	applied := rigid.Shift.Neg()
	var out *frame.Frame
	if e.par.FastPath {
		base, bias := work, add
		if unfiltered != nil {
			base, bias = unfiltered, 0
		}
		flow := constantFlow(base.Shape, rigid.Shift)
		out = remap(base, flow)
		register.FillBorder(out, applied, e.par.Border)
		out.AddScalar(-bias)
	} else {
		out = e.reg.ApplyFreq(rigid.SrcFreq, work.Shape, applied, rigid.PhaseDiff, e.par.Border)
		out.AddScalar(-add)
	}
	return &Result{Frame: out, Shifts: []frame.Shift{applied}}, nil
}

// correctPiecewise refines the rigid estimate per patch and stitches the
// corrected patches back into one frame.
func (e *Engine) correctPiecewise(work, unfiltered, templ *frame.Frame, rigid *register.Result, strides, overlaps [3]int, add float64) (*Result, error) {
	templPatches := tile.Grid(templ, strides, overlaps)
	imgPatches := tile.Grid(work, strides, overlaps)
	_, _, gridDims := tile.Layout(work.Shape, strides, overlaps)

	// Each patch searches within a bounded deviation from the rigid
	// estimate.
	dev := float64(e.par.MaxDeviationRigid)
	var bounds register.Bounds
	for d := 0; d < 3; d++ {
		bounds.Lower[d] = int(math.Ceil(rigid.Shift[d] - dev))
		bounds.Upper[d] = int(math.Floor(rigid.Shift[d] + dev))
	}

	numTiles := len(imgPatches)
	fields := [3][]float64{}
	for d := 0; d < 3; d++ {
		fields[d] = make([]float64, numTiles)
	}
	phases := make([]float64, numTiles)
	for i := range imgPatches {
		res, err := e.reg.Translation(imgPatches[i].Data, templPatches[i].Data,
			e.par.UpsampleFactorFFT, e.par.MaxShifts, &bounds)
		if err != nil {
			return nil, err
		}
		for d := 0; d < 3; d++ {
			fields[d][i] = res.Shift[d]
		}
		phases[i] = res.PhaseDiff
	}

	if e.par.FastPath {
		return e.stitchFast(work, unfiltered, imgPatches, fields, gridDims, add)
	}
	return e.stitchFrequency(work, fields, phases, gridDims, strides, overlaps, add)
}

// stitchFast upsamples the patch shift field to full-frame resolution
// and applies it as one dense remap.
func (e *Engine) stitchFast(work, unfiltered *frame.Frame, patches []tile.Patch, fields [3][]float64, gridDims [3]int, add float64) (*Result, error) {
	base, bias := work, add
	if unfiltered != nil {
		base, bias = unfiltered, 0
	}
	dims := [3]int{base.Shape.Rows, base.Shape.Cols, base.Shape.Planes}
	var flow [3][]float64
	for d := 0; d < 3; d++ {
		if dims[d] > 1 {
			flow[d] = resizeVolume(fields[d], gridDims, dims)
		}
	}
	out := remap(base, flow)
	out.AddScalar(-bias)

	shifts := make([]frame.Shift, len(patches))
	origins := make([][3]int, len(patches))
	coords := make([][3]int, len(patches))
	for i, p := range patches {
		shifts[i] = frame.Shift{-fields[0][i], -fields[1][i], -fields[2][i]}
		origins[i] = p.Origin
		coords[i] = p.Coord
	}
	return &Result{Frame: out, Shifts: shifts, PatchOrigins: origins, GridCoords: coords}, nil
}

// stitchFrequency upsamples the shift and phase fields onto a finer
// patch grid, shifts each fine patch in the frequency domain, and
// stitches the results with smooth blending or hard seams depending on
// the measured shear.
func (e *Engine) stitchFrequency(work *frame.Frame, fields [3][]float64, phases []float64, gridDims, strides, overlaps [3]int, add float64) (*Result, error) {
	newStrides := e.par.NewStrides
	newOverlaps := e.par.NewOverlaps
	for d := 0; d < 3; d++ {
		if newStrides[d] == 0 {
			newStrides[d] = int(math.Round(float64(strides[d]) / float64(e.par.UpsampleFactorGrid)))
			if newStrides[d] < 1 {
				newStrides[d] = 1
			}
		}
		if newOverlaps[d] == 0 {
			newOverlaps[d] = overlaps[d]
		}
	}
	newStrides, newOverlaps = normalizeGrid(work.Shape, newStrides, newOverlaps)

	finePatches := tile.Grid(work, newStrides, newOverlaps)
	fineCoords, fineOrigins, fineDims := tile.Layout(work.Shape, newStrides, newOverlaps)
	numFine := len(finePatches)

	var fineFields [3][]float64
	for d := 0; d < 3; d++ {
		fineFields[d] = resizeVolume(fields[d], gridDims, fineDims)
	}
	finePhases := resizeVolume(phases, gridDims, fineDims)

	maxShear := shearPercentile(fineFields, fineDims, work.Shape)

	shifts := make([]frame.Shift, numFine)
	corrected := make([]*frame.Frame, numFine)
	for i, p := range finePatches {
		shifts[i] = frame.Shift{-fineFields[0][i], -fineFields[1][i], -fineFields[2][i]}
		corrected[i] = e.reg.Apply(p.Data, shifts[i], finePhases[i], e.par.Border)
	}

	var out *frame.Frame
	if maxShear < e.par.MaxShearBlend {
		out = blendPatches(work.Shape, finePatches, corrected, newStrides, newOverlaps)
	} else {
		out = seamPatches(work.Shape, finePatches, corrected, newOverlaps)
	}
	out.AddScalar(-add)
	return &Result{Frame: out, Shifts: shifts, PatchOrigins: fineOrigins, GridCoords: fineCoords}, nil
}

// blendPatches accumulates weighted patch contributions and normalizes
// at the end, so overlapping contributions average continuously and the
// result does not depend on accumulation order.
func blendPatches(shape frame.Shape, patches []tile.Patch, corrected []*frame.Frame, strides, overlaps [3]int) *frame.Frame {
	weights := tile.Weights(shape, strides, overlaps)
	num := frame.New(shape)
	den := frame.New(shape)
	for i, p := range patches {
		w := weights[i]
		c := corrected[i]
		cd := c.Shape
		for r := 0; r < cd.Rows; r++ {
			for cc := 0; cc < cd.Cols; cc++ {
				for pp := 0; pp < cd.Planes; pp++ {
					v := c.At(r, cc, pp)
					if math.IsNaN(v) {
						continue
					}
					wi := w.At(r, cc, pp)
					gi := shape.Index(p.Origin[0]+r, p.Origin[1]+cc, p.Origin[2]+pp)
					num.Data[gi] += v * wi
					den.Data[gi] += wi
				}
			}
		}
	}
	out := frame.New(shape)
	for i := range out.Data {
		if den.Data[i] == 0 {
			out.Data[i] = math.NaN()
		} else {
			out.Data[i] = num.Data[i] / den.Data[i]
		}
	}
	return out
}

// seamPatches assigns each patch's non-overlapping core without any
// cross-patch averaging: blending patches whose shift estimates disagree
// sharply would produce ghosting, so a hard partition is used instead.
func seamPatches(shape frame.Shape, patches []tile.Patch, corrected []*frame.Frame, overlaps [3]int) *frame.Frame {
	out := frame.New(shape)
	for i := range out.Data {
		out.Data[i] = math.NaN()
	}
	var half [3]int
	for d := 0; d < 3; d++ {
		half[d] = overlaps[d] / 2
	}
	for i, p := range patches {
		c := corrected[i]
		var start [3]int
		for d := 0; d < 3; d++ {
			start[d] = p.Origin[d]
			if p.Coord[d] > 0 {
				start[d] += half[d]
			}
		}
		cd := c.Shape
		for r := start[0] - p.Origin[0]; r < cd.Rows; r++ {
			for cc := start[1] - p.Origin[1]; cc < cd.Cols; cc++ {
				for pp := start[2] - p.Origin[2]; pp < cd.Planes; pp++ {
					out.Set(p.Origin[0]+r, p.Origin[1]+cc, p.Origin[2]+pp, c.At(r, cc, pp))
				}
			}
		}
	}
	return out
}

// shearPercentile measures disagreement between neighboring patches: the
// 75th percentile of the maximum absolute first difference of each shift
// field along each grid axis.
func shearPercentile(fields [3][]float64, gridDims [3]int, shape frame.Shape) float64 {
	var values []float64
	for d := 0; d < 3; d++ {
		if shape.Axis(d) == 1 {
			continue
		}
		for axis := 0; axis < 3; axis++ {
			if gridDims[axis] < 2 {
				continue
			}
			values = append(values, maxAbsDiff(fields[d], gridDims, axis))
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	// 75th percentile with linear interpolation at rank 0.75*(n-1).
	idx := 0.75 * float64(len(values)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	return values[lo] + (idx-float64(lo))*(values[hi]-values[lo])
}

// maxAbsDiff returns the maximum absolute difference between adjacent
// grid cells along one axis.
func maxAbsDiff(field []float64, dims [3]int, axis int) float64 {
	stride := axisStride(dims, axis)
	n := dims[axis]
	outer := dims
	outer[axis] = 1
	var max float64
	for i := 0; i < outer[0]; i++ {
		for j := 0; j < outer[1]; j++ {
			for k := 0; k < outer[2]; k++ {
				base := volIndex(dims, i, j, k)
				for t := 1; t < n; t++ {
					d := math.Abs(field[base+t*stride] - field[base+(t-1)*stride])
					if d > max {
						max = d
					}
				}
			}
		}
	}
	return max
}

// constantFlow builds a uniform displacement field for a rigid remap.
func constantFlow(shape frame.Shape, shift frame.Shift) [3][]float64 {
	var flow [3][]float64
	for d := 0; d < 3; d++ {
		if shift[d] == 0 {
			continue
		}
		f := make([]float64, shape.Size())
		for i := range f {
			f[i] = shift[d]
		}
		flow[d] = f
	}
	return flow
}

// normalizeGrid clamps grid parameters to the frame: the plane axis of a
// 2D frame degrades to a single unit tile.
func normalizeGrid(shape frame.Shape, strides, overlaps [3]int) ([3]int, [3]int) {
	for d := 0; d < 3; d++ {
		extent := shape.Axis(d)
		if strides[d] < 1 {
			strides[d] = extent
		}
		if strides[d] > extent {
			strides[d] = extent
		}
		if overlaps[d] < 0 {
			overlaps[d] = 0
		}
		if strides[d]+overlaps[d] > extent {
			overlaps[d] = extent - strides[d]
		}
	}
	if shape.Planes == 1 {
		strides[2], overlaps[2] = 1, 0
	}
	return strides, overlaps
}
