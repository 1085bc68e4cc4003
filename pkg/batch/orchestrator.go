package batch

import (
	"errors"
	"fmt"
	"log"

	"github.com/valyala/fastrand"

	"stackreg/pkg/correct"
	"stackreg/pkg/frame"
	"stackreg/pkg/register"
)

// ErrNoTemplate reports a piecewise-rigid run started without a
// template. Estimate one first with a rigid run.
var ErrNoTemplate = errors.New("batch: piecewise correction needs an initial template; run rigid correction first")

// templateSampleWindow is the bin size of the binned-median template
// bootstrap.
const templateSampleWindow = 10

// Options configures an orchestration run.
type Options struct {
	// Splits is the number of chunks per iteration; zero picks a count
	// from movie size and available memory.
	Splits int

	// NumIter is the number of template-refinement iterations.
	// Defaults to 1.
	NumIter int

	// ChunkSubset, when positive, processes only that many randomly
	// chosen chunks per iteration. Whole-movie output saving is
	// disabled because coverage is not total.
	ChunkSubset int

	// Chunks, when non-nil, overrides index splitting with
	// caller-supplied groups. Output saving is disabled.
	Chunks [][]int

	// SaveMovie persists corrected frames to the sink on the final
	// iteration.
	SaveMovie bool

	// NonNegative keeps the AddToMovie bias in persisted frames so the
	// saved movie is non-negative.
	NonNegative bool

	// Executor runs the chunk workers; nil means sequential.
	Executor Executor

	// Verbose enables progress logging.
	Verbose bool
}

// Result is the terminal state of an orchestration run.
type Result struct {
	// Template is the final refined template.
	Template *frame.Frame

	// ChunkTemplates are the last iteration's per-chunk mean frames.
	ChunkTemplates []*frame.Frame

	// Shifts holds the applied shifts for every frame processed in the
	// last iteration, concatenated in original frame order (one entry
	// per frame; one shift per patch, or a single shift in rigid mode).
	Shifts [][]frame.Shift

	// PatchOrigins and GridCoords identify the patches of each frame's
	// Shifts; nil in rigid mode.
	PatchOrigins [][][3]int
	GridCoords   [][][3]int
}

// Orchestrator iterates template refinement over a movie.
type Orchestrator struct {
	par correct.Params
	opt Options
}

// NewOrchestrator creates an orchestrator for the given correction
// parameters and run options.
func NewOrchestrator(par correct.Params, opt Options) *Orchestrator {
	if opt.NumIter < 1 {
		opt.NumIter = 1
	}
	if opt.Executor == nil {
		opt.Executor = Sequential{}
	}
	return &Orchestrator{par: par, opt: opt}
}

// Run performs the configured number of template-refinement iterations
// and returns the final template and per-frame shift metadata. When
// template is nil a rigid run bootstraps one from a strided frame
// sample; a piecewise run (MaxDeviationRigid > 0) requires a template.
// When a high-pass filter is configured the template (bootstrapped or
// caller-supplied, always unfiltered) is filtered before the first
// iteration, so frames and template are registered in the same domain.
func (o *Orchestrator) Run(src Source, sink Sink, template *frame.Frame) (*Result, error) {
	if template == nil {
		if o.par.MaxDeviationRigid != 0 {
			return nil, ErrNoTemplate
		}
		var err error
		template, err = o.bootstrapTemplate(src)
		if err != nil {
			return nil, err
		}
	}

	par := o.par
	if par.Filter != nil {
		template = correct.NewEngine(register.NewFFTBackend(), par).Filter(template)
	}
	if !template.IsFinite() {
		return nil, fmt.Errorf("%w: initial template", correct.ErrNonFinite)
	}

	if par.AddToMovie == 0 {
		// A negative-valued template biases registration; lift the
		// whole movie so it is non-negative most of the time.
		if min := template.MinFinite(); min < 0 {
			par.AddToMovie = -min
		}
	}

	chunks, canSave := o.splitChunks(src.Len(), src.Shape())
	current := template
	var results []*ChunkResult
	for iter := 0; iter < o.opt.NumIter; iter++ {
		if o.opt.Verbose {
			log.Printf("template iteration %d/%d over %d chunks", iter+1, o.opt.NumIter, len(chunks))
		}
		iterChunks := chunks
		saveThisIter := o.opt.SaveMovie && canSave && iter == o.opt.NumIter-1
		if o.opt.ChunkSubset > 0 && o.opt.ChunkSubset < len(chunks) {
			iterChunks = randomSubset(chunks, o.opt.ChunkSubset)
		}

		var err error
		results, err = o.runIteration(src, sink, iterChunks, current, par, saveThisIter)
		if err != nil {
			return nil, err
		}

		means := make([]*frame.Frame, len(results))
		for i, r := range results {
			means[i] = r.Mean
		}
		refined, err := frame.NanMedianStack(means)
		if err != nil {
			return nil, err
		}
		refined.ReplaceNaN(refined.MinFinite())
		if par.Filter != nil {
			refined = correct.NewEngine(register.NewFFTBackend(), par).Filter(refined)
		}
		if !refined.IsFinite() {
			return nil, fmt.Errorf("%w: template after iteration %d", correct.ErrNonFinite, iter+1)
		}
		current = refined
	}

	return assembleResult(current, results), nil
}

// runIteration dispatches one worker per chunk against an immutable
// template and blocks until every chunk completes. A failed chunk
// aborts the iteration before any template update is committed.
func (o *Orchestrator) runIteration(src Source, sink Sink, chunks [][]int, template *frame.Frame, par correct.Params, save bool) ([]*ChunkResult, error) {
	results := make([]*ChunkResult, len(chunks))
	err := o.opt.Executor.Map(len(chunks), func(i int) error {
		var dst Sink
		if save {
			dst = sink
		}
		res, err := correctChunk(src, dst, chunks[i], template, par, o.opt.NonNegative, o.opt.Verbose)
		if err != nil {
			return fmt.Errorf("chunk %d (frames %v..%v): %w", i, chunks[i][0], chunks[i][len(chunks[i])-1], err)
		}
		results[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// bootstrapTemplate estimates an initial template from a strided sample
// of the movie: frames are averaged in small windows and the per-pixel
// median of the window means is taken.
func (o *Orchestrator) bootstrapTemplate(src Source) (*frame.Frame, error) {
	n := src.Len()
	if n == 0 {
		return nil, fmt.Errorf("batch: empty movie")
	}
	step := n / 50
	if step < 1 {
		step = 1
	}
	var indices []int
	for i := 0; i < n; i += step {
		indices = append(indices, i)
	}
	sample, err := src.Load(indices)
	if err != nil {
		return nil, fmt.Errorf("batch: sampling movie for template: %w", err)
	}
	for i, f := range sample {
		if !f.IsFinite() {
			return nil, fmt.Errorf("%w: movie frame %d", correct.ErrNonFinite, indices[i])
		}
	}
	templ, err := frame.BinMedian(sample, templateSampleWindow)
	if err != nil {
		return nil, err
	}
	return templ, nil
}

// splitChunks builds the per-iteration chunk list and reports whether
// whole-movie saving is possible (caller-supplied groups and random
// subsets do not guarantee total coverage).
func (o *Orchestrator) splitChunks(n int, shape frame.Shape) ([][]int, bool) {
	if o.opt.Chunks != nil {
		return o.opt.Chunks, false
	}
	splits := o.opt.Splits
	if splits <= 0 {
		splits = autoSplits(n, shape)
	}
	canSave := o.opt.ChunkSubset <= 0
	return splitIndices(n, splits), canSave
}

// splitIndices divides 0..n-1 into k contiguous chunks of near-equal
// length, the first n%k chunks one frame longer.
func splitIndices(n, k int) [][]int {
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	chunks := make([][]int, 0, k)
	base := n / k
	extra := n % k
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		chunk := make([]int, size)
		for j := range chunk {
			chunk[j] = start + j
		}
		chunks = append(chunks, chunk)
		start += size
	}
	return chunks
}

// randomSubset picks k chunks with replacement, mirroring the random
// split subsampling used for template estimation on very large movies.
func randomSubset(chunks [][]int, k int) [][]int {
	out := make([][]int, k)
	for i := range out {
		out[i] = chunks[int(fastrand.Uint32n(uint32(len(chunks))))]
	}
	return out
}

// assembleResult flattens per-chunk results into original frame order.
func assembleResult(template *frame.Frame, results []*ChunkResult) *Result {
	res := &Result{Template: template}
	total := 0
	for _, r := range results {
		total += len(r.Indices)
	}
	res.Shifts = make([][]frame.Shift, 0, total)
	res.PatchOrigins = make([][][3]int, 0, total)
	res.GridCoords = make([][][3]int, 0, total)
	res.ChunkTemplates = make([]*frame.Frame, len(results))
	for i, r := range results {
		res.ChunkTemplates[i] = r.Mean
		res.Shifts = append(res.Shifts, r.Shifts...)
		res.PatchOrigins = append(res.PatchOrigins, r.PatchOrigins...)
		res.GridCoords = append(res.GridCoords, r.GridCoords...)
	}
	return res
}
