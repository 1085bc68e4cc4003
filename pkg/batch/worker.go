package batch

import (
	"fmt"
	"log"

	"stackreg/pkg/correct"
	"stackreg/pkg/frame"
	"stackreg/pkg/register"
)

// progressEvery controls how often a chunk worker logs per-frame
// progress.
const progressEvery = 10

// ChunkResult is what one worker returns for its assigned frame range.
type ChunkResult struct {
	// Indices are the frame indices this chunk covered, in order.
	Indices []int

	// Shifts holds, per frame, the applied shifts (one entry for rigid
	// correction, one per patch otherwise).
	Shifts [][]frame.Shift

	// PatchOrigins and GridCoords identify the patches of each frame's
	// Shifts; nil in rigid mode.
	PatchOrigins [][][3]int
	GridCoords   [][][3]int

	// Mean is the per-pixel mean of the corrected frames, with NaNs
	// replaced by the mean's minimum finite value. It feeds the next
	// template estimate.
	Mean *frame.Frame
}

// correctChunk corrects every frame in the assigned index set against
// the shared template, optionally persisting corrected frames to the
// sink, and returns per-frame shift metadata plus the chunk's mean
// corrected frame.
//
// Each invocation builds its own engine (and with it its own FFT
// backend and scratch buffers), so chunks can run concurrently as long
// as their index sets are disjoint.
func correctChunk(src Source, sink Sink, indices []int, template *frame.Frame, par correct.Params, nonneg, verbose bool) (*ChunkResult, error) {
	eng := correct.NewEngine(register.NewFFTBackend(), par)

	frames, err := src.Load(indices)
	if err != nil {
		return nil, fmt.Errorf("loading frames: %w", err)
	}

	res := &ChunkResult{
		Indices:      indices,
		Shifts:       make([][]frame.Shift, len(indices)),
		PatchOrigins: make([][][3]int, len(indices)),
		GridCoords:   make([][][3]int, len(indices)),
	}
	corrected := make([]*frame.Frame, len(indices))
	for i, img := range frames {
		if verbose && i%progressEvery == 0 {
			log.Printf("chunk frame %d/%d", i, len(indices))
		}
		out, err := eng.Correct(img, template)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", indices[i], err)
		}
		corrected[i] = out.Frame
		res.Shifts[i] = out.Shifts
		res.PatchOrigins[i] = out.PatchOrigins
		res.GridCoords[i] = out.GridCoords

		if sink != nil {
			persist := out.Frame
			if nonneg && par.AddToMovie != 0 {
				persist = persist.Clone().AddScalar(par.AddToMovie)
			}
			if err := sink.WriteFrame(indices[i], persist); err != nil {
				return nil, fmt.Errorf("frame %d: %w", indices[i], err)
			}
		}
	}

	mean, err := frame.NanMeanStack(corrected)
	if err != nil {
		return nil, err
	}
	mean.ReplaceNaN(mean.MinFinite())
	res.Mean = mean
	return res, nil
}
