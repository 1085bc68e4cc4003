package batch

import (
	"runtime"

	"github.com/pbnjay/memory"

	"stackreg/pkg/frame"
)

// maxFramesPerChunk caps chunk size regardless of memory: very long
// chunks serialize badly across workers.
const maxFramesPerChunk = 200

// autoSplits picks a chunk count so that one chunk's frames (plus patch
// working copies, roughly doubling the footprint) fit comfortably in
// the memory budget of one worker, with at least one chunk per CPU so a
// parallel executor stays busy.
func autoSplits(nFrames int, shape frame.Shape) int {
	frameBytes := uint64(shape.Size()) * 16
	budget := memory.FreeMemory() / 4
	if budget == 0 {
		budget = 1 << 30
	}
	perWorker := budget / uint64(runtime.NumCPU())
	framesPerChunk := int(perWorker / frameBytes)
	if framesPerChunk < 1 {
		framesPerChunk = 1
	}
	if framesPerChunk > maxFramesPerChunk {
		framesPerChunk = maxFramesPerChunk
	}
	splits := (nFrames + framesPerChunk - 1) / framesPerChunk
	if splits < runtime.NumCPU() {
		splits = runtime.NumCPU()
	}
	if splits > nFrames {
		splits = nFrames
	}
	if splits < 1 {
		splits = 1
	}
	return splits
}
