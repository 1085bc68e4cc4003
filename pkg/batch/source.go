// Package batch orchestrates motion correction over whole movies:
// frames are split into chunks, each chunk is corrected by an
// independent worker against a shared template, and the workers' mean
// frames are aggregated into a refined template over several iterations.
package batch

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"stackreg/pkg/frame"
)

// Source provides frames of a movie by index. Implementations must
// support probing shape and length without loading all data, since
// templates are estimated from small samples of very large movies.
// Load may be called concurrently from multiple workers with disjoint
// index sets.
type Source interface {
	// Shape returns the spatial shape of every frame.
	Shape() frame.Shape

	// Len returns the number of frames in the movie.
	Len() int

	// Load returns the frames at the given indices, in order.
	Load(indices []int) ([]*frame.Frame, error)
}

// Sink receives corrected frames keyed by frame index. Workers write
// disjoint index sets concurrently, so implementations need no locking
// as long as per-frame writes do not overlap.
type Sink interface {
	WriteFrame(index int, f *frame.Frame) error
}

// MemSource serves frames from memory.
type MemSource struct {
	Frames []*frame.Frame
}

// NewMemSource wraps a stack of frames. All frames must share one shape.
func NewMemSource(frames []*frame.Frame) (*MemSource, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("batch: empty movie")
	}
	shape := frames[0].Shape
	for i, f := range frames {
		if f.Shape != shape {
			return nil, fmt.Errorf("batch: frame %d shape %v does not match %v", i, f.Shape, shape)
		}
	}
	return &MemSource{Frames: frames}, nil
}

// Shape implements Source.
func (s *MemSource) Shape() frame.Shape { return s.Frames[0].Shape }

// Len implements Source.
func (s *MemSource) Len() int { return len(s.Frames) }

// Load implements Source.
func (s *MemSource) Load(indices []int) ([]*frame.Frame, error) {
	out := make([]*frame.Frame, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(s.Frames) {
			return nil, fmt.Errorf("batch: frame index %d out of range [0, %d)", idx, len(s.Frames))
		}
		out[i] = s.Frames[idx]
	}
	return out, nil
}

// MemSink collects corrected frames into a preallocated in-memory stack.
type MemSink struct {
	Frames []*frame.Frame
}

// NewMemSink allocates a sink for n frames.
func NewMemSink(n int) *MemSink {
	return &MemSink{Frames: make([]*frame.Frame, n)}
}

// WriteFrame implements Sink.
func (s *MemSink) WriteFrame(index int, f *frame.Frame) error {
	if index < 0 || index >= len(s.Frames) {
		return fmt.Errorf("batch: frame index %d out of range [0, %d)", index, len(s.Frames))
	}
	s.Frames[index] = f
	return nil
}

// RawMovie reads and writes headerless little-endian float32 movies:
// frames stored consecutively, each in row-major (row, column, plane)
// order. It backs both the Source and Sink contracts; concurrent writes
// to distinct frame slots are safe because each frame occupies a
// disjoint byte range written with WriteAt.
type RawMovie struct {
	file   *os.File
	shape  frame.Shape
	frames int
}

// OpenRawMovie opens an existing raw movie file with the given geometry
// for reading.
func OpenRawMovie(path string, shape frame.Shape, frames int) (*RawMovie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("batch: opening movie: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("batch: probing movie: %w", err)
	}
	want := int64(frames) * int64(shape.Size()) * 4
	if info.Size() < want {
		f.Close()
		return nil, fmt.Errorf("batch: movie file %s holds %d bytes, need %d for %d frames of %v",
			path, info.Size(), want, frames, shape)
	}
	return &RawMovie{file: f, shape: shape, frames: frames}, nil
}

// CreateRawMovie creates (truncating) a raw movie file sized for the
// given geometry, for use as a Sink.
func CreateRawMovie(path string, shape frame.Shape, frames int) (*RawMovie, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("batch: creating movie: %w", err)
	}
	if err := f.Truncate(int64(frames) * int64(shape.Size()) * 4); err != nil {
		f.Close()
		return nil, fmt.Errorf("batch: sizing movie: %w", err)
	}
	return &RawMovie{file: f, shape: shape, frames: frames}, nil
}

// Shape implements Source.
func (m *RawMovie) Shape() frame.Shape { return m.shape }

// Len implements Source.
func (m *RawMovie) Len() int { return m.frames }

// Load implements Source.
func (m *RawMovie) Load(indices []int) ([]*frame.Frame, error) {
	size := m.shape.Size()
	buf := make([]byte, size*4)
	out := make([]*frame.Frame, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= m.frames {
			return nil, fmt.Errorf("batch: frame index %d out of range [0, %d)", idx, m.frames)
		}
		if _, err := m.file.ReadAt(buf, int64(idx)*int64(size)*4); err != nil {
			return nil, fmt.Errorf("batch: reading frame %d: %w", idx, err)
		}
		f := frame.New(m.shape)
		for j := 0; j < size; j++ {
			f.Data[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:])))
		}
		out[i] = f
	}
	return out, nil
}

// WriteFrame implements Sink.
func (m *RawMovie) WriteFrame(index int, f *frame.Frame) error {
	if index < 0 || index >= m.frames {
		return fmt.Errorf("batch: frame index %d out of range [0, %d)", index, m.frames)
	}
	if f.Shape != m.shape {
		return fmt.Errorf("batch: frame shape %v does not match movie shape %v", f.Shape, m.shape)
	}
	size := m.shape.Size()
	buf := make([]byte, size*4)
	for j := 0; j < size; j++ {
		binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(float32(f.Data[j])))
	}
	if _, err := m.file.WriteAt(buf, int64(index)*int64(size)*4); err != nil {
		return fmt.Errorf("batch: writing frame %d: %w", index, err)
	}
	return nil
}

// Flush forces buffered frame data to stable storage.
func (m *RawMovie) Flush() error {
	return m.file.Sync()
}

// Close closes the underlying file.
func (m *RawMovie) Close() error {
	return m.file.Close()
}
