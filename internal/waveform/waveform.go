// Package waveform reduces decoded audio to a fixed-size amplitude envelope
package waveform

import "errors"

// Point summarizes one window of raw audio.
type Point struct {
	Timestamp float32 // seconds, non-decreasing across the sequence
	Amplitude float32 // RMS, clamped [0, 1]
	Peak      float32 // absolute peak, clamped [0, 1]
}

// Data is the fixed-length envelope produced by Analyze. The point count is
// chosen once at analysis time and never changes afterwards; the generation
// session that produced it is its sole owner.
type Data struct {
	Points     []Point
	Duration   float64 // seconds
	SampleRate int
}

// SourceInfo describes a decodable audio track.
type SourceInfo struct {
	Duration   float64 // seconds, >= 0, finite
	SampleRate int
	Channels   int
}

// Source supplies decoded mono PCM samples in bounded chunks. ReadChunk
// returns (nil, nil) at end of stream. A failure wrapping ErrChunkDecode is
// recoverable: the analyzer skips that chunk and continues reading. Any
// other error is a terminal reader failure.
type Source interface {
	Info() SourceInfo
	ReadChunk() ([]float32, error)
}

// ErrChunkDecode marks a single-chunk decode failure that the analyzer
// tolerates by skipping the chunk.
var ErrChunkDecode = errors.New("chunk decode failed")

// ErrNoSamples reports a source that ended before producing any samples.
var ErrNoSamples = errors.New("source produced no samples")

const (
	// MinPoints and MaxPoints bound the envelope resolution. Requested
	// target counts are clamped into this range.
	MinPoints = 1
	MaxPoints = 500
)

// ClampPoints clamps a requested point count to the supported range.
func ClampPoints(target int) int {
	if target < MinPoints {
		return MinPoints
	}
	if target > MaxPoints {
		return MaxPoints
	}
	return target
}
