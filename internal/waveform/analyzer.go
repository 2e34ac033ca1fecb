package waveform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/waveclip/waveclip/internal/dsp"
)

// Analyzer streams a source and reduces it to a fixed-size envelope.
// Peak memory is bounded by one accumulation window plus one decode chunk
// regardless of clip length.
type Analyzer struct {
	logger *slog.Logger

	// OnProgress, when set, receives fractional progress in [0, 1] as the
	// stream is consumed.
	OnProgress func(float64)
}

// NewAnalyzer returns an analyzer that logs skipped chunks to logger.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger}
}

// Analyze decodes src as a stream of chunks and emits exactly
// ClampPoints(targetPoints) points for any non-empty decodable source.
// Samples accumulate into a rolling window of
// sampleRate*duration/targetPoints samples; each full window produces one
// point via dsp.RMSAndPeak with timestamp index/targetPoints*duration, then
// the window is cleared with capacity retained. A partial window left at end
// of stream produces one final point if the target has not been reached.
func (a *Analyzer) Analyze(ctx context.Context, src Source, targetPoints int) (*Data, error) {
	target := ClampPoints(targetPoints)
	info := src.Info()

	samplesPerPoint := int(float64(info.SampleRate) * info.Duration / float64(target))
	if samplesPerPoint < 1 {
		samplesPerPoint = 1
	}

	data := &Data{
		Points:     make([]Point, 0, target),
		Duration:   info.Duration,
		SampleRate: info.SampleRate,
	}

	window := make([]float32, 0, samplesPerPoint)
	totalSamples := 0
	skippedChunks := 0
	expectedSamples := float64(info.SampleRate) * info.Duration

	emit := func(samples []float32) {
		rms, peak := dsp.RMSAndPeak(samples)
		index := len(data.Points)
		data.Points = append(data.Points, Point{
			Timestamp: float32(float64(index) / float64(target) * info.Duration),
			Amplitude: rms,
			Peak:      peak,
		})
	}

	for len(data.Points) < target {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := src.ReadChunk()
		if err != nil {
			if errors.Is(err, ErrChunkDecode) {
				skippedChunks++
				a.logger.Debug("skipping undecodable chunk",
					slog.Int("skipped", skippedChunks))
				continue
			}
			return nil, fmt.Errorf("read chunk: %w", err)
		}
		if chunk == nil {
			break // end of stream
		}

		totalSamples += len(chunk)
		if a.OnProgress != nil && expectedSamples > 0 {
			p := float64(totalSamples) / expectedSamples
			if p > 1 {
				p = 1
			}
			a.OnProgress(p)
		}

		for len(chunk) > 0 && len(data.Points) < target {
			need := samplesPerPoint - len(window)
			if need > len(chunk) {
				window = append(window, chunk...)
				break
			}
			window = append(window, chunk[:need]...)
			chunk = chunk[need:]
			emit(window)
			window = window[:0]
		}
	}

	// Remainder smaller than a full window still describes real audio.
	if len(window) > 0 && len(data.Points) < target {
		emit(window)
	}

	if totalSamples == 0 {
		return nil, ErrNoSamples
	}

	if skippedChunks > 0 && len(data.Points) < target {
		a.logger.Warn("analysis short of target after skipped chunks",
			slog.Int("points", len(data.Points)),
			slog.Int("target", target),
			slog.Int("skipped_chunks", skippedChunks))
	}

	// Short clips can run out of stream before filling the target count.
	// Pad by repeating the trailing point so the envelope length stays the
	// invariant the renderer relies on.
	for len(data.Points) < target {
		last := data.Points[len(data.Points)-1]
		index := len(data.Points)
		data.Points = append(data.Points, Point{
			Timestamp: float32(float64(index) / float64(target) * info.Duration),
			Amplitude: last.Amplitude,
			Peak:      last.Peak,
		})
	}

	if a.OnProgress != nil {
		a.OnProgress(1)
	}
	return data, nil
}
