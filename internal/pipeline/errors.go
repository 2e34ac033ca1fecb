package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/waveclip/waveclip/internal/audio"
	"github.com/waveclip/waveclip/internal/resource"
)

// Sentinel markers for generation failures. Components return plain wrapped
// errors; the controller tags them with one of these so the retry decision
// ("classify then decide") lives in exactly one place.
var (
	ErrNoAudioTrack      = errors.New("no audio track")
	ErrAnalysisFailed    = errors.New("waveform analysis failed")
	ErrWriterSetupFailed = errors.New("output writer setup failed")
	ErrWritingFailed     = errors.New("output writing failed")
	ErrFrameRenderFailed = errors.New("frame render failed")
	ErrFrameAppendFailed = errors.New("frame append failed")
	ErrDiskExhausted     = errors.New("disk space exhausted")
	ErrMemoryExhausted   = errors.New("memory exhausted")
	ErrTimeout           = errors.New("generation timed out")
	ErrMaxRetries        = errors.New("max retry attempts exceeded")
)

// Wrap tags err with marker and a phase/operation context string. The marker
// should be one of the sentinels above.
func Wrap(marker error, phase, operation string, err error) error {
	detail := buildDetail(phase, operation)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(phase, operation string) string {
	parts := make([]string, 0, 2)
	if phase = strings.TrimSpace(phase); phase != "" {
		parts = append(parts, phase)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "generation failure"
	}
	return strings.Join(parts, ": ")
}

// Retryable reports whether the failure may be transient and is eligible for
// another attempt. Missing audio, a full disk, and the terminal retry-cap
// error are the only hard stops; everything else (decoder hiccups, encoder
// glitches, memory pressure, timeouts) can plausibly clear after backoff.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMaxRetries):
		return false
	case errors.Is(err, ErrNoAudioTrack), errors.Is(err, audio.ErrNoAudioTrack):
		return false
	case errors.Is(err, ErrDiskExhausted), errors.Is(err, resource.ErrLowDisk):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// classifyResource maps a guard violation onto the taxonomy; disk pressure
// needs the user, memory pressure may clear after eviction and backoff.
func classifyResource(err error) error {
	switch {
	case errors.Is(err, resource.ErrLowDisk):
		return Wrap(ErrDiskExhausted, "preflight", "resource check", err)
	case errors.Is(err, resource.ErrHighMemory):
		return Wrap(ErrMemoryExhausted, "preflight", "resource check", err)
	default:
		return Wrap(ErrWriterSetupFailed, "preflight", "resource check", err)
	}
}
