package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/waveclip/waveclip/internal/audio"
	"github.com/waveclip/waveclip/internal/render"
	"github.com/waveclip/waveclip/internal/resource"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solidPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode avatar fixture: %v", err)
	}
	return buf.Bytes()
}

// testController returns a controller whose attempt body and backoff sleep
// are replaced, plus the recorded sleep durations.
func testController(t *testing.T, opts Options, attempt func(ctx context.Context, s *Session, overlay *render.OverlayAssets) error) (*Controller, *[]time.Duration) {
	t.Helper()
	c := NewController(opts, testLogger())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	c.runAttempt = attempt
	return c, &slept
}

func newTestSession(t *testing.T, observer func(ProgressUpdate)) *Session {
	t.Helper()
	return NewSession("in.m4a", filepath.Join(t.TempDir(), "out.mp4"), observer)
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	calls := 0
	c, slept := testController(t, Options{MaxAttempts: 3, BaseDelay: base},
		func(ctx context.Context, s *Session, _ *render.OverlayAssets) error {
			calls++
			if calls < 3 {
				return Wrap(ErrWritingFailed, "frames", "append", errors.New("encoder glitch"))
			}
			return nil
		})

	s := newTestSession(t, nil)
	if err := c.Run(context.Background(), s, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("attempt bodies run = %d, want 3", calls)
	}
	if s.State() != StateCompleted {
		t.Errorf("state = %v, want completed", s.State())
	}
	if s.Attempt() != 3 {
		t.Errorf("attempt counter = %d, want 3", s.Attempt())
	}
	if got := s.Progress(); got != 1.0 {
		t.Errorf("final progress = %v, want 1.0", got)
	}
	// Delay before attempt n is base * 2^(n-2).
	want := []time.Duration{base, 2 * base}
	if len(*slept) != len(want) {
		t.Fatalf("backoff sleeps = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	underlying := errors.New("encoder glitch")
	c, slept := testController(t, Options{MaxAttempts: 3, BaseDelay: time.Millisecond},
		func(ctx context.Context, s *Session, _ *render.OverlayAssets) error {
			return Wrap(ErrFrameAppendFailed, "frames", "append", underlying)
		})

	s := newTestSession(t, nil)
	err := c.Run(context.Background(), s, nil)
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Run = %v, want ErrMaxRetries", err)
	}
	if !errors.Is(err, ErrFrameAppendFailed) || !errors.Is(err, underlying) {
		t.Errorf("terminal error does not wrap the last failure: %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
	if s.Attempt() != 3 {
		t.Errorf("attempt counter = %d, want 3", s.Attempt())
	}
	if len(*slept) != 2 {
		t.Errorf("sleeps between 3 attempts = %d, want 2", len(*slept))
	}
}

func TestNonRetryableAbortsImmediately(t *testing.T) {
	calls := 0
	c, slept := testController(t, Options{MaxAttempts: 3},
		func(ctx context.Context, s *Session, _ *render.OverlayAssets) error {
			calls++
			return Wrap(ErrNoAudioTrack, "analysis", "open input", audio.ErrNoAudioTrack)
		})

	s := newTestSession(t, nil)
	err := c.Run(context.Background(), s, nil)
	if !errors.Is(err, ErrNoAudioTrack) {
		t.Fatalf("Run = %v, want ErrNoAudioTrack", err)
	}
	if errors.Is(err, ErrMaxRetries) {
		t.Error("non-retryable failure should not reach the retry cap")
	}
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("calls=%d sleeps=%d, want one attempt and no backoff", calls, len(*slept))
	}
}

func TestCancellationStopsRunAndLeavesNoOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, _ := testController(t, Options{MaxAttempts: 3},
		func(ctx context.Context, s *Session, _ *render.OverlayAssets) error {
			cancel()
			return Wrap(ErrWritingFailed, "frames", "append", ctx.Err())
		})

	s := newTestSession(t, nil)
	err := c.Run(ctx, s, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
	if _, statErr := os.Stat(s.OutputPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("canonical output path exists after cancellation: %v", statErr)
	}
}

func TestMemoryPressureDefersAttempts(t *testing.T) {
	calls := 0
	c, _ := testController(t, Options{MaxAttempts: 2, MemoryCeiling: 1},
		func(ctx context.Context, s *Session, _ *render.OverlayAssets) error {
			calls++
			return nil
		})

	s := newTestSession(t, nil)
	err := c.Run(context.Background(), s, nil)
	if !errors.Is(err, ErrMaxRetries) || !errors.Is(err, ErrMemoryExhausted) {
		t.Fatalf("Run = %v, want ErrMaxRetries wrapping ErrMemoryExhausted", err)
	}
	if calls != 0 {
		t.Errorf("attempt body ran %d times under memory pressure, want 0", calls)
	}
}

func TestOverlayEvictedBetweenAttempts(t *testing.T) {
	overlay := render.NewOverlayAssets("@tester", color.RGBA{R: 0x30, G: 0xC0, B: 0xFF, A: 0xFF},
		render.AvatarSource{Bytes: solidPNG(t)})
	if err := overlay.LoadAvatar(nil); err != nil {
		t.Fatalf("LoadAvatar: %v", err)
	}

	sawAvatar := make([]bool, 0, 2)
	c, _ := testController(t, Options{MaxAttempts: 2},
		func(ctx context.Context, s *Session, o *render.OverlayAssets) error {
			sawAvatar = append(sawAvatar, o.Avatar() != nil)
			return Wrap(ErrWritingFailed, "frames", "append", errors.New("glitch"))
		})

	s := newTestSession(t, nil)
	if err := c.Run(context.Background(), s, overlay); !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Run = %v, want ErrMaxRetries", err)
	}
	if len(sawAvatar) != 2 || !sawAvatar[0] || sawAvatar[1] {
		t.Errorf("avatar presence per attempt = %v, want [true false]", sawAvatar)
	}
}

func TestProgressMonotonicPerAttemptAndResets(t *testing.T) {
	var updates []ProgressUpdate
	observe := func(u ProgressUpdate) { updates = append(updates, u) }

	calls := 0
	c, _ := testController(t, Options{MaxAttempts: 2},
		func(ctx context.Context, s *Session, _ *render.OverlayAssets) error {
			calls++
			s.setState(StateAnalyzing)
			s.phaseProgress(phaseAnalysis, 1)
			s.setState(StateRenderingFrames)
			s.phaseProgress(phaseFrames, 0.5)
			if calls == 1 {
				return Wrap(ErrWritingFailed, "frames", "append", errors.New("glitch"))
			}
			s.phaseProgress(phaseFrames, 1)
			s.setState(StateMuxingAudio)
			s.phaseProgress(phaseAudio, 1)
			s.setState(StateFinalizing)
			s.phaseProgress(phaseFinalize, 1)
			return nil
		})

	s := NewSession("in.m4a", filepath.Join(t.TempDir(), "out.mp4"), observe)
	if err := c.Run(context.Background(), s, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prev := ProgressUpdate{Attempt: 0, Progress: 0}
	for _, u := range updates {
		if u.Attempt == prev.Attempt && u.Progress < prev.Progress {
			t.Fatalf("progress decreased within attempt %d: %v -> %v",
				u.Attempt, prev.Progress, u.Progress)
		}
		if u.Attempt > prev.Attempt && u.Progress != 0 {
			t.Fatalf("attempt %d did not start at zero progress (%v)", u.Attempt, u.Progress)
		}
		prev = u
	}
	last := updates[len(updates)-1]
	if last.State != StateCompleted || last.Progress != 1.0 {
		t.Fatalf("final update = %+v, want completed at 1.0", last)
	}
}

func TestPhaseProgressNeverRegresses(t *testing.T) {
	const eps = 1e-9

	s := NewSession("in.m4a", "out.mp4", nil)
	s.beginAttempt()
	s.phaseProgress(phaseFrames, 0.5) // 0.4 + 0.5*0.4 = 0.6
	mid := s.Progress()
	if math.Abs(mid-0.6) > eps {
		t.Fatalf("frames midpoint progress = %v, want 0.6", mid)
	}
	s.phaseProgress(phaseAnalysis, 1) // stale earlier phase, must not lower
	if got := s.Progress(); got != mid {
		t.Errorf("stale phase report moved progress from %v to %v", mid, got)
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no audio track", Wrap(ErrNoAudioTrack, "analysis", "open", nil), false},
		{"decoder sentinel from audio", audio.ErrNoAudioTrack, false},
		{"analysis failure", Wrap(ErrAnalysisFailed, "analysis", "analyze", nil), true},
		{"writer setup", Wrap(ErrWriterSetupFailed, "setup", "open", nil), true},
		{"writing", Wrap(ErrWritingFailed, "audio", "append", nil), true},
		{"frame render", Wrap(ErrFrameRenderFailed, "frames", "render", nil), true},
		{"frame append", Wrap(ErrFrameAppendFailed, "frames", "append", nil), true},
		{"disk exhaustion", classifyResource(resource.ErrLowDisk), false},
		{"memory exhaustion", classifyResource(resource.ErrHighMemory), true},
		{"timeout", Wrap(ErrTimeout, "frames", "deadline", context.DeadlineExceeded), true},
		{"max retries terminal", Wrap(ErrMaxRetries, "", "", nil), false},
		{"caller cancellation", context.Canceled, false},
		{"unclassified", errors.New("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
