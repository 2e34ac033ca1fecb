package mux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/waveclip/waveclip/internal/render"
	"github.com/waveclip/waveclip/internal/waveform"
)

// fakeWriter records what the session hands to it. Its writeFrame can be
// gated to hold frames in flight and probe the backpressure bound.
type fakeWriter struct {
	mu         sync.Mutex
	frameIdx   []uint32
	audioTotal int
	finished   bool
	discarded  bool

	gate      chan struct{} // when non-nil, writeFrame blocks per frame
	frameErr  error
	finishErr error
}

func (w *fakeWriter) writeFrame(f *render.Frame) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frameErr != nil {
		return w.frameErr
	}
	w.frameIdx = append(w.frameIdx, f.Request.Index)
	return nil
}

func (w *fakeWriter) writeAudio(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audioTotal += len(samples)
	return nil
}

func (w *fakeWriter) finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finishErr != nil {
		return w.finishErr
	}
	w.finished = true
	return nil
}

func (w *fakeWriter) discard() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.discarded = true
}

func (w *fakeWriter) frames() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint32, len(w.frameIdx))
	copy(out, w.frameIdx)
	return out
}

type fixedAudio struct {
	info   waveform.SourceInfo
	chunks [][]float32
	pos    int
}

func (f *fixedAudio) Info() waveform.SourceInfo { return f.info }

func (f *fixedAudio) ReadChunk() ([]float32, error) {
	if f.pos >= len(f.chunks) {
		return nil, nil
	}
	c := f.chunks[f.pos]
	f.pos++
	return c, nil
}

func appendFrames(t *testing.T, s *Session, pool *render.Pool, fps, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		if err := s.AwaitReady(ctx); err != nil {
			t.Fatalf("AwaitReady frame %d: %v", i, err)
		}
		f, err := pool.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire frame %d: %v", i, err)
		}
		f.Request = render.FrameRequest{Index: uint32(i), FPS: fps}
		if err := s.AppendFrame(f); err != nil {
			t.Fatalf("AppendFrame %d: %v", i, err)
		}
	}
}

func TestSessionFrameSequenceExact(t *testing.T) {
	w := &fakeWriter{}
	s := newSessionWith(w)
	pool := render.NewPool(8, 8, maxInFlightFrames)

	const fps, total = 30, 90 // 3 seconds at the high tier's rate
	appendFrames(t, s, pool, fps, total)

	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := w.frames()
	if len(got) != total {
		t.Fatalf("wrote %d frames, want %d", len(got), total)
	}
	for i, idx := range got {
		if idx != uint32(i) {
			t.Fatalf("frame %d has index %d; sequence must be 0..n-1 with no gaps", i, idx)
		}
	}
	if !w.finished {
		t.Fatal("writer never finalized")
	}
}

func TestSessionRejectsOutOfOrderFrames(t *testing.T) {
	w := &fakeWriter{}
	s := newSessionWith(w)
	defer s.Abort()
	pool := render.NewPool(8, 8, maxInFlightFrames)
	ctx := context.Background()

	f, _ := pool.Acquire(ctx)
	f.Request = render.FrameRequest{Index: 0, FPS: 30}
	if err := s.AppendFrame(f); err != nil {
		t.Fatalf("AppendFrame 0: %v", err)
	}

	// Duplicate
	dup, _ := pool.Acquire(ctx)
	dup.Request = render.FrameRequest{Index: 0, FPS: 30}
	if err := s.AppendFrame(dup); !errors.Is(err, ErrFrameOrder) {
		t.Fatalf("duplicate index error = %v, want ErrFrameOrder", err)
	}
	dup.Request = render.FrameRequest{Index: 5, FPS: 30} // gap
	if err := s.AppendFrame(dup); !errors.Is(err, ErrFrameOrder) {
		t.Fatalf("gapped index error = %v, want ErrFrameOrder", err)
	}
	dup.Release()
}

func TestSessionBackpressureBoundsInFlight(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{})}
	s := newSessionWith(w)
	pool := render.NewPool(8, 8, maxInFlightFrames+2)
	ctx := context.Background()

	// With the encoder stalled, exactly maxInFlightFrames appends succeed.
	for i := 0; i < maxInFlightFrames; i++ {
		if err := s.AwaitReady(ctx); err != nil {
			t.Fatalf("AwaitReady %d: %v", i, err)
		}
		f, _ := pool.Acquire(ctx)
		f.Request = render.FrameRequest{Index: uint32(i), FPS: 30}
		if err := s.AppendFrame(f); err != nil {
			t.Fatalf("AppendFrame %d: %v", i, err)
		}
	}

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.AwaitReady(blocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitReady past the bound = %v, want deadline exceeded", err)
	}

	// Unstall one frame; readiness must return.
	w.gate <- struct{}{}
	if err := s.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady after drain: %v", err)
	}
	close(w.gate)
	s.Abort()
}

func TestSessionAppendWithoutAwaitReady(t *testing.T) {
	// Appends that skip AwaitReady still claim slots themselves, so the
	// encode goroutine can always return them and the session terminates.
	w := &fakeWriter{}
	s := newSessionWith(w)
	pool := render.NewPool(8, 8, maxInFlightFrames*3)
	ctx := context.Background()

	const total = maxInFlightFrames * 3
	for i := 0; i < total; i++ {
		f, err := pool.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire frame %d: %v", i, err)
		}
		f.Request = render.FrameRequest{Index: uint32(i), FPS: 30}
		if err := s.AppendFrame(f); err != nil {
			t.Fatalf("AppendFrame %d: %v", i, err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := w.frames(); len(got) != total {
		t.Fatalf("wrote %d frames, want %d", len(got), total)
	}
}

func TestSessionAppendAudioStreamsChunks(t *testing.T) {
	w := &fakeWriter{}
	s := newSessionWith(w)

	src := &fixedAudio{
		info: waveform.SourceInfo{Duration: 1.0, SampleRate: 3000, Channels: 1},
		chunks: [][]float32{
			make([]float32, 1000),
			make([]float32, 1000),
			make([]float32, 1000),
		},
	}

	var progress []float64
	err := s.AppendAudio(context.Background(), src, func(p float64) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if w.audioTotal != 3000 {
		t.Errorf("audio samples written = %d, want 3000", w.audioTotal)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("audio progress decreased: %v", progress)
		}
	}
	if got := progress[len(progress)-1]; got != 1.0 {
		t.Errorf("final audio progress = %v, want 1.0", got)
	}

	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestSessionFinishIncomplete(t *testing.T) {
	w := &fakeWriter{finishErr: errors.New("trailer failed")}
	s := newSessionWith(w)
	if err := s.Finish(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Finish = %v, want ErrIncomplete", err)
	}
	// A failed finalize must still release the writer's resources.
	if !w.discarded {
		t.Fatal("writer not discarded after failed Finish")
	}
	s.Abort()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		t.Fatal("failed Finish left the writer finalized")
	}
}

func TestSessionWriteErrorSurfaces(t *testing.T) {
	wantErr := errors.New("encoder exploded")
	w := &fakeWriter{frameErr: wantErr}
	s := newSessionWith(w)
	pool := render.NewPool(8, 8, maxInFlightFrames)
	ctx := context.Background()

	f, _ := pool.Acquire(ctx)
	f.Request = render.FrameRequest{Index: 0, FPS: 30}
	if err := s.AppendFrame(f); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}

	if err := s.Finish(); !errors.Is(err, wantErr) {
		t.Fatalf("Finish = %v, want wrapped %v", err, wantErr)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.discarded {
		t.Fatal("writer not discarded after Finish with a pending write error")
	}
}

func TestSessionAbortDiscardsWriter(t *testing.T) {
	w := &fakeWriter{}
	s := newSessionWith(w)
	s.Abort()
	if !w.discarded {
		t.Fatal("Abort did not discard the writer")
	}
	if w.finished {
		t.Fatal("Abort finalized the container")
	}

	// Terminal: appends after abort fail.
	pool := render.NewPool(8, 8, 1)
	f, _ := pool.Acquire(context.Background())
	f.Request = render.FrameRequest{Index: 0, FPS: 30}
	if err := s.AppendFrame(f); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("AppendFrame after Abort = %v, want ErrSessionClosed", err)
	}
	f.Release()
}

func TestSessionReleasesFramesToPool(t *testing.T) {
	w := &fakeWriter{}
	s := newSessionWith(w)
	pool := render.NewPool(8, 8, 2)

	// More frames than pool buffers only works if the session releases
	// frames back after encoding.
	appendFrames(t, s, pool, 30, 10)
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		duration float64
		want     string
		wantW    int
		wantH    int
		wantFPS  int
	}{
		{45, "high", 1280, 720, 30},
		{59.9, "high", 1280, 720, 30},
		{60, "mid", 960, 540, 24},
		{130, "mid", 960, 540, 24},
		{180, "mid", 960, 540, 24},
		{181, "low", 640, 360, 15},
		{600, "low", 640, 360, 15},
	}
	for _, tt := range tests {
		got := TierFor(tt.duration)
		if got.Name != tt.want || got.Width != tt.wantW || got.Height != tt.wantH || got.FPS != tt.wantFPS {
			t.Errorf("TierFor(%v) = %+v, want %s %dx%d@%d",
				tt.duration, got, tt.want, tt.wantW, tt.wantH, tt.wantFPS)
		}
	}
}

func TestTierBitRateFloor(t *testing.T) {
	for _, tier := range []Tier{tierHigh, tierMid, tierLow} {
		if tier.BitRate() < minVideoBitRate {
			t.Errorf("tier %s bitrate %d below floor %d", tier.Name, tier.BitRate(), minVideoBitRate)
		}
	}
	// The low tier's raw product falls under the floor and must be clamped.
	raw := int64(float64(tierLow.Width*tierLow.Height*tierLow.FPS) * 0.07)
	if raw >= minVideoBitRate {
		t.Skip("low tier raw bitrate no longer exercises the floor")
	}
	if tierLow.BitRate() != minVideoBitRate {
		t.Errorf("low tier bitrate = %d, want floor %d", tierLow.BitRate(), minVideoBitRate)
	}
}

func TestTierTotalFrames(t *testing.T) {
	tests := []struct {
		duration float64
		tier     Tier
		want     int
	}{
		{10, tierHigh, 300},
		{1.5, tierHigh, 45},
		{130, tierMid, 3120},
		{0, tierHigh, 0},
		{0.01, tierHigh, 0}, // shorter than one frame interval
	}
	for _, tt := range tests {
		if got := tt.tier.TotalFrames(tt.duration); got != tt.want {
			t.Errorf("TotalFrames(%v) at %s = %d, want %d", tt.duration, tt.tier.Name, got, tt.want)
		}
	}
}
