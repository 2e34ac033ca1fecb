package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/waveclip/waveclip/internal/audio"
	"github.com/waveclip/waveclip/internal/mux"
	"github.com/waveclip/waveclip/internal/render"
	"github.com/waveclip/waveclip/internal/resource"
	"github.com/waveclip/waveclip/internal/waveform"
)

// framePoolSize bounds reusable pixel buffers per attempt. Slightly above
// the muxer's in-flight window so the producer never stalls on the pool
// before the readiness signal does its job.
const framePoolSize = 6

// Options tunes the controller. Zero values select the defaults.
type Options struct {
	MaxAttempts    int           // retry cap, default 3
	BaseDelay      time.Duration // backoff unit, default 500ms
	AttemptTimeout time.Duration // per-attempt deadline, default 5m
	TargetPoints   int           // waveform resolution, default 200
	MemoryCeiling  uint64        // resource guard ceiling, 0 = default
	Style          render.Style
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 5 * time.Minute
	}
	if o.TargetPoints <= 0 {
		o.TargetPoints = 200
	}
	if o.Style == (render.Style{}) {
		o.Style = render.DefaultStyle()
	}
	return o
}

// Controller drives one session per Run: analyze, render frames under
// muxer backpressure, copy audio, finalize, retrying whole attempts with
// exponential backoff on retryable failures. It is the sole place that
// decides retry versus abort.
type Controller struct {
	opts   Options
	logger *slog.Logger
	guard  *resource.Guard
	client *http.Client

	// seams for tests
	sleep      func(ctx context.Context, d time.Duration) error
	runAttempt func(ctx context.Context, s *Session, overlay *render.OverlayAssets) error
}

// NewController builds a controller. logger must not be nil.
func NewController(opts Options, logger *slog.Logger) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		opts:   opts,
		logger: logger,
		guard:  resource.NewGuard(opts.MemoryCeiling),
		client: &http.Client{Timeout: 15 * time.Second},
		sleep:  sleepCtx,
	}
	c.runAttempt = c.attempt
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the session to completion or terminal failure. The overlay
// assets are owned by this run and evicted between attempts so a stale
// avatar decode cannot survive into a retry.
func (c *Controller) Run(ctx context.Context, s *Session, overlay *render.OverlayAssets) error {
	outDir := filepath.Dir(s.OutputPath)
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.opts.BaseDelay << (attempt - 2)
			c.logger.Info("backing off before retry",
				"session", s.ID, "attempt", attempt, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				s.fail(err)
				return err
			}
		}
		s.beginAttempt()

		if snap, err := c.guard.Check(outDir); err != nil {
			err = classifyResource(err)
			if !Retryable(err) {
				s.fail(err)
				return err
			}
			c.logger.Warn("resource pressure, deferring attempt",
				"session", s.ID, "attempt", attempt,
				"free_disk", snap.FreeDiskBytes, "resident", snap.ResidentMemoryBytes)
			lastErr = err
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
		err := c.runAttempt(attemptCtx, s, overlay)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			s.complete()
			c.logger.Info("generation completed",
				"session", s.ID, "attempt", attempt, "output", s.OutputPath)
			return nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			s.fail(err)
			return err
		}
		if timedOut {
			err = Wrap(ErrTimeout, s.State().String(), "attempt deadline", err)
		}
		if !Retryable(err) {
			s.fail(err)
			return err
		}

		lastErr = err
		if overlay != nil {
			overlay.Evict()
		}
		c.logger.Warn("attempt failed, will retry",
			"session", s.ID, "attempt", attempt, "error", err)
	}

	final := fmt.Errorf("%w: %d attempts: %w", ErrMaxRetries, c.opts.MaxAttempts, lastErr)
	s.fail(final)
	return final
}

// attempt runs one full generation pass. Any partial output is written to
// a temporary path next to the target and either renamed into place on
// success or removed before returning an error.
func (c *Controller) attempt(ctx context.Context, s *Session, overlay *render.OverlayAssets) error {
	s.setState(StateAnalyzing)
	src, err := audio.Open(s.InputPath)
	if err != nil {
		if errors.Is(err, audio.ErrNoAudioTrack) {
			return Wrap(ErrNoAudioTrack, "analysis", "open input", err)
		}
		return Wrap(ErrAnalysisFailed, "analysis", "open input", err)
	}
	analyzer := waveform.NewAnalyzer(c.logger)
	analyzer.OnProgress = func(p float64) { s.phaseProgress(phaseAnalysis, p) }
	data, err := analyzer.Analyze(ctx, src, c.opts.TargetPoints)
	src.Close()
	if err != nil {
		return Wrap(ErrAnalysisFailed, "analysis", "analyze", err)
	}

	tier := mux.TierFor(data.Duration)
	s.setClip(tier, data.Duration)
	c.logger.Info("analysis complete",
		"session", s.ID, "duration", data.Duration,
		"points", len(data.Points), "tier", tier.Name)

	if overlay != nil {
		if err := overlay.LoadAvatar(c.client); err != nil {
			// Not fatal: the synthesizer falls back to the initial glyph.
			c.logger.Warn("avatar unavailable", "session", s.ID, "error", err)
		}
	}

	// Decode the audio a second time for the output track; the analysis
	// pass consumed its source.
	audioSrc, err := audio.Open(s.InputPath)
	if err != nil {
		return Wrap(ErrWriterSetupFailed, "setup", "reopen audio", err)
	}
	defer audioSrc.Close()

	tmpPath := s.OutputPath + ".part"
	sess, err := mux.NewSession(tmpPath, tier, audioSrc.Info())
	if err != nil {
		return Wrap(ErrWriterSetupFailed, "setup", "open container", err)
	}
	s.phaseProgress(phaseSetup, 1)

	discard := func() {
		sess.Abort()
		os.Remove(tmpPath)
	}

	s.setState(StateRenderingFrames)
	total := tier.TotalFrames(data.Duration)
	pool := render.NewPool(tier.Width, tier.Height, framePoolSize)
	synth := render.NewSynthesizer(c.opts.Style)
	for i := 0; i < total; i++ {
		if err := sess.AwaitReady(ctx); err != nil {
			discard()
			return Wrap(ErrFrameAppendFailed, "frames", "await writer", err)
		}
		f, err := pool.Acquire(ctx)
		if err != nil {
			discard()
			return Wrap(ErrFrameRenderFailed, "frames", "acquire buffer", err)
		}
		f.Request = render.FrameRequest{Index: uint32(i), FPS: tier.FPS}
		if err := synth.Render(f, f.Request.Seconds(), data.Duration, data, overlay); err != nil {
			f.Release()
			discard()
			return Wrap(ErrFrameRenderFailed, "frames", "render", err)
		}
		if err := sess.AppendFrame(f); err != nil {
			f.Release()
			discard()
			return Wrap(ErrFrameAppendFailed, "frames", "append", err)
		}
		s.phaseProgress(phaseFrames, float64(i+1)/float64(total))
	}
	s.phaseProgress(phaseFrames, 1)

	s.setState(StateMuxingAudio)
	err = sess.AppendAudio(ctx, audioSrc, func(p float64) { s.phaseProgress(phaseAudio, p) })
	if err != nil {
		discard()
		return Wrap(ErrWritingFailed, "audio", "append", err)
	}

	s.setState(StateFinalizing)
	if err := sess.Finish(); err != nil {
		os.Remove(tmpPath)
		return Wrap(ErrWritingFailed, "finalize", "close container", err)
	}
	if err := os.Rename(tmpPath, s.OutputPath); err != nil {
		os.Remove(tmpPath)
		return Wrap(ErrWritingFailed, "finalize", "move into place", err)
	}
	s.phaseProgress(phaseFinalize, 1)
	return nil
}
