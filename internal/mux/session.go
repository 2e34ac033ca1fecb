package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/waveclip/waveclip/internal/render"
	"github.com/waveclip/waveclip/internal/waveform"
)

var (
	// ErrFrameOrder reports a frame appended out of presentation-time
	// order (gap, duplicate, or regression).
	ErrFrameOrder = errors.New("frame out of presentation order")

	// ErrSessionClosed reports use of a session after Finish or Abort.
	ErrSessionClosed = errors.New("mux session closed")

	// ErrIncomplete reports a Finish on a writer that never reached a
	// completed state.
	ErrIncomplete = errors.New("container incomplete")
)

// AudioSource supplies the original audio as bounded mono chunks.
// audio.Source satisfies it.
type AudioSource interface {
	Info() waveform.SourceInfo
	ReadChunk() ([]float32, error)
}

// containerWriter is the seam between session flow control and the actual
// encoder, so ordering and backpressure are testable without FFmpeg.
type containerWriter interface {
	writeFrame(f *render.Frame) error
	writeAudio(samples []float32) error
	finish() error
	discard()
}

// maxInFlightFrames bounds frames queued between the producer and the
// encoder goroutine, independent of clip length.
const maxInFlightFrames = 4

// Session writes one output container. Frames are appended under pull-based
// backpressure: call AwaitReady, then AppendFrame, in strictly increasing
// index order starting at zero. After the frame loop, AppendAudio streams
// the source track, then Finish flushes and closes the container.
type Session struct {
	writer containerWriter

	slots  chan struct{}      // readiness tokens, cap = maxInFlightFrames
	frames chan *render.Frame // handoff to the encode goroutine
	done   chan struct{}      // encode goroutine exited

	mu        sync.Mutex
	writeErr  error
	nextIndex uint32
	closed    bool
	videoDone bool
}

// NewSession opens the output container at path for the given tier and
// audio parameters. The caller must eventually call Finish or Abort.
func NewSession(path string, tier Tier, audioInfo waveform.SourceInfo) (*Session, error) {
	w, err := newContainer(path, tier, audioInfo)
	if err != nil {
		return nil, err
	}
	return newSessionWith(w), nil
}

func newSessionWith(w containerWriter) *Session {
	s := &Session{
		writer: w,
		slots:  make(chan struct{}, maxInFlightFrames),
		frames: make(chan *render.Frame, maxInFlightFrames),
		done:   make(chan struct{}),
	}
	for i := 0; i < maxInFlightFrames; i++ {
		s.slots <- struct{}{}
	}
	go s.encodeLoop()
	return s
}

func (s *Session) encodeLoop() {
	defer close(s.done)
	for f := range s.frames {
		err := s.writer.writeFrame(f)
		f.Release()
		s.slots <- struct{}{}
		if err != nil {
			s.setErr(fmt.Errorf("write frame %d: %w", f.Request.Index, err))
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr == nil {
		s.writeErr = err
	}
}

// Err returns the first asynchronous write failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr
}

// AwaitReady blocks until the session can accept another frame without
// waiting on the encoder. This is the pull signal that tells the producer
// when to render; the slot itself is claimed by AppendFrame, so skipping
// AwaitReady only costs blocking inside the append.
func (s *Session) AwaitReady(ctx context.Context) error {
	if err := s.Err(); err != nil {
		return err
	}
	select {
	case t := <-s.slots:
		// Observed capacity only; the append claims the slot.
		s.slots <- t
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendFrame hands a rendered frame to the encoder, claiming one in-flight
// slot (and blocking while all slots are taken). The frame's index must be
// exactly one past the previous append (starting at zero); anything else is
// rejected with ErrFrameOrder. Ownership of the frame transfers to the
// session, which releases it back to its pool after encoding.
func (s *Session) AppendFrame(f *render.Frame) error {
	s.mu.Lock()
	if s.closed || s.videoDone {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err := s.writeErr; err != nil {
		s.mu.Unlock()
		return err
	}
	if f.Request.Index != s.nextIndex {
		s.mu.Unlock()
		return fmt.Errorf("%w: got index %d, want %d", ErrFrameOrder, f.Request.Index, s.nextIndex)
	}
	s.nextIndex++
	s.mu.Unlock()

	<-s.slots
	s.frames <- f
	return nil
}

// FramesAppended returns how many frames have been accepted so far.
func (s *Session) FramesAppended() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// AppendAudio streams the source audio into the container. The video track
// must be fully appended first; pacing comes from the synchronous chunk
// writes, so audio buffering stays bounded at one chunk. onProgress (if
// set) receives fractional progress.
func (s *Session) AppendAudio(ctx context.Context, src AudioSource, onProgress func(float64)) error {
	if err := s.finishVideo(); err != nil {
		return err
	}

	info := src.Info()
	expected := float64(info.SampleRate) * info.Duration
	written := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Err(); err != nil {
			return err
		}

		chunk, err := src.ReadChunk()
		if err != nil {
			if errors.Is(err, waveform.ErrChunkDecode) {
				continue // tolerated, same as analysis
			}
			return fmt.Errorf("read audio: %w", err)
		}
		if chunk == nil {
			break
		}

		if err := s.writer.writeAudio(chunk); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}

		written += len(chunk)
		if onProgress != nil && expected > 0 {
			p := float64(written) / expected
			if p > 1 {
				p = 1
			}
			onProgress(p)
		}
	}
	return nil
}

// finishVideo closes the frame channel and waits for the encode goroutine.
func (s *Session) finishVideo() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.videoDone {
		s.mu.Unlock()
		return nil
	}
	s.videoDone = true
	s.mu.Unlock()

	close(s.frames)
	<-s.done
	return s.Err()
}

// Finish flushes both tracks and finalizes the container. Terminal: the
// session cannot be used afterwards. Returns the first pending write error,
// or ErrIncomplete if the writer could not reach a completed state; on any
// failure the writer is discarded so no encoder state or file handle
// survives.
func (s *Session) Finish() error {
	if err := s.finishVideo(); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.writer.discard()
		}
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.writer.finish(); err != nil {
		s.writer.discard()
		return fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	return nil
}

// Abort closes the session without finalizing the container. The partial
// file is left for the caller to remove; it is never a playable output.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	alreadyDone := s.videoDone
	s.videoDone = true
	s.mu.Unlock()

	if !alreadyDone {
		close(s.frames)
	}
	<-s.done
	s.writer.discard()
}
