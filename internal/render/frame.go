// Package render synthesizes visualization frames from waveform envelopes
package render

import (
	"context"
	"image"
)

// FrameRequest identifies one frame slot on the output timeline. The
// presentation time is the exact rational Index/FPS; keeping it as integers
// avoids float drift over long clips.
type FrameRequest struct {
	Index uint32
	FPS   int
}

// Seconds returns the presentation time as a float for drawing math.
func (r FrameRequest) Seconds() float64 {
	if r.FPS <= 0 {
		return 0
	}
	return float64(r.Index) / float64(r.FPS)
}

// Frame is a fixed-size RGBA pixel buffer tagged with its request.
// Ownership transfers to the muxer on append; the muxer returns the frame
// to its pool once the pixels are encoded.
type Frame struct {
	Img     *image.RGBA
	Request FrameRequest

	pool *Pool
}

// Width returns the pixel width of the frame.
func (f *Frame) Width() int { return f.Img.Rect.Dx() }

// Height returns the pixel height of the frame.
func (f *Frame) Height() int { return f.Img.Rect.Dy() }

// Release returns the frame to the pool it was drawn from. No-op for
// frames created outside a pool.
func (f *Frame) Release() {
	if f.pool != nil {
		f.pool.put(f)
	}
}

// Pool is a bounded reusable set of frame buffers. Its capacity is the hard
// bound on in-flight frames: Acquire blocks until a buffer is returned, which
// is what ties the producer to the encoder's pace.
type Pool struct {
	frames chan *Frame
}

// NewPool allocates size buffers of w x h pixels.
func NewPool(w, h, size int) *Pool {
	p := &Pool{frames: make(chan *Frame, size)}
	for i := 0; i < size; i++ {
		p.frames <- &Frame{
			Img:  image.NewRGBA(image.Rect(0, 0, w, h)),
			pool: p,
		}
	}
	return p
}

// Acquire blocks until a buffer is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) put(f *Frame) {
	select {
	case p.frames <- f:
	default:
		// Pool already full: the frame was double-released, drop it.
	}
}
