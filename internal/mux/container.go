package mux

import (
	"errors"
	"fmt"
	"unsafe"

	ffmpeg "github.com/csnewman/ffmpeg-go"

	"github.com/waveclip/waveclip/internal/render"
	"github.com/waveclip/waveclip/internal/waveform"
)

// container encodes H.264 video and AAC audio into a single MP4 via
// ffmpeg-go. It implements containerWriter; all flow control lives in
// Session, this type only encodes and writes packets.
type container struct {
	fmtCtx *ffmpeg.AVFormatContext
	packet *ffmpeg.AVPacket

	videoCtx    *ffmpeg.AVCodecContext
	videoStream *ffmpeg.AVStream
	videoFrame  *ffmpeg.AVFrame

	audioCtx    *ffmpeg.AVCodecContext
	audioStream *ffmpeg.AVStream
	audioFrame  *ffmpeg.AVFrame

	audioFrameSize int
	audioBuf       []float32 // pending samples shorter than one encoder frame
	audioPts       int64

	finished bool
}

// newContainer opens the output path and configures both encoders.
func newContainer(path string, tier Tier, audioInfo waveform.SourceInfo) (*container, error) {
	pathC := ffmpeg.ToCStr(path)
	defer pathC.Free()

	var fmtCtx *ffmpeg.AVFormatContext
	if _, err := ffmpeg.AVFormatAllocOutputContext2(&fmtCtx, nil, nil, pathC); err != nil {
		return nil, fmt.Errorf("allocate output context: %w", err)
	}

	c := &container{fmtCtx: fmtCtx}

	if err := c.setupVideo(tier); err != nil {
		c.free()
		return nil, err
	}
	if err := c.setupAudio(audioInfo); err != nil {
		c.free()
		return nil, err
	}

	if fmtCtx.Oformat().Flags()&ffmpeg.AVFmtNofile == 0 {
		var pb *ffmpeg.AVIOContext
		if _, err := ffmpeg.AVIOOpen(&pb, pathC, ffmpeg.AVIOFlagWrite); err != nil {
			c.free()
			return nil, fmt.Errorf("open output file: %w", err)
		}
		fmtCtx.SetPb(pb)
	}

	if _, err := ffmpeg.AVFormatWriteHeader(fmtCtx, nil); err != nil {
		c.closePb()
		c.free()
		return nil, fmt.Errorf("write header: %w", err)
	}

	c.packet = ffmpeg.AVPacketAlloc()
	if c.packet == nil {
		c.closePb()
		c.free()
		return nil, fmt.Errorf("allocate packet for output: %s", path)
	}
	return c, nil
}

func (c *container) setupVideo(tier Tier) error {
	codec := ffmpeg.AVCodecFindEncoder(ffmpeg.AVCodecIdH264)
	if codec == nil {
		return fmt.Errorf("H.264 encoder not found")
	}

	stream := ffmpeg.AVFormatNewStream(c.fmtCtx, nil)
	if stream == nil {
		return fmt.Errorf("create video stream")
	}

	encCtx := ffmpeg.AVCodecAllocContext3(codec)
	if encCtx == nil {
		return fmt.Errorf("allocate video encoder context")
	}
	c.videoCtx = encCtx
	c.videoStream = stream

	encCtx.SetWidth(tier.Width)
	encCtx.SetHeight(tier.Height)
	encCtx.SetPixFmt(ffmpeg.AVPixFmtYuv420P)
	encCtx.SetBitRate(tier.BitRate())
	encCtx.SetGopSize(tier.FPS * 2)

	// Video timestamps count frames: time base 1/fps, pts = frame index
	tb := encCtx.TimeBase()
	tb.SetNum(1)
	tb.SetDen(tier.FPS)
	encCtx.SetTimeBase(tb)

	ffmpeg.AVOptSet(encCtx.RawPtr(), ffmpeg.GlobalCStr("preset"), ffmpeg.GlobalCStr("veryfast"), 0)

	if c.fmtCtx.Oformat().Flags()&ffmpeg.AVFmtGlobalheader != 0 {
		encCtx.SetFlags(encCtx.Flags() | ffmpeg.AVCodecFlagGlobalHeader)
	}

	if _, err := ffmpeg.AVCodecOpen2(encCtx, codec, nil); err != nil {
		return fmt.Errorf("open video encoder: %w", err)
	}
	if _, err := ffmpeg.AVCodecParametersFromContext(stream.Codecpar(), encCtx); err != nil {
		return fmt.Errorf("copy video encoder parameters: %w", err)
	}
	stream.SetTimeBase(encCtx.TimeBase())

	frame := ffmpeg.AVFrameAlloc()
	if frame == nil {
		return fmt.Errorf("allocate video frame")
	}
	c.videoFrame = frame
	frame.SetWidth(tier.Width)
	frame.SetHeight(tier.Height)
	frame.SetFormat(int(ffmpeg.AVPixFmtYuv420P))
	if _, err := ffmpeg.AVFrameGetBuffer(frame, 0); err != nil {
		return fmt.Errorf("allocate video frame buffer: %w", err)
	}
	return nil
}

func (c *container) setupAudio(info waveform.SourceInfo) error {
	codec := ffmpeg.AVCodecFindEncoder(ffmpeg.AVCodecIdAac)
	if codec == nil {
		return fmt.Errorf("AAC encoder not found")
	}

	stream := ffmpeg.AVFormatNewStream(c.fmtCtx, nil)
	if stream == nil {
		return fmt.Errorf("create audio stream")
	}

	encCtx := ffmpeg.AVCodecAllocContext3(codec)
	if encCtx == nil {
		return fmt.Errorf("allocate audio encoder context")
	}
	c.audioCtx = encCtx
	c.audioStream = stream

	encCtx.SetSampleFmt(ffmpeg.AVSampleFmtFltp)
	encCtx.SetSampleRate(info.SampleRate)
	ffmpeg.AVChannelLayoutDefault(encCtx.ChLayout(), 1) // mono voice track
	encCtx.SetBitRate(96_000)

	tb := encCtx.TimeBase()
	tb.SetNum(1)
	tb.SetDen(info.SampleRate)
	encCtx.SetTimeBase(tb)

	if c.fmtCtx.Oformat().Flags()&ffmpeg.AVFmtGlobalheader != 0 {
		encCtx.SetFlags(encCtx.Flags() | ffmpeg.AVCodecFlagGlobalHeader)
	}

	if _, err := ffmpeg.AVCodecOpen2(encCtx, codec, nil); err != nil {
		return fmt.Errorf("open audio encoder: %w", err)
	}
	if _, err := ffmpeg.AVCodecParametersFromContext(stream.Codecpar(), encCtx); err != nil {
		return fmt.Errorf("copy audio encoder parameters: %w", err)
	}
	stream.SetTimeBase(encCtx.TimeBase())

	c.audioFrameSize = encCtx.FrameSize()
	if c.audioFrameSize <= 0 {
		c.audioFrameSize = 1024
	}

	frame := ffmpeg.AVFrameAlloc()
	if frame == nil {
		return fmt.Errorf("allocate audio frame")
	}
	c.audioFrame = frame
	frame.SetNbSamples(c.audioFrameSize)
	frame.SetFormat(int(ffmpeg.AVSampleFmtFltp))
	ffmpeg.AVChannelLayoutDefault(frame.ChLayout(), 1)
	if _, err := ffmpeg.AVFrameGetBuffer(frame, 0); err != nil {
		return fmt.Errorf("allocate audio frame buffer: %w", err)
	}

	c.audioBuf = make([]float32, 0, c.audioFrameSize)
	return nil
}

// writeFrame converts the RGBA frame to YUV420P and encodes it at
// pts = frame index.
func (c *container) writeFrame(f *render.Frame) error {
	if _, err := ffmpeg.AVFrameMakeWritable(c.videoFrame); err != nil {
		return fmt.Errorf("make video frame writable: %w", err)
	}

	fillYUV420(c.videoFrame, f)
	c.videoFrame.SetPts(int64(f.Request.Index))

	if _, err := ffmpeg.AVCodecSendFrame(c.videoCtx, c.videoFrame); err != nil {
		return fmt.Errorf("send video frame: %w", err)
	}
	return c.receivePackets(c.videoCtx, c.videoStream, 0)
}

// writeAudio buffers mono samples and encodes full AAC frames as they fill.
func (c *container) writeAudio(samples []float32) error {
	c.audioBuf = append(c.audioBuf, samples...)

	for len(c.audioBuf) >= c.audioFrameSize {
		if err := c.encodeAudioFrame(c.audioBuf[:c.audioFrameSize], c.audioFrameSize); err != nil {
			return err
		}
		c.audioBuf = c.audioBuf[:copy(c.audioBuf, c.audioBuf[c.audioFrameSize:])]
	}
	return nil
}

func (c *container) encodeAudioFrame(samples []float32, nbSamples int) error {
	if _, err := ffmpeg.AVFrameMakeWritable(c.audioFrame); err != nil {
		return fmt.Errorf("make audio frame writable: %w", err)
	}

	data := c.audioFrame.Data().Get(0)
	if data == nil {
		return fmt.Errorf("audio frame has no data plane")
	}
	plane := unsafe.Slice((*float32)(data), c.audioFrameSize)
	copy(plane, samples)
	for i := nbSamples; i < c.audioFrameSize; i++ {
		plane[i] = 0 // zero-pad the final short frame
	}

	c.audioFrame.SetNbSamples(nbSamples)
	c.audioFrame.SetPts(c.audioPts)
	c.audioPts += int64(nbSamples)

	if _, err := ffmpeg.AVCodecSendFrame(c.audioCtx, c.audioFrame); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return c.receivePackets(c.audioCtx, c.audioStream, 1)
}

// receivePackets drains one encoder and interleave-writes its packets.
// EAgain and EOF end the drain.
func (c *container) receivePackets(encCtx *ffmpeg.AVCodecContext, stream *ffmpeg.AVStream, streamIdx int) error {
	for {
		ffmpeg.AVPacketUnref(c.packet)

		if _, err := ffmpeg.AVCodecReceivePacket(encCtx, c.packet); err != nil {
			if errors.Is(err, ffmpeg.EAgain) || errors.Is(err, ffmpeg.AVErrorEOF) {
				break
			}
			return fmt.Errorf("receive packet: %w", err)
		}

		c.packet.SetStreamIndex(streamIdx)
		ffmpeg.AVPacketRescaleTs(c.packet, encCtx.TimeBase(), stream.TimeBase())

		if _, err := ffmpeg.AVInterleavedWriteFrame(c.fmtCtx, c.packet); err != nil {
			return fmt.Errorf("write packet: %w", err)
		}
	}
	return nil
}

// finish flushes the trailing audio, drains both encoders, and writes the
// trailer. The container only counts as complete when every step succeeds.
func (c *container) finish() error {
	if c.fmtCtx == nil {
		return fmt.Errorf("container already closed")
	}

	if len(c.audioBuf) > 0 {
		if err := c.encodeAudioFrame(c.audioBuf, len(c.audioBuf)); err != nil {
			return err
		}
		c.audioBuf = c.audioBuf[:0]
	}

	// Flush both encoders with a nil frame
	if _, err := ffmpeg.AVCodecSendFrame(c.videoCtx, nil); err != nil {
		return fmt.Errorf("flush video encoder: %w", err)
	}
	if err := c.receivePackets(c.videoCtx, c.videoStream, 0); err != nil {
		return err
	}
	if _, err := ffmpeg.AVCodecSendFrame(c.audioCtx, nil); err != nil {
		return fmt.Errorf("flush audio encoder: %w", err)
	}
	if err := c.receivePackets(c.audioCtx, c.audioStream, 1); err != nil {
		return err
	}

	if _, err := ffmpeg.AVWriteTrailer(c.fmtCtx); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}

	c.finished = true
	if err := c.closePb(); err != nil {
		return err
	}
	c.free()
	return nil
}

// discard releases everything without writing a trailer. The partial file
// on disk is the caller's to remove.
func (c *container) discard() {
	if c.fmtCtx == nil {
		return
	}
	c.closePb()
	c.free()
}

func (c *container) closePb() error {
	if c.fmtCtx == nil || c.fmtCtx.Oformat().Flags()&ffmpeg.AVFmtNofile != 0 {
		return nil
	}
	if pb := c.fmtCtx.Pb(); pb != nil {
		if _, err := ffmpeg.AVIOClose(pb); err != nil {
			return fmt.Errorf("close output file: %w", err)
		}
		c.fmtCtx.SetPb(nil)
	}
	return nil
}

func (c *container) free() {
	if c.packet != nil {
		ffmpeg.AVPacketFree(&c.packet)
	}
	if c.videoFrame != nil {
		ffmpeg.AVFrameFree(&c.videoFrame)
	}
	if c.audioFrame != nil {
		ffmpeg.AVFrameFree(&c.audioFrame)
	}
	if c.videoCtx != nil {
		ffmpeg.AVCodecFreeContext(&c.videoCtx)
	}
	if c.audioCtx != nil {
		ffmpeg.AVCodecFreeContext(&c.audioCtx)
	}
	if c.fmtCtx != nil {
		ffmpeg.AVFormatFreeContext(c.fmtCtx)
		c.fmtCtx = nil
	}
}
