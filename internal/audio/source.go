// Package audio provides chunked PCM decoding of audio containers using ffmpeg-go
package audio

import (
	"errors"
	"fmt"
	"unsafe"

	ffmpeg "github.com/csnewman/ffmpeg-go"

	"github.com/waveclip/waveclip/internal/waveform"
)

// ErrNoAudioTrack reports an input container without a decodable audio stream.
var ErrNoAudioTrack = errors.New("no audio track")

// Source wraps an ffmpeg demuxer and decoder and exposes the clip as a
// stream of bounded mono PCM chunks. It satisfies waveform.Source. One
// Source supports a single forward pass; callers needing a second pass
// (analysis, then audio mux) open the file again.
type Source struct {
	fmtCtx    *ffmpeg.AVFormatContext
	decCtx    *ffmpeg.AVCodecContext
	streamIdx int
	frame     *ffmpeg.AVFrame
	packet    *ffmpeg.AVPacket
	info      waveform.SourceInfo
}

// Open opens an audio container for chunked decoding.
func Open(filename string) (*Source, error) {
	var fmtCtx *ffmpeg.AVFormatContext

	filenameC := ffmpeg.ToCStr(filename)
	defer filenameC.Free()

	if _, err := ffmpeg.AVFormatOpenInput(&fmtCtx, filenameC, nil, nil); err != nil {
		return nil, fmt.Errorf("open input %s: %w", filename, err)
	}

	if _, err := ffmpeg.AVFormatFindStreamInfo(fmtCtx, nil); err != nil {
		ffmpeg.AVFormatCloseInput(&fmtCtx)
		return nil, fmt.Errorf("find stream info: %w", err)
	}

	// First audio stream wins; video input sources are not analyzed
	streamIdx := -1
	var audioStream *ffmpeg.AVStream
	streams := fmtCtx.Streams()
	for i := 0; i < int(fmtCtx.NbStreams()); i++ {
		stream := streams.Get(uintptr(i))
		if stream.Codecpar().CodecType() == ffmpeg.AVMediaTypeAudio {
			streamIdx = i
			audioStream = stream
			break
		}
	}
	if streamIdx == -1 {
		ffmpeg.AVFormatCloseInput(&fmtCtx)
		return nil, fmt.Errorf("%w: %s", ErrNoAudioTrack, filename)
	}

	codecPar := audioStream.Codecpar()
	decoder := ffmpeg.AVCodecFindDecoder(codecPar.CodecId())
	if decoder == nil {
		ffmpeg.AVFormatCloseInput(&fmtCtx)
		return nil, fmt.Errorf("%w: no decoder for codec id %d", ErrNoAudioTrack, codecPar.CodecId())
	}

	decCtx := ffmpeg.AVCodecAllocContext3(decoder)
	if decCtx == nil {
		ffmpeg.AVFormatCloseInput(&fmtCtx)
		return nil, fmt.Errorf("allocate decoder context for %s", filename)
	}

	if _, err := ffmpeg.AVCodecParametersToContext(decCtx, codecPar); err != nil {
		ffmpeg.AVCodecFreeContext(&decCtx)
		ffmpeg.AVFormatCloseInput(&fmtCtx)
		return nil, fmt.Errorf("copy codec parameters: %w", err)
	}

	if _, err := ffmpeg.AVCodecOpen2(decCtx, decoder, nil); err != nil {
		ffmpeg.AVCodecFreeContext(&decCtx)
		ffmpeg.AVFormatCloseInput(&fmtCtx)
		return nil, fmt.Errorf("open decoder: %w", err)
	}

	duration := float64(fmtCtx.Duration()) / float64(ffmpeg.AVTimeBase)
	if duration < 0 {
		duration = 0
	}

	return &Source{
		fmtCtx:    fmtCtx,
		decCtx:    decCtx,
		streamIdx: streamIdx,
		frame:     ffmpeg.AVFrameAlloc(),
		packet:    ffmpeg.AVPacketAlloc(),
		info: waveform.SourceInfo{
			Duration:   duration,
			SampleRate: decCtx.SampleRate(),
			Channels:   decCtx.ChLayout().NbChannels(),
		},
	}, nil
}

// Info reports the track's duration, sample rate and channel count.
func (s *Source) Info() waveform.SourceInfo { return s.info }

// ReadChunk decodes the next frame and returns it as mono float32 samples
// in [-1, 1]. Multi-channel input is downmixed by channel averaging.
// Returns (nil, nil) at end of stream. A corrupt packet is reported as a
// waveform.ErrChunkDecode wrap so the analyzer can skip it; demuxer-level
// failures are terminal.
func (s *Source) ReadChunk() ([]float32, error) {
	for {
		if _, err := ffmpeg.AVCodecReceiveFrame(s.decCtx, s.frame); err == nil {
			return s.downmixFrame()
		} else if !errors.Is(err, ffmpeg.EAgain) {
			if errors.Is(err, ffmpeg.AVErrorEOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("receive frame: %w", err)
		}

		// Decoder needs more input
		if _, err := ffmpeg.AVReadFrame(s.fmtCtx, s.packet); err != nil {
			if errors.Is(err, ffmpeg.AVErrorEOF) {
				// Drain the decoder
				if _, err := ffmpeg.AVCodecSendPacket(s.decCtx, nil); err != nil {
					return nil, fmt.Errorf("flush decoder: %w", err)
				}
				continue
			}
			return nil, fmt.Errorf("read packet: %w", err)
		}

		if s.packet.StreamIndex() != s.streamIdx {
			ffmpeg.AVPacketUnref(s.packet)
			continue
		}

		if _, err := ffmpeg.AVCodecSendPacket(s.decCtx, s.packet); err != nil {
			ffmpeg.AVPacketUnref(s.packet)
			return nil, fmt.Errorf("%w: %v", waveform.ErrChunkDecode, err)
		}
		ffmpeg.AVPacketUnref(s.packet)
	}
}

// downmixFrame converts the current decoded frame to mono float32.
func (s *Source) downmixFrame() ([]float32, error) {
	nbSamples := int(s.frame.NbSamples())
	nbChannels := s.frame.ChLayout().NbChannels()
	if nbSamples == 0 || nbChannels == 0 {
		return []float32{}, nil
	}

	out := make([]float32, nbSamples)
	fmtID := ffmpeg.AVSampleFormat(s.frame.Format())

	switch fmtID {
	case ffmpeg.AVSampleFmtS16:
		data := s.frame.Data().Get(0)
		if data == nil {
			return nil, fmt.Errorf("%w: frame has no data plane", waveform.ErrChunkDecode)
		}
		samples := unsafe.Slice((*int16)(data), nbSamples*nbChannels)
		interleavedDownmix(out, nbChannels, func(i int) float32 {
			return float32(samples[i]) / 32768.0
		})

	case ffmpeg.AVSampleFmtS32:
		data := s.frame.Data().Get(0)
		if data == nil {
			return nil, fmt.Errorf("%w: frame has no data plane", waveform.ErrChunkDecode)
		}
		samples := unsafe.Slice((*int32)(data), nbSamples*nbChannels)
		interleavedDownmix(out, nbChannels, func(i int) float32 {
			return float32(float64(samples[i]) / 2147483648.0)
		})

	case ffmpeg.AVSampleFmtFlt:
		data := s.frame.Data().Get(0)
		if data == nil {
			return nil, fmt.Errorf("%w: frame has no data plane", waveform.ErrChunkDecode)
		}
		samples := unsafe.Slice((*float32)(data), nbSamples*nbChannels)
		interleavedDownmix(out, nbChannels, func(i int) float32 {
			return samples[i]
		})

	case ffmpeg.AVSampleFmtS16P:
		if err := s.planarDownmix(out, nbChannels, func(p unsafe.Pointer, i int) float32 {
			return float32(unsafe.Slice((*int16)(p), nbSamples)[i]) / 32768.0
		}); err != nil {
			return nil, err
		}

	case ffmpeg.AVSampleFmtS32P:
		if err := s.planarDownmix(out, nbChannels, func(p unsafe.Pointer, i int) float32 {
			return float32(float64(unsafe.Slice((*int32)(p), nbSamples)[i]) / 2147483648.0)
		}); err != nil {
			return nil, err
		}

	case ffmpeg.AVSampleFmtFltp:
		if err := s.planarDownmix(out, nbChannels, func(p unsafe.Pointer, i int) float32 {
			return unsafe.Slice((*float32)(p), nbSamples)[i]
		}); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unsupported sample format %d", waveform.ErrChunkDecode, fmtID)
	}

	return out, nil
}

// interleavedDownmix averages channel-interleaved samples into out.
func interleavedDownmix(out []float32, channels int, at func(int) float32) {
	inv := float32(1.0) / float32(channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += at(i*channels + c)
		}
		out[i] = sum * inv
	}
}

// planarDownmix averages one sample per channel plane into out.
func (s *Source) planarDownmix(out []float32, channels int, at func(unsafe.Pointer, int) float32) error {
	planes := make([]unsafe.Pointer, channels)
	for c := 0; c < channels; c++ {
		p := s.frame.Data().Get(uintptr(c))
		if p == nil {
			return fmt.Errorf("%w: missing plane %d", waveform.ErrChunkDecode, c)
		}
		planes[c] = p
	}
	inv := float32(1.0) / float32(channels)
	for i := range out {
		var sum float32
		for _, p := range planes {
			sum += at(p, i)
		}
		out[i] = sum * inv
	}
	return nil
}

// Close releases all decoder resources. Safe to call multiple times.
func (s *Source) Close() {
	if s.frame != nil {
		ffmpeg.AVFrameFree(&s.frame)
	}
	if s.packet != nil {
		ffmpeg.AVPacketFree(&s.packet)
	}
	if s.decCtx != nil {
		ffmpeg.AVCodecFreeContext(&s.decCtx)
	}
	if s.fmtCtx != nil {
		ffmpeg.AVFormatCloseInput(&s.fmtCtx)
	}
}
