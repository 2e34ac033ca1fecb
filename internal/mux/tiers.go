// Package mux owns the output container session: tier selection, strict
// presentation-time ordering, pull-based backpressure, and H.264 + AAC
// encoding of the synthesized frames and source audio.
package mux

// Tier is a (resolution, fps) bucket chosen from clip duration so long
// clips do not multiply processing cost. Bitrate is derived, not stored:
// see Tier.BitRate.
type Tier struct {
	Name   string
	Width  int
	Height int
	FPS    int
}

// Duration thresholds for tier selection, in seconds.
const (
	highTierMaxDuration = 60.0
	midTierMaxDuration  = 180.0
)

var (
	tierHigh = Tier{Name: "high", Width: 1280, Height: 720, FPS: 30}
	tierMid  = Tier{Name: "mid", Width: 960, Height: 540, FPS: 24}
	tierLow  = Tier{Name: "low", Width: 640, Height: 360, FPS: 15}
)

// TierFor selects the quality tier for a clip duration: under 60s the
// highest, 60-180s the middle, above 180s the lowest.
func TierFor(duration float64) Tier {
	switch {
	case duration < highTierMaxDuration:
		return tierHigh
	case duration <= midTierMaxDuration:
		return tierMid
	default:
		return tierLow
	}
}

// minVideoBitRate is the floor below which output quality is not viable.
const minVideoBitRate = 800_000

// BitRate derives the video bitrate from pixel throughput with a fixed
// bits-per-pixel budget, floored at minVideoBitRate.
func (t Tier) BitRate() int64 {
	const bitsPerPixel = 0.07
	rate := int64(float64(t.Width*t.Height*t.FPS) * bitsPerPixel)
	if rate < minVideoBitRate {
		return minVideoBitRate
	}
	return rate
}

// TotalFrames returns floor(duration * fps), the exact number of frames the
// pipeline appends for a clip.
func (t Tier) TotalFrames(duration float64) int {
	if duration <= 0 {
		return 0
	}
	// Small epsilon so exact products like 10*30 don't truncate to 299.
	return int(duration*float64(t.FPS) + 1e-9)
}
