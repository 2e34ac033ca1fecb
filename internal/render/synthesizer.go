package render

import (
	"fmt"
	"image/color"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"

	"github.com/waveclip/waveclip/internal/waveform"
)

// Style holds the visual parameters of the synthesized frame. These are
// configuration, not contract: callers may tune them, the defaults match the
// shipped look. All fractional fields are relative to canvas height or width
// so the output is resolution-agnostic.
type Style struct {
	BarCount        int
	MinVisibleFloor float64 // amplitude floor so silence still shows a stub
	MaxBarHeight    float64 // fraction of canvas height
	BaseBarHeight   float64 // fraction of canvas height
	UnplayedAlpha   float64 // opacity factor for bars past the playhead
	Background      color.RGBA
}

// DefaultStyle returns the shipped visual parameters.
func DefaultStyle() Style {
	return Style{
		BarCount:        60,
		MinVisibleFloor: 0.05,
		MaxBarHeight:    0.28,
		BaseBarHeight:   0.012,
		UnplayedAlpha:   0.35,
		Background:      color.RGBA{R: 0x10, G: 0x10, B: 0x18, A: 0xFF},
	}
}

// Placeholder envelope parameters, used when the waveform is empty so the
// output stays well-defined and deterministic in t.
const (
	placeholderRate  = 2.5
	placeholderPhase = 0.35
	placeholderScale = 0.25
	placeholderBias  = 0.45
)

// Synthesizer renders visualization frames. Rendering is a pure function of
// its arguments: identical inputs produce byte-identical pixels. The only
// internal state is a face cache keyed by point size, which is guarded so
// Render stays safe under any future frame-slot parallelism.
type Synthesizer struct {
	style Style

	mu    sync.Mutex
	faces map[faceKey]font.Face
}

type faceKey struct {
	bold bool
	size int // tenths of a point, avoids float map keys
}

var (
	fontRegular *sfnt.Font
	fontBold    *sfnt.Font
	fontInit    sync.Once
	fontErr     error
)

func loadFonts() error {
	fontInit.Do(func() {
		fontRegular, fontErr = opentype.Parse(goregular.TTF)
		if fontErr != nil {
			return
		}
		fontBold, fontErr = opentype.Parse(gobold.TTF)
	})
	return fontErr
}

// NewSynthesizer builds a synthesizer with the given style. Zero-valued
// style fields fall back to defaults.
func NewSynthesizer(style Style) *Synthesizer {
	def := DefaultStyle()
	if style.BarCount <= 0 {
		style.BarCount = def.BarCount
	}
	if style.MinVisibleFloor <= 0 {
		style.MinVisibleFloor = def.MinVisibleFloor
	}
	if style.MaxBarHeight <= 0 {
		style.MaxBarHeight = def.MaxBarHeight
	}
	if style.BaseBarHeight <= 0 {
		style.BaseBarHeight = def.BaseBarHeight
	}
	if style.UnplayedAlpha <= 0 {
		style.UnplayedAlpha = def.UnplayedAlpha
	}
	if style.Background.A == 0 {
		style.Background = def.Background
	}
	return &Synthesizer{style: style, faces: make(map[faceKey]font.Face)}
}

// Render draws the visualization for presentation time t into f's pixel
// buffer: background, waveform bars with the played/unplayed split at
// t/duration, circular avatar (or glyph), handle label, and remaining-time
// text. The previous contents of the buffer are fully overwritten.
func (s *Synthesizer) Render(f *Frame, t, duration float64, data *waveform.Data, overlay *OverlayAssets) error {
	if err := loadFonts(); err != nil {
		return fmt.Errorf("load fonts: %w", err)
	}

	w := float64(f.Width())
	h := float64(f.Height())
	dc := gg.NewContextForRGBA(f.Img)

	dc.SetColor(s.style.Background)
	dc.Clear()

	s.drawBars(dc, w, h, t, duration, data, overlay.AccentColor)
	if err := s.drawAvatar(dc, w, h, overlay); err != nil {
		return err
	}
	if err := s.drawLabels(dc, w, h, t, duration, overlay); err != nil {
		return err
	}
	return nil
}

// barAmplitude picks the envelope value for bar i, or the deterministic
// time-driven placeholder when no points exist.
func (s *Synthesizer) barAmplitude(i int, t float64, data *waveform.Data) float64 {
	if data == nil || len(data.Points) == 0 {
		return math.Sin(t*placeholderRate+float64(i)*placeholderPhase)*placeholderScale + placeholderBias
	}
	idx := i * len(data.Points) / s.style.BarCount
	if idx >= len(data.Points) {
		idx = len(data.Points) - 1
	}
	return float64(data.Points[idx].Amplitude)
}

func (s *Synthesizer) drawBars(dc *gg.Context, w, h, t, duration float64, data *waveform.Data, accent color.RGBA) {
	const sideMargin = 0.08
	areaX := w * sideMargin
	areaW := w * (1 - 2*sideMargin)
	centerY := h * 0.62

	progress := 0.0
	if duration > 0 {
		progress = t / duration
	}

	slot := areaW / float64(s.style.BarCount)
	barW := slot * 0.6
	maxH := h * s.style.MaxBarHeight
	baseH := h * s.style.BaseBarHeight

	dimmed := color.RGBA{
		R: accent.R,
		G: accent.G,
		B: accent.B,
		A: uint8(float64(accent.A) * s.style.UnplayedAlpha),
	}

	for i := 0; i < s.style.BarCount; i++ {
		amp := s.barAmplitude(i, t, data)
		if amp < s.style.MinVisibleFloor {
			amp = s.style.MinVisibleFloor
		}
		barH := amp*maxH + baseH

		x := areaX + float64(i)*slot + (slot-barW)/2
		y := centerY - barH/2

		frac := (float64(i) + 0.5) / float64(s.style.BarCount)
		if frac <= progress {
			dc.SetColor(accent)
		} else {
			dc.SetColor(dimmed)
		}
		dc.DrawRoundedRectangle(x, y, barW, barH, barW/2)
		dc.Fill()
	}
}

func (s *Synthesizer) drawAvatar(dc *gg.Context, w, h float64, overlay *OverlayAssets) error {
	cx := w / 2
	cy := h * 0.30
	radius := h * 0.11
	strokeW := h * 0.008

	if img := overlay.Avatar(); img != nil {
		dc.Push()
		dc.DrawCircle(cx, cy, radius)
		dc.Clip()

		bounds := img.Bounds()
		// Cover the circle; lopsided sources scale by their short edge
		scale := 2 * radius / math.Min(float64(bounds.Dx()), float64(bounds.Dy()))
		dc.Translate(cx-float64(bounds.Dx())*scale/2, cy-float64(bounds.Dy())*scale/2)
		dc.Scale(scale, scale)
		dc.DrawImage(img, 0, 0)
		dc.Pop()
	} else {
		dc.SetColor(overlay.AccentColor)
		dc.DrawCircle(cx, cy, radius)
		dc.Fill()

		face, err := s.face(true, radius*1.1)
		if err != nil {
			return err
		}
		dc.SetFontFace(face)
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(overlay.GlyphInitial(), cx, cy, 0.5, 0.35)
	}

	dc.SetRGBA(1, 1, 1, 0.9)
	dc.SetLineWidth(strokeW)
	dc.DrawCircle(cx, cy, radius)
	dc.Stroke()
	return nil
}

func (s *Synthesizer) drawLabels(dc *gg.Context, w, h, t, duration float64, overlay *OverlayAssets) error {
	shadow := h * 0.004

	// Handle under the avatar
	if overlay.Handle != "" {
		face, err := s.face(true, h*0.045)
		if err != nil {
			return err
		}
		dc.SetFontFace(face)
		x := w / 2
		y := h*0.30 + h*0.11 + h*0.06
		dc.SetRGBA(0, 0, 0, 0.6)
		dc.DrawStringAnchored(overlay.Handle, x+shadow, y+shadow, 0.5, 0.5)
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(overlay.Handle, x, y, 0.5, 0.5)
	}

	// Remaining time under the bars
	face, err := s.face(false, h*0.055)
	if err != nil {
		return err
	}
	dc.SetFontFace(face)
	label := FormatRemaining(t, duration)
	x := w / 2
	y := h * 0.85
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawStringAnchored(label, x+shadow, y+shadow, 0.5, 0.5)
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(label, x, y, 0.5, 0.5)
	return nil
}

// FormatRemaining renders duration-t as mm:ss, clamped at 0:00 and rounded
// up so the countdown starts at the full length and reaches zero exactly at
// the end.
func FormatRemaining(t, duration float64) string {
	remaining := duration - t
	if remaining < 0 {
		remaining = 0
	}
	total := int(math.Ceil(remaining))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func (s *Synthesizer) face(bold bool, size float64) (font.Face, error) {
	key := faceKey{bold: bold, size: int(size * 10)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.faces[key]; ok {
		return f, nil
	}

	src := fontRegular
	if bold {
		src = fontBold
	}
	f, err := opentype.NewFace(src, &opentype.FaceOptions{
		Size:    float64(key.size) / 10,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("font face: %w", err)
	}
	s.faces[key] = f
	return f, nil
}
