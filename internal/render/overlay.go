package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // avatar decode
	_ "image/png"  // avatar decode
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// OverlayAssets carries the per-session presentation inputs: the handle
// label, the accent color, and the decoded avatar. The avatar cache is owned
// by a single generation session and must be evicted between retry attempts.
type OverlayAssets struct {
	Handle      string
	AccentColor color.RGBA

	avatarSource AvatarSource
	avatar       image.Image // decoded once, cached until Evict
}

// AvatarSource locates the avatar image: a URL, a local path, or raw bytes.
// All fields optional; the renderer falls back to a generated glyph.
type AvatarSource struct {
	URL   string
	Path  string
	Bytes []byte
}

// NewOverlayAssets builds session overlay state. The avatar is not loaded
// until LoadAvatar is called so that a fetch failure can be classified by
// the caller instead of surfacing mid-render.
func NewOverlayAssets(handle string, accent color.RGBA, avatar AvatarSource) *OverlayAssets {
	return &OverlayAssets{
		Handle:       handle,
		AccentColor:  accent,
		avatarSource: avatar,
	}
}

// LoadAvatar fetches and decodes the avatar into the session cache.
// Missing sources are not an error: rendering falls back to the glyph.
// A present-but-undecodable source is reported so the caller can decide.
func (o *OverlayAssets) LoadAvatar(client *http.Client) error {
	if o.avatar != nil {
		return nil
	}

	src := o.avatarSource
	var raw []byte
	switch {
	case len(src.Bytes) > 0:
		raw = src.Bytes
	case src.Path != "":
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return fmt.Errorf("read avatar file: %w", err)
		}
		raw = data
	case src.URL != "":
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		resp, err := client.Get(src.URL)
		if err != nil {
			return fmt.Errorf("fetch avatar: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch avatar: unexpected status %s", resp.Status)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return fmt.Errorf("fetch avatar: %w", err)
		}
		raw = data
	default:
		return nil // no avatar configured, glyph fallback
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode avatar: %w", err)
	}
	o.avatar = img
	return nil
}

// Avatar returns the cached avatar image, or nil when the glyph fallback
// should be drawn.
func (o *OverlayAssets) Avatar() image.Image { return o.avatar }

// Evict drops the decoded avatar so a retry attempt starts from a clean
// cache.
func (o *OverlayAssets) Evict() { o.avatar = nil }

// GlyphInitial returns the uppercase initial drawn in the avatar
// placeholder circle.
func (o *OverlayAssets) GlyphInitial() string {
	h := strings.TrimPrefix(strings.TrimSpace(o.Handle), "@")
	r, size := utf8.DecodeRuneInString(h)
	if size == 0 || r == utf8.RuneError {
		return "?"
	}
	return strings.ToUpper(string(r))
}

// ParseAccentColor converts "#RRGGBB" (or "RRGGBB") to an opaque RGBA.
func ParseAccentColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("accent color %q: want RRGGBB", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("accent color %q: %w", s, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}, nil
}
