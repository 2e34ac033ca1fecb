package mux

import (
	"unsafe"

	ffmpeg "github.com/csnewman/ffmpeg-go"

	"github.com/waveclip/waveclip/internal/render"
)

// fillYUV420 copies a rendered RGBA frame into an allocated YUV420P
// AVFrame, respecting the encoder's plane strides.
func fillYUV420(dst *ffmpeg.AVFrame, src *render.Frame) {
	w, h := src.Width(), src.Height()

	yStride := int(dst.Linesize().Get(0))
	uStride := int(dst.Linesize().Get(1))
	vStride := int(dst.Linesize().Get(2))

	yPlane := unsafe.Slice((*byte)(dst.Data().Get(0)), yStride*h)
	uPlane := unsafe.Slice((*byte)(dst.Data().Get(1)), uStride*(h/2))
	vPlane := unsafe.Slice((*byte)(dst.Data().Get(2)), vStride*(h/2))

	rgbaToYUV420(src.Img.Pix, src.Img.Stride, w, h,
		yPlane, yStride, uPlane, uStride, vPlane, vStride)
}

// rgbaToYUV420 converts packed RGBA pixels to planar YUV 4:2:0 using the
// BT.601 studio-swing integer approximation. Chroma is averaged over each
// 2x2 block. Pure function so the color math is testable without FFmpeg.
func rgbaToYUV420(pix []byte, pixStride, w, h int,
	yPlane []byte, yStride int,
	uPlane []byte, uStride int,
	vPlane []byte, vStride int,
) {
	for row := 0; row < h; row++ {
		src := row * pixStride
		dst := row * yStride
		for col := 0; col < w; col++ {
			r := int(pix[src])
			g := int(pix[src+1])
			b := int(pix[src+2])
			yPlane[dst+col] = uint8(((66*r+129*g+25*b+128)>>8) + 16)
			src += 4
		}
	}

	for row := 0; row < h/2; row++ {
		uDst := row * uStride
		vDst := row * vStride
		for col := 0; col < w/2; col++ {
			// Average the 2x2 RGB block before converting chroma
			var r, g, b int
			for dy := 0; dy < 2; dy++ {
				base := (row*2+dy)*pixStride + col*8
				for dx := 0; dx < 2; dx++ {
					r += int(pix[base])
					g += int(pix[base+1])
					b += int(pix[base+2])
					base += 4
				}
			}
			r /= 4
			g /= 4
			b /= 4
			uPlane[uDst+col] = uint8(((-38*r-74*g+112*b+128)>>8) + 128)
			vPlane[vDst+col] = uint8(((112*r-94*g-18*b+128)>>8) + 128)
		}
	}
}
