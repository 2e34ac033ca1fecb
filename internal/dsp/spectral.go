// Package dsp provides pure numeric primitives for waveform analysis
package dsp

import "math"

// RMSAndPeak computes the RMS level and absolute peak of a sample window.
// Samples are expected in the [-1, 1] range; both results are clamped to
// [0, 1]. An empty window yields (0, 0).
func RMSAndPeak(samples []float32) (rms, peak float32) {
	if len(samples) == 0 {
		return 0, 0
	}

	var sumSquares float64
	var maxAbs float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}

	r := math.Sqrt(sumSquares / float64(len(samples)))
	return clampUnit(r), clampUnit(maxAbs)
}

// FrequencyBins reduces a sample window to binCount normalized frequency
// magnitudes for spectrum-style display. The window is Hann-weighted and
// transformed with a forward FFT of fftSize points (must be a power of two);
// the magnitude-squared spectrum is averaged into contiguous bins, normalized
// by the loudest bin, and compressed with log10(v*9+1) so quiet bins remain
// visible. Deterministic for identical input.
//
// If fewer than fftSize samples are supplied the result is all zeros: a
// partial window would produce misleading spectral leakage.
func FrequencyBins(samples []float32, fftSize, binCount int) []float32 {
	bins := make([]float32, binCount)
	if binCount <= 0 || fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		return bins
	}
	if len(samples) < fftSize {
		return bins
	}

	// Hann window to contain spectral leakage
	re := make([]float64, fftSize)
	im := make([]float64, fftSize)
	for i := 0; i < fftSize; i++ {
		w := 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(fftSize-1)))
		re[i] = float64(samples[i]) * w
	}

	fft(re, im)

	// Magnitude-squared spectrum; only the first half carries information
	half := fftSize / 2
	magnitudes := make([]float64, half)
	for i := 0; i < half; i++ {
		magnitudes[i] = re[i]*re[i] + im[i]*im[i]
	}

	// Average the spectrum into contiguous display bins
	raw := make([]float64, binCount)
	perBin := half / binCount
	if perBin < 1 {
		perBin = 1
	}
	var maxBin float64
	for b := 0; b < binCount; b++ {
		start := b * perBin
		if start >= half {
			break
		}
		end := start + perBin
		if end > half {
			end = half
		}
		var sum float64
		for i := start; i < end; i++ {
			sum += magnitudes[i]
		}
		raw[b] = sum / float64(end-start)
		if raw[b] > maxBin {
			maxBin = raw[b]
		}
	}

	if maxBin <= 0 {
		return bins
	}

	for b := 0; b < binCount; b++ {
		v := raw[b] / maxBin
		bins[b] = float32(math.Log10(v*9.0 + 1.0))
	}
	return bins
}

// fft performs an in-place radix-2 Cooley-Tukey transform.
// len(re) == len(im) and must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	if n < 2 {
		return
	}

	// Bit-reversal permutation
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j &^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2.0 * math.Pi / float64(length)
		wRe := math.Cos(angle)
		wIm := math.Sin(angle)
		for start := 0; start < n; start += length {
			curRe, curIm := 1.0, 0.0
			half := length / 2
			for k := 0; k < half; k++ {
				even := start + k
				odd := even + half
				tRe := re[odd]*curRe - im[odd]*curIm
				tIm := re[odd]*curIm + im[odd]*curRe
				re[odd] = re[even] - tRe
				im[odd] = im[even] - tIm
				re[even] += tRe
				im[even] += tIm
				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}

func clampUnit(v float64) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return float32(v)
}
