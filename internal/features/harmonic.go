package features

import (
	"math"
	"math/cmplx"
	"slices"

	"github.com/loqalabs/voiceguard/internal/audio"
)

const hnrEpsilon = 1e-6

// HarmonicAnalyzer separates harmonic and percussive energy by median
// filtering the spectrogram and reports their ratio in decibels.
type HarmonicAnalyzer struct {
	FFTSize   int
	HopLength int
	Kernel    int
}

func (HarmonicAnalyzer) Name() string { return "harmonic" }

func (a HarmonicAnalyzer) Analyze(w audio.Waveform) Vector {
	harmonic, percussive := a.Separate(w.Samples)
	eh := sumSquares(harmonic)
	ep := sumSquares(percussive)
	return Vector{HNR: 10 * math.Log10(eh/(ep+hnrEpsilon))}
}

// Separate splits samples into harmonic and percussive components of the same length.
func (a HarmonicAnalyzer) Separate(samples []float64) ([]float64, []float64) {
	pad := a.FFTSize / 2
	padded := centerPad(samples, pad)
	if rem := (len(padded) - a.FFTSize) % a.HopLength; len(padded) > a.FFTSize && rem != 0 {
		padded = append(padded, make([]float64, a.HopLength-rem)...)
	}

	s := newSTFT(a.FFTSize, a.HopLength)
	frames := s.complexFrames(padded)
	mags := make([][]float64, len(frames))
	for t, frame := range frames {
		row := make([]float64, len(frame))
		for k, c := range frame {
			row[k] = cmplx.Abs(c)
		}
		mags[t] = row
	}

	h := medianAcrossTime(mags, a.Kernel)
	p := medianAcrossFrequency(mags, a.Kernel)

	harm := make([][]complex128, len(frames))
	perc := make([][]complex128, len(frames))
	for t, frame := range frames {
		hRow := make([]complex128, len(frame))
		pRow := make([]complex128, len(frame))
		for k, c := range frame {
			hh := h[t][k] * h[t][k]
			pp := p[t][k] * p[t][k]
			total := hh + pp
			if total <= math.SmallestNonzeroFloat64 {
				continue
			}
			hRow[k] = c * complex(hh/total, 0)
			pRow[k] = c * complex(pp/total, 0)
		}
		harm[t] = hRow
		perc[t] = pRow
	}

	hy := s.inverse(harm, len(padded))
	py := s.inverse(perc, len(padded))
	return hy[pad : pad+len(samples)], py[pad : pad+len(samples)]
}

// centerPad reflects the signal by pad samples on each side, falling back
// to zeros when the signal is too short to reflect.
func centerPad(x []float64, pad int) []float64 {
	out := make([]float64, len(x)+2*pad)
	copy(out[pad:], x)
	if len(x) <= pad {
		return out
	}
	for i := 0; i < pad; i++ {
		out[pad-1-i] = x[i+1]
		out[pad+len(x)+i] = x[len(x)-2-i]
	}
	return out
}

// mirror maps an out-of-range index back into [0, n) by half-sample symmetric reflection.
func mirror(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

func medianAcrossTime(mags [][]float64, kernel int) [][]float64 {
	frames := len(mags)
	out := make([][]float64, frames)
	if frames == 0 {
		return out
	}
	bins := len(mags[0])
	for t := range out {
		out[t] = make([]float64, bins)
	}
	half := kernel / 2
	scratch := make([]float64, kernel)
	for k := 0; k < bins; k++ {
		for t := 0; t < frames; t++ {
			for j := -half; j <= half; j++ {
				scratch[j+half] = mags[mirror(t+j, frames)][k]
			}
			out[t][k] = median(scratch)
		}
	}
	return out
}

func medianAcrossFrequency(mags [][]float64, kernel int) [][]float64 {
	out := make([][]float64, len(mags))
	half := kernel / 2
	scratch := make([]float64, kernel)
	for t, row := range mags {
		bins := len(row)
		filtered := make([]float64, bins)
		for k := 0; k < bins; k++ {
			for j := -half; j <= half; j++ {
				scratch[j+half] = row[mirror(k+j, bins)]
			}
			filtered[k] = median(scratch)
		}
		out[t] = filtered
	}
	return out
}

// median sorts buf in place and returns its middle element; len(buf) is odd.
func median(buf []float64) float64 {
	slices.Sort(buf)
	return buf[len(buf)/2]
}

func sumSquares(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}
