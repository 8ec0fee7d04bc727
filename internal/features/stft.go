package features

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// hann returns a periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// frameCount is the number of frames that lie fully inside a signal of the
// given length. Signals shorter than one frame still yield a single frame.
func frameCount(length, frameLen, hop int) int {
	if length <= frameLen {
		return 1
	}
	return 1 + (length-frameLen)/hop
}

// frameAt copies frameLen samples starting at start, zero-padding past the end.
func frameAt(dst, samples []float64, start int) []float64 {
	for i := range dst {
		j := start + i
		if j < len(samples) {
			dst[i] = samples[j]
		} else {
			dst[i] = 0
		}
	}
	return dst
}

// stft is a short-time Fourier transform with a periodic Hann window.
// It owns FFT work buffers and must not be shared between goroutines.
type stft struct {
	fft    *fourier.FFT
	window []float64
	size   int
	hop    int
}

func newSTFT(size, hop int) *stft {
	return &stft{
		fft:    fourier.NewFFT(size),
		window: hann(size),
		size:   size,
		hop:    hop,
	}
}

func (s *stft) bins() int { return s.size/2 + 1 }

// binFrequencies returns the centre frequency of each FFT bin.
func (s *stft) binFrequencies(sampleRate int) []float64 {
	freqs := make([]float64, s.bins())
	for k := range freqs {
		freqs[k] = float64(k) * float64(sampleRate) / float64(s.size)
	}
	return freqs
}

// complexFrames returns the spectrum of every frame, indexed [frame][bin].
func (s *stft) complexFrames(samples []float64) [][]complex128 {
	n := frameCount(len(samples), s.size, s.hop)
	out := make([][]complex128, n)
	buf := make([]float64, s.size)
	for t := 0; t < n; t++ {
		frameAt(buf, samples, t*s.hop)
		for i := range buf {
			buf[i] *= s.window[i]
		}
		out[t] = s.fft.Coefficients(nil, buf)
	}
	return out
}

// magnitudes returns |STFT| indexed [frame][bin].
func (s *stft) magnitudes(samples []float64) [][]float64 {
	frames := s.complexFrames(samples)
	out := make([][]float64, len(frames))
	for t, frame := range frames {
		row := make([]float64, len(frame))
		for k, c := range frame {
			row[k] = cmplx.Abs(c)
		}
		out[t] = row
	}
	return out
}

// inverse reconstructs a signal of the given length by weighted overlap-add.
func (s *stft) inverse(frames [][]complex128, length int) []float64 {
	total := (len(frames)-1)*s.hop + s.size
	if total < length {
		total = length
	}
	out := make([]float64, total)
	norm := make([]float64, total)
	buf := make([]float64, s.size)
	scale := 1 / float64(s.size)

	for t, frame := range frames {
		seq := s.fft.Sequence(buf, frame)
		offset := t * s.hop
		for i, v := range seq {
			w := s.window[i]
			out[offset+i] += v * scale * w
			norm[offset+i] += w * w
		}
	}
	for i := range out {
		if norm[i] > 1e-10 {
			out[i] /= norm[i]
		}
	}
	return out[:length]
}
