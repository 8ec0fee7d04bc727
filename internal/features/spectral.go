package features

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/loqalabs/voiceguard/internal/audio"
)

// SpectralAnalyzer derives spectral shape descriptors from a magnitude STFT.
type SpectralAnalyzer struct {
	FrameLength    int
	HopLength      int
	RolloffPercent float64
}

func (SpectralAnalyzer) Name() string { return "spectral" }

func (a SpectralAnalyzer) Analyze(w audio.Waveform) Vector {
	s := newSTFT(a.FrameLength, a.HopLength)
	mags := s.magnitudes(w.Samples)
	freqs := s.binFrequencies(w.SampleRate)

	centroids := make([]float64, len(mags))
	rolloffs := make([]float64, len(mags))
	bandwidths := make([]float64, len(mags))
	for t, frame := range mags {
		centroids[t], bandwidths[t] = centroidBandwidth(frame, freqs)
		rolloffs[t] = rolloff(frame, freqs, a.RolloffPercent)
	}

	centroidMean, centroidStd := stat.PopMeanStdDev(centroids, nil)
	return Vector{
		CentroidMean:    centroidMean,
		CentroidStd:     centroidStd,
		RolloffStd:      stat.PopStdDev(rolloffs, nil),
		BandwidthStd:    stat.PopStdDev(bandwidths, nil),
		SpectralFluxStd: stat.PopStdDev(flux(mags), nil),
	}
}

// centroidBandwidth returns the magnitude-weighted mean frequency and the
// second-order spread around it. Silent frames report zero for both.
func centroidBandwidth(frame, freqs []float64) (float64, float64) {
	var total, weighted float64
	for k, m := range frame {
		total += m
		weighted += m * freqs[k]
	}
	if total == 0 {
		return 0, 0
	}
	centroid := weighted / total
	var spread float64
	for k, m := range frame {
		dev := freqs[k] - centroid
		spread += (m / total) * dev * dev
	}
	return centroid, math.Sqrt(spread)
}

// rolloff returns the lowest frequency below which pct of the magnitude lies.
func rolloff(frame, freqs []float64, pct float64) float64 {
	var total float64
	for _, m := range frame {
		total += m
	}
	if total == 0 {
		return 0
	}
	target := pct * total
	var cum float64
	for k, m := range frame {
		cum += m
		if cum >= target {
			return freqs[k]
		}
	}
	return freqs[len(freqs)-1]
}

// flux returns, for every frame transition, the root mean square of the
// per-bin magnitude difference.
func flux(mags [][]float64) []float64 {
	if len(mags) < 2 {
		return []float64{0}
	}
	out := make([]float64, len(mags)-1)
	for t := 1; t < len(mags); t++ {
		prev, cur := mags[t-1], mags[t]
		var sum float64
		for k := range cur {
			d := cur[k] - prev[k]
			sum += d * d
		}
		out[t-1] = math.Sqrt(sum / float64(len(cur)))
	}
	return out
}
