package features

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/loqalabs/voiceguard/internal/audio"
)

// EnergyAnalyzer measures short-time RMS energy.
type EnergyAnalyzer struct {
	FrameLength int
	HopLength   int
}

func (EnergyAnalyzer) Name() string { return "energy" }

func (a EnergyAnalyzer) Analyze(w audio.Waveform) Vector {
	rms := a.rms(w.Samples)
	mean, std := stat.PopMeanStdDev(rms, nil)
	return Vector{
		EnergyMean:     mean,
		EnergyStd:      std,
		EnergyDeltaStd: stat.PopStdDev(diff(rms), nil),
	}
}

func (a EnergyAnalyzer) rms(samples []float64) []float64 {
	n := frameCount(len(samples), a.FrameLength, a.HopLength)
	out := make([]float64, n)
	frame := make([]float64, a.FrameLength)
	for t := range out {
		frameAt(frame, samples, t*a.HopLength)
		var sum float64
		for _, v := range frame {
			sum += v * v
		}
		out[t] = math.Sqrt(sum / float64(len(frame)))
	}
	return out
}
