package features

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/loqalabs/voiceguard/internal/audio"
)

// minVoicedFrames is the smallest pitch track that produces statistics.
const minVoicedFrames = 10

// PitchAnalyzer tracks the fundamental frequency with the YIN estimator.
type PitchAnalyzer struct {
	FrameLength int
	HopLength   int
	Fmin        float64
	Fmax        float64
	Threshold   float64
}

func (PitchAnalyzer) Name() string { return "pitch" }

// Analyze reports pitch_mean, pitch_std and pitch_delta_std over voiced frames.
// Tracks shorter than minVoicedFrames yield zeros.
func (a PitchAnalyzer) Analyze(w audio.Waveform) Vector {
	out := Vector{PitchMean: 0, PitchStd: 0, PitchDeltaStd: 0}
	track := a.track(w.Samples, float64(w.SampleRate))
	if len(track) < minVoicedFrames {
		return out
	}
	mean, std := stat.PopMeanStdDev(track, nil)
	out[PitchMean] = mean
	out[PitchStd] = std
	out[PitchDeltaStd] = stat.PopStdDev(diff(track), nil)
	return out
}

// track returns f0 for every voiced frame, in order.
func (a PitchAnalyzer) track(samples []float64, sr float64) []float64 {
	if sr <= 0 || a.Fmin <= 0 || a.Fmax <= a.Fmin {
		return nil
	}
	minLag := int(math.Floor(sr / a.Fmax))
	if minLag < 1 {
		minLag = 1
	}
	maxLag := int(math.Ceil(sr / a.Fmin))
	window := a.FrameLength / 2
	if window+maxLag > a.FrameLength {
		window = a.FrameLength - maxLag
	}
	if window <= 0 || minLag >= maxLag {
		return nil
	}

	n := frameCount(len(samples), a.FrameLength, a.HopLength)
	frame := make([]float64, a.FrameLength)
	d := make([]float64, maxLag+2)
	var f0s []float64
	for t := 0; t < n; t++ {
		frameAt(frame, samples, t*a.HopLength)
		if f, ok := a.estimate(frame, d, window, minLag, maxLag, sr); ok {
			f0s = append(f0s, f)
		}
	}
	return f0s
}

// estimate runs YIN on one frame. d is scratch space of at least maxLag+2.
func (a PitchAnalyzer) estimate(frame, d []float64, window, minLag, maxLag int, sr float64) (float64, bool) {
	var energy float64
	for _, v := range frame[:window+maxLag] {
		energy += v * v
	}
	if energy < 1e-10 {
		return 0, false
	}

	// difference function
	limit := maxLag + 1
	if limit+window > len(frame) {
		limit = len(frame) - window
	}
	for tau := 0; tau < limit; tau++ {
		var sum float64
		for j := 0; j < window; j++ {
			delta := frame[j] - frame[j+tau]
			sum += delta * delta
		}
		d[tau] = sum
	}

	// cumulative mean normalized difference
	d[0] = 1
	var running float64
	for tau := 1; tau < limit; tau++ {
		running += d[tau]
		if running == 0 {
			d[tau] = 1
			continue
		}
		d[tau] = d[tau] * float64(tau) / running
	}

	tau := -1
	for i := minLag; i < limit; i++ {
		if d[i] < a.Threshold {
			for i+1 < limit && d[i+1] < d[i] {
				i++
			}
			tau = i
			break
		}
	}
	if tau < 0 {
		return 0, false
	}

	period := float64(tau)
	if tau > 1 && tau+1 < limit {
		prev, cur, next := d[tau-1], d[tau], d[tau+1]
		if denom := prev - 2*cur + next; denom != 0 {
			shift := 0.5 * (prev - next) / denom
			if math.Abs(shift) <= 1 {
				period += shift
			}
		}
	}
	if period <= 0 {
		return 0, false
	}
	f0 := sr / period
	if f0 < a.Fmin || f0 > a.Fmax {
		return 0, false
	}
	return f0, true
}

func diff(x []float64) []float64 {
	if len(x) < 2 {
		return []float64{0}
	}
	out := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		out[i-1] = x[i] - x[i-1]
	}
	return out
}
