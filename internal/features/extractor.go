package features

import (
	"time"

	"github.com/loqalabs/voiceguard/internal/audio"
	"github.com/loqalabs/voiceguard/internal/config"
)

// Analyzer computes one group of features from a normalized waveform.
// Implementations hold no mutable state.
type Analyzer interface {
	Name() string
	Analyze(w audio.Waveform) Vector
}

// Extractor runs every analyzer and assembles a complete, finite vector.
type Extractor struct {
	analyzers   []Analyzer
	minDuration time.Duration
}

// NewExtractor builds the standard pitch, spectral, energy and harmonic pipeline.
func NewExtractor(cfg config.FeaturesConfig, minDuration time.Duration) *Extractor {
	return NewExtractorWithAnalyzers(minDuration,
		PitchAnalyzer{
			FrameLength: cfg.PitchFrameLength,
			HopLength:   cfg.PitchHopLength,
			Fmin:        cfg.PitchFmin,
			Fmax:        cfg.PitchFmax,
			Threshold:   cfg.PitchThreshold,
		},
		SpectralAnalyzer{
			FrameLength:    cfg.FrameLength,
			HopLength:      cfg.HopLength,
			RolloffPercent: cfg.RolloffPercent,
		},
		EnergyAnalyzer{
			FrameLength: cfg.FrameLength,
			HopLength:   cfg.HopLength,
		},
		HarmonicAnalyzer{
			FFTSize:   cfg.HPSSFFTSize,
			HopLength: cfg.HPSSHopLength,
			Kernel:    cfg.HPSSKernel,
		},
	)
}

func NewExtractorWithAnalyzers(minDuration time.Duration, analyzers ...Analyzer) *Extractor {
	return &Extractor{analyzers: analyzers, minDuration: minDuration}
}

// Degenerate reports whether w is too short to analyze.
func (e *Extractor) Degenerate(w audio.Waveform) bool {
	if w.SampleRate <= 0 || len(w.Samples) == 0 {
		return true
	}
	minSamples := e.minDuration.Seconds() * float64(w.SampleRate)
	return float64(len(w.Samples)) < minSamples
}

// Extract returns the feature vector for w. Degenerate clips yield Default
// without running any analyzer.
func (e *Extractor) Extract(w audio.Waveform) Vector {
	if e.Degenerate(w) {
		return Default()
	}
	out := make(Vector, len(Keys))
	for _, a := range e.analyzers {
		merge(out, a.Analyze(w))
	}
	return out.Sanitize()
}
