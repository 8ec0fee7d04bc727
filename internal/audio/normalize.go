package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"
	"gonum.org/v1/gonum/floats"

	"github.com/loqalabs/voiceguard/internal/config"
)

// Normalizer produces mono, fixed-rate, peak-normalized waveforms.
type Normalizer struct {
	targetRate int
	decoder    Decoder
}

// NewNormalizer builds a normalizer using the decoder selected by cfg.Decoder.
func NewNormalizer(cfg config.AudioConfig) (*Normalizer, error) {
	var decoder Decoder = NewNativeDecoder()
	if cfg.Decoder == "exec" {
		t, err := NewExecTranscoder(cfg.TranscodeCommand, time.Duration(cfg.TranscodeTimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		decoder = t
	}
	return NewNormalizerWithDecoder(cfg.SampleRate, decoder), nil
}

func NewNormalizerWithDecoder(targetRate int, decoder Decoder) *Normalizer {
	return &Normalizer{targetRate: targetRate, decoder: decoder}
}

// TargetRate is the sample rate of every waveform the normalizer returns.
func (n *Normalizer) TargetRate() int { return n.targetRate }

// Load reads and decodes an audio file from disk.
func (n *Normalizer) Load(ctx context.Context, path string) (Waveform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("read audio file: %w", err)
	}
	return n.Decode(ctx, data)
}

// Decode decodes an encoded clip and normalizes it.
func (n *Normalizer) Decode(ctx context.Context, data []byte) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, &DecodeError{Err: ErrEmptyAudio}
	}
	w, err := n.decoder.Decode(ctx, data)
	if err != nil {
		return Waveform{}, err
	}
	return n.Normalize(w)
}

// Normalize resamples w to the target rate and scales it so the loudest
// sample has magnitude 1. Silent clips are returned unscaled.
func (n *Normalizer) Normalize(w Waveform) (Waveform, error) {
	if len(w.Samples) == 0 {
		return Waveform{}, &DecodeError{Err: ErrEmptyAudio}
	}
	if w.SampleRate <= 0 {
		return Waveform{}, &DecodeError{Err: errors.New("waveform sample rate must be positive")}
	}

	samples := make([]float64, len(w.Samples))
	copy(samples, w.Samples)

	if w.SampleRate != n.targetRate {
		resampled, err := resample(samples, w.SampleRate, n.targetRate)
		if err != nil {
			return Waveform{}, err
		}
		samples = resampled
	}
	if len(samples) == 0 {
		return Waveform{}, &DecodeError{Err: ErrEmptyAudio}
	}

	peakNormalize(samples)
	return Waveform{Samples: samples, SampleRate: n.targetRate}, nil
}

func peakNormalize(samples []float64) {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if peak == 0 || math.IsNaN(peak) || math.IsInf(peak, 0) {
		return
	}
	floats.Scale(1/peak, samples)
}

func resample(samples []float64, from, to int) ([]float64, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	out, err := r.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush: %w", err)
	}
	out = append(out, tail...)
	return fitLength(out, resampledLength(len(samples), from, to)), nil
}

// resampledLength is the sample count a clip of n samples at from Hz has
// at to Hz.
func resampledLength(n, from, to int) int {
	return int(math.Ceil(float64(n) * float64(to) / float64(from)))
}

// fitLength trims or zero-pads x to n samples.
func fitLength(x []float64, n int) []float64 {
	if len(x) >= n {
		return x[:n]
	}
	return append(x, make([]float64, n-len(x))...)
}
