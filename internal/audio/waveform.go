package audio

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyAudio is returned when a clip decodes to zero samples.
	ErrEmptyAudio = errors.New("audio contains no samples")
	// ErrUnsupportedFormat is returned for containers the decoder cannot read.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// DecodeError reports a failure to turn encoded input into a waveform.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("decode audio: %v", e.Err)
	}
	return fmt.Sprintf("decode %s audio: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Waveform is a mono sequence of samples in [-1, 1] at a fixed sample rate.
type Waveform struct {
	Samples    []float64
	SampleRate int
}

// Duration reports the clip length.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(w.Samples)) / float64(w.SampleRate) * float64(time.Second))
}

// Seconds reports the clip length in seconds.
func (w Waveform) Seconds() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// FromInterleaved downmixes interleaved multi-channel samples by averaging channels.
func FromInterleaved(samples []float64, channels, sampleRate int) Waveform {
	if channels <= 1 {
		out := make([]float64, len(samples))
		copy(out, samples)
		return Waveform{Samples: out, SampleRate: sampleRate}
	}
	frames := len(samples) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return Waveform{Samples: out, SampleRate: sampleRate}
}
