package trainer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/voiceguard/internal/audio"
	"github.com/loqalabs/voiceguard/internal/classifier"
	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/features"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTrainer(minSamples int) *Trainer {
	cfg := config.Default()
	return New(
		audio.NewNormalizerWithDecoder(cfg.Audio.SampleRate, audio.NewNativeDecoder()),
		features.NewExtractor(cfg.Features, time.Duration(cfg.Audio.MinDurationMS)*time.Millisecond),
		minSamples,
		newLogger(),
	)
}

func writeWAV(t *testing.T, path string, samples []float64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s * 30000)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: 16000}, Data: data, SourceBitDepth: 16}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
}

// steady tones stand in for synthetic speech, noisy glides for human speech.
func tone(freq float64) []float64 {
	out := make([]float64, 16000)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/16000)
	}
	return out
}

func noisyGlide(seed uint64) []float64 {
	r := rand.New(rand.NewPCG(seed, 1))
	out := make([]float64, 16000)
	phase := 0.0
	for i := range out {
		f := 120 + 80*math.Sin(2*math.Pi*3*float64(i)/16000)
		phase += 2 * math.Pi * f / 16000
		env := 0.3 + 0.3*math.Abs(math.Sin(2*math.Pi*4*float64(i)/16000))
		out[i] = env*math.Sin(phase) + 0.05*(r.Float64()*2-1)
	}
	return out
}

func buildDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "ai", "a1.wav"), tone(180))
	writeWAV(t, filepath.Join(dir, "ai", "a2.wav"), tone(220))
	writeWAV(t, filepath.Join(dir, "human", "h1.wav"), noisyGlide(1))
	writeWAV(t, filepath.Join(dir, "human", "h2.wav"), noisyGlide(2))
	if err := os.WriteFile(filepath.Join(dir, "human", "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func TestFilesGroupsByClass(t *testing.T) {
	dir := buildDataset(t)
	files, err := Files(dir)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files[classifier.LabelAI]) != 2 || len(files[classifier.LabelHuman]) != 2 {
		t.Fatalf("unexpected grouping: %v", files)
	}
	if filepath.Base(files[classifier.LabelHuman][0]) != "h1.wav" {
		t.Fatalf("expected sorted paths, got %v", files[classifier.LabelHuman])
	}
}

func TestLoadAndFit(t *testing.T) {
	dir := buildDataset(t)
	tr := newTrainer(4)

	samples, err := tr.Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(samples))
	}
	for _, s := range samples {
		if err := s.Features.Validate(); err != nil {
			t.Fatalf("%s: %v", s.Path, err)
		}
	}

	opts := classifier.DefaultOptions()
	opts.Trees = 10
	model, err := tr.Fit(samples, opts)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if model.Metadata.HumanCount != 2 || model.Metadata.AICount != 2 {
		t.Fatalf("unexpected metadata: %+v", model.Metadata)
	}
	if len(model.FeatureOrder) != len(features.Keys) {
		t.Fatalf("unexpected feature order: %v", model.FeatureOrder)
	}
}

func TestLoadRequiresMinimumSamples(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "ai", "a1.wav"), tone(200))
	writeWAV(t, filepath.Join(dir, "human", "h1.wav"), noisyGlide(3))

	_, err := newTrainer(4).Load(context.Background(), dir)
	if !errors.Is(err, ErrTooFewSamples) {
		t.Fatalf("expected ErrTooFewSamples, got %v", err)
	}
}

func TestLoadFailsOnCorruptClip(t *testing.T) {
	dir := buildDataset(t)
	if err := os.WriteFile(filepath.Join(dir, "ai", "broken.wav"), []byte("not a wav"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := newTrainer(4).Load(context.Background(), dir)
	var decErr *audio.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
