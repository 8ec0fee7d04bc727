package detector

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/voiceguard/internal/audio"
	"github.com/loqalabs/voiceguard/internal/classifier"
	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/eventstore"
	"github.com/loqalabs/voiceguard/internal/explain"
	"github.com/loqalabs/voiceguard/internal/features"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testModel(t *testing.T) *classifier.Model {
	t.Helper()
	r := rand.New(rand.NewPCG(7, 7))
	var vectors []features.Vector
	var labels []classifier.Label
	for i := 0; i < 40; i++ {
		v := features.Default()
		for _, k := range features.Keys {
			v[k] = r.Float64()
		}
		if i%2 == 0 {
			v[features.PitchStd] = 5 * r.Float64()
			labels = append(labels, classifier.LabelAI)
		} else {
			v[features.PitchStd] = 20 + 20*r.Float64()
			labels = append(labels, classifier.LabelHuman)
		}
		vectors = append(vectors, v)
	}
	opts := classifier.DefaultOptions()
	opts.Trees = 15
	m, err := classifier.Train(vectors, labels, opts)
	if err != nil {
		t.Fatalf("train model: %v", err)
	}
	return m
}

type memoryRecorder struct {
	mu   sync.Mutex
	rows []eventstore.Detection
}

func (m *memoryRecorder) Append(_ context.Context, d eventstore.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, d)
	return nil
}

func newTestService(t *testing.T, store Recorder) *Service {
	t.Helper()
	svc, err := NewService(config.Default(), testModel(t), store, nil, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func toneWaveform(freq, seconds float64, rate int) *audio.Waveform {
	samples := make([]float64, int(seconds*float64(rate)))
	for i := range samples {
		samples[i] = 0.8 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return &audio.Waveform{Samples: samples, SampleRate: rate}
}

func wavBytes(t *testing.T, w *audio.Waveform) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data := make([]int, len(w.Samples))
	for i, s := range w.Samples {
		data[i] = int(s * 32767)
	}
	enc := wav.NewEncoder(f, w.SampleRate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: w.SampleRate}, Data: data, SourceBitDepth: 16}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	f.Close()
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestDetectPureToneFlagsStability(t *testing.T) {
	store := &memoryRecorder{}
	svc := newTestService(t, store)

	res, err := svc.Detect(context.Background(), Request{Source: SourceCLI, Waveform: toneWaveform(200, 1, 16000)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !contains(res.Explanation, explain.MsgStablePitch) || !contains(res.Explanation, explain.MsgFlatEnergy) {
		t.Fatalf("expected stable pitch and flat energy reasons, got %v", res.Explanation)
	}
	if res.Explanation[0] != explain.MsgStablePitch {
		t.Fatalf("expected pitch reason first, got %v", res.Explanation)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", res.Confidence)
	}
	if (res.Classification == classifier.LabelAI) != (res.Confidence >= classifier.Threshold) {
		t.Fatalf("label %s inconsistent with confidence %v", res.Classification, res.Confidence)
	}
	if res.RequestID == "" || res.Degenerate || res.Language == "" {
		t.Fatalf("unexpected result metadata: %+v", res)
	}
	if err := res.Features.Validate(); err != nil {
		t.Fatalf("invalid features: %v", err)
	}

	if len(store.rows) != 1 || store.rows[0].RequestID != res.RequestID || store.rows[0].Source != SourceCLI {
		t.Fatalf("expected detection recorded, got %+v", store.rows)
	}
}

func TestDetectShortClipIsDeterministic(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	a, err := svc.Detect(ctx, Request{Waveform: toneWaveform(150, 0.3, 16000)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	b, err := svc.Detect(ctx, Request{Waveform: &audio.Waveform{Samples: make([]float64, 4000), SampleRate: 16000}})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !a.Degenerate || !b.Degenerate {
		t.Fatal("expected short clips to be flagged degenerate")
	}
	if !reflect.DeepEqual(a.Features, features.Default()) {
		t.Fatalf("expected default vector, got %v", a.Features)
	}
	if a.Classification != b.Classification || a.Confidence != b.Confidence || !reflect.DeepEqual(a.Explanation, b.Explanation) {
		t.Fatalf("expected identical verdicts for degenerate clips: %+v vs %+v", a, b)
	}
}

func TestDetectEncodedAudio(t *testing.T) {
	svc := newTestService(t, nil)
	data := wavBytes(t, toneWaveform(220, 1, 16000))

	res, err := svc.Detect(context.Background(), Request{Source: SourceHTTP, Audio: data})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if math.Abs(res.DurationSeconds-1) > 0.01 {
		t.Fatalf("expected a 1s clip, got %v", res.DurationSeconds)
	}
}

func TestDetectResampledClipJustOverMinimum(t *testing.T) {
	svc := newTestService(t, nil)
	data := wavBytes(t, toneWaveform(200, 0.52, 8000))

	res, err := svc.Detect(context.Background(), Request{Source: SourceHTTP, Audio: data})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if math.Abs(res.DurationSeconds-0.52) > 0.001 {
		t.Fatalf("expected 0.52s after resampling, got %v", res.DurationSeconds)
	}
	if res.Degenerate {
		t.Fatal("a 0.52s clip should be analyzed, not short-circuited")
	}
}

func TestDetectInputErrors(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Detect(ctx, Request{}); !errors.Is(err, ErrMissingAudio) {
		t.Fatalf("expected ErrMissingAudio, got %v", err)
	}
	_, err := svc.Detect(ctx, Request{Audio: []byte("this is not audio")})
	if !IsInputError(err) {
		t.Fatalf("expected input error, got %v", err)
	}
	_, err = svc.Detect(ctx, Request{Path: filepath.Join(t.TempDir(), "missing.wav")})
	if !IsInputError(err) {
		t.Fatalf("expected input error for missing file, got %v", err)
	}
}

func TestAnalyzeFeatureMismatchIsLoud(t *testing.T) {
	m := testModel(t)
	m.FeatureOrder = append(append([]string(nil), m.FeatureOrder...), "loudness")
	svc, err := NewService(config.Default(), m, nil, nil, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = svc.Detect(context.Background(), Request{Waveform: toneWaveform(200, 1, 16000)})
	if !errors.Is(err, classifier.ErrFeatureMismatch) {
		t.Fatalf("expected ErrFeatureMismatch, got %v", err)
	}
	if IsInputError(err) {
		t.Fatal("feature mismatch must not be reported as an input error")
	}
}

func TestDecodeAudioBase64(t *testing.T) {
	raw := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0xff, 0x10}
	std := base64.StdEncoding.EncodeToString(raw)
	cases := map[string]string{
		"standard": std,
		"data uri": "data:audio/wav;base64," + std,
		"wrapped":  std[:4] + "\n" + std[4:],
		"url":      base64.RawURLEncoding.EncodeToString(raw),
	}
	for name, payload := range cases {
		got, err := DecodeAudioBase64(payload)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if !reflect.DeepEqual(got, raw) {
			t.Fatalf("%s: got %v", name, got)
		}
	}

	if _, err := DecodeAudioBase64("   "); !errors.Is(err, ErrMissingAudio) {
		t.Fatalf("expected ErrMissingAudio, got %v", err)
	}
	if _, err := DecodeAudioBase64("%%%not base64%%%"); !IsInputError(err) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestRoundConfidence(t *testing.T) {
	cases := map[float64]float64{0.12345: 0.123, 0.9996: 1, 0: 0, 0.5: 0.5, 0.6666: 0.667}
	for in, want := range cases {
		if got := RoundConfidence(in); got != want {
			t.Fatalf("RoundConfidence(%v) = %v, want %v", in, got, want)
		}
	}
}
