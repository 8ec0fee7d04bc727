package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/voiceguard/internal/audio"
	"github.com/loqalabs/voiceguard/internal/bus"
	"github.com/loqalabs/voiceguard/internal/classifier"
	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/eventstore"
	"github.com/loqalabs/voiceguard/internal/explain"
	"github.com/loqalabs/voiceguard/internal/features"
	"github.com/loqalabs/voiceguard/internal/language"
	"github.com/loqalabs/voiceguard/internal/protocol"
)

const (
	SourceHTTP = "http"
	SourceBus  = "bus"
	SourceCLI  = "cli"
)

// ErrMissingAudio is returned when a request carries no audio at all.
var ErrMissingAudio = errors.New("audio payload missing")

// InputError marks failures caused by the caller's input rather than the service.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return "invalid audio: " + e.Err.Error() }
func (e *InputError) Unwrap() error { return e.Err }

// IsInputError reports whether err should be surfaced as a client error.
func IsInputError(err error) bool {
	var in *InputError
	return errors.As(err, &in) || errors.Is(err, ErrMissingAudio)
}

// Request describes one clip to classify. Exactly one of Audio, Path or
// Waveform is used, in that order of preference.
type Request struct {
	RequestID string
	Source    string
	Audio     []byte
	Path      string
	Waveform  *audio.Waveform
}

// Result is the outcome of a detection.
type Result struct {
	RequestID       string           `json:"request_id"`
	Classification  classifier.Label `json:"classification"`
	Confidence      float64          `json:"confidence"`
	Explanation     []string         `json:"explanation"`
	Language        string           `json:"language,omitempty"`
	Features        features.Vector  `json:"features,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	Degenerate      bool             `json:"degenerate"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Recorder persists detections.
type Recorder interface {
	Append(ctx context.Context, d eventstore.Detection) error
}

// Service runs the detection pipeline: normalize, extract, then classify,
// explain and guess the language from the same vector.
type Service struct {
	cfg        config.Config
	normalizer *audio.Normalizer
	extractor  *features.Extractor
	model      *classifier.Model
	explainer  *explain.Engine
	store      Recorder
	bus        *bus.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics
	clock      func() time.Time
}

// NewService wires the pipeline. store and busClient may be nil.
func NewService(cfg config.Config, model *classifier.Model, store Recorder, busClient *bus.Client, logger *slog.Logger) (*Service, error) {
	if model == nil {
		return nil, errors.New("detector requires a model")
	}
	normalizer, err := audio.NewNormalizer(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("configure audio normalizer: %w", err)
	}
	m, err := newMetrics(otel.Meter("github.com/loqalabs/voiceguard/detector"), model)
	if err != nil {
		return nil, fmt.Errorf("init detector metrics: %w", err)
	}
	return &Service{
		cfg:        cfg,
		normalizer: normalizer,
		extractor:  features.NewExtractor(cfg.Features, time.Duration(cfg.Audio.MinDurationMS)*time.Millisecond),
		model:      model,
		explainer:  explain.NewEngine(),
		store:      store,
		bus:        busClient,
		logger:     logger.With(slog.String("component", "detector")),
		tracer:     otel.Tracer("github.com/loqalabs/voiceguard/detector"),
		metrics:    m,
		clock:      time.Now,
	}, nil
}

// Detect classifies one clip and records the outcome.
func (s *Service) Detect(ctx context.Context, req Request) (Result, error) {
	start := s.clock()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = SourceCLI
	}
	ctx, span := s.tracer.Start(ctx, "detector.detect", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("source", req.Source),
	))
	defer span.End()

	w, err := s.load(ctx, req)
	if err != nil {
		kind := "internal"
		if IsInputError(err) {
			kind = "input"
		}
		s.metrics.recordError(ctx, req.Source, kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		s.logger.Warn("failed to load audio", slog.String("request_id", req.RequestID), slog.String("kind", kind), slogError(err))
		return Result{}, err
	}

	result, err := s.Analyze(ctx, w)
	if err != nil {
		s.metrics.recordError(ctx, req.Source, "model")
		span.RecordError(err)
		span.SetStatus(codes.Error, "model")
		s.logger.Error("classification failed", slog.String("request_id", req.RequestID), slogError(err))
		return Result{}, err
	}
	result.RequestID = req.RequestID
	result.CreatedAt = s.clock().UTC()

	elapsed := s.clock().Sub(start).Seconds()
	s.metrics.recordDetection(ctx, req.Source, result.Classification, elapsed, result.Degenerate)
	span.SetAttributes(
		attribute.String("classification", string(result.Classification)),
		attribute.Float64("confidence", result.Confidence),
	)
	s.logger.Info("detection complete",
		slog.String("request_id", result.RequestID),
		slog.String("source", req.Source),
		slog.String("classification", string(result.Classification)),
		slog.Float64("confidence", result.Confidence),
		slog.Bool("degenerate", result.Degenerate),
		slog.Any("rules", s.explainer.Fired(result.Features)),
	)

	s.record(ctx, req.Source, result)
	s.publish(req.Source, result)
	return result, nil
}

// Analyze runs feature extraction and every reader of the vector on an
// already-normalized waveform. It has no side effects.
func (s *Service) Analyze(ctx context.Context, w audio.Waveform) (Result, error) {
	_, span := s.tracer.Start(ctx, "detector.analyze")
	defer span.End()

	vec := s.extractor.Extract(w)
	pred, err := s.model.Predict(vec)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		Classification:  pred.Label,
		Confidence:      pred.Confidence,
		Explanation:     s.explainer.Explain(vec),
		Features:        vec,
		DurationSeconds: w.Seconds(),
		Degenerate:      s.extractor.Degenerate(w),
	}
	if s.cfg.Language.Enabled {
		result.Language = language.Guess(vec)
	}
	return result, nil
}

func (s *Service) load(ctx context.Context, req Request) (audio.Waveform, error) {
	ctx, span := s.tracer.Start(ctx, "detector.load")
	defer span.End()

	var (
		w   audio.Waveform
		err error
	)
	switch {
	case len(req.Audio) > 0:
		w, err = s.normalizer.Decode(ctx, req.Audio)
	case req.Path != "":
		w, err = s.normalizer.Load(ctx, req.Path)
	case req.Waveform != nil:
		w, err = s.normalizer.Normalize(*req.Waveform)
	default:
		return audio.Waveform{}, ErrMissingAudio
	}
	if err != nil {
		var decErr *audio.DecodeError
		if errors.As(err, &decErr) || errors.Is(err, fs.ErrNotExist) {
			return audio.Waveform{}, &InputError{Err: err}
		}
		return audio.Waveform{}, err
	}
	return w, nil
}

func (s *Service) record(ctx context.Context, source string, r Result) {
	if s.store == nil {
		return
	}
	d := eventstore.Detection{
		RequestID:       r.RequestID,
		Source:          source,
		Classification:  string(r.Classification),
		Confidence:      r.Confidence,
		Language:        r.Language,
		Explanation:     r.Explanation,
		Features:        r.Features,
		DurationSeconds: r.DurationSeconds,
		Degenerate:      r.Degenerate,
		CreatedAt:       r.CreatedAt,
	}
	if err := s.store.Append(ctx, d); err != nil {
		s.logger.Warn("failed to record detection", slog.String("request_id", r.RequestID), slogError(err))
	}
}

func (s *Service) publish(source string, r Result) {
	if s.bus == nil {
		return
	}
	evt := protocol.DetectionEvent{
		RequestID:       r.RequestID,
		Source:          source,
		Classification:  string(r.Classification),
		Confidence:      r.Confidence,
		Explanation:     r.Explanation,
		Language:        r.Language,
		DurationSeconds: r.DurationSeconds,
		Degenerate:      r.Degenerate,
		Timestamp:       r.CreatedAt,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal detection event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectDetectResult, data); err != nil {
		s.logger.Warn("failed to publish detection event", slogError(err))
	}
}

// DecodeAudioBase64 decodes a base64 payload, accepting data URIs, the URL
// alphabet and missing padding.
func DecodeAudioBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		if i := strings.Index(payload, ","); i >= 0 {
			payload = payload[i+1:]
		}
	}
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)
	if payload == "" {
		return nil, ErrMissingAudio
	}

	encodings := []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding}
	var lastErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, &InputError{Err: fmt.Errorf("decode base64: %w", lastErr)}
}

// RoundConfidence rounds to three decimals for presentation.
func RoundConfidence(c float64) float64 {
	return math.Round(c*1000) / 1000
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
