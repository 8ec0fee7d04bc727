package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/voiceguard/internal/bus"
	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/protocol"
)

const busRequestTimeout = 60 * time.Second

// BusService answers detection requests received over NATS. Instances in the
// same queue group share the load.
type BusService struct {
	cfg      config.BusConfig
	bus      *bus.Client
	detector *Service
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	ready    atomic.Bool

	// mu orders wg.Add in message callbacks against wg.Wait in Close;
	// Drain keeps delivering after it returns.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewBusService(parent context.Context, cfg config.BusConfig, busClient *bus.Client, detector *Service, logger *slog.Logger) *BusService {
	ctx, cancel := context.WithCancel(parent)
	return &BusService{
		cfg:      cfg,
		bus:      busClient,
		detector: detector,
		logger:   logger.With(slog.String("component", "detector-bus")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *BusService) Start() error {
	if err := s.bus.EnsureStream(s.ctx, s.cfg.Stream, protocol.SubjectDetectResult); err != nil {
		s.logger.Warn("detection results will not be retained", slogError(err))
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectDetectRequest, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe detect requests: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.logger.Info("listening for detection requests",
		slog.String("subject", protocol.SubjectDetectRequest),
		slog.String("queue_group", s.cfg.QueueGroup))
	return nil
}

func (s *BusService) Close() {
	s.ready.Store(false)
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

func (s *BusService) Healthy() bool {
	return s.ready.Load() && s.bus.Healthy()
}

func (s *BusService) handleRequest(msg *nats.Msg) {
	var req protocol.DetectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode detect request", slogError(err))
		s.reply(msg, protocol.DetectResponse{Error: "invalid_request", Details: err.Error()})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.DetectResponse{RequestID: req.RequestID, Error: "processing_failed", Details: "detector is shutting down"})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, busRequestTimeout)
		defer cancel()
		s.reply(msg, s.detect(ctx, req))
	}()
}

func (s *BusService) detect(ctx context.Context, req protocol.DetectRequest) protocol.DetectResponse {
	data, err := DecodeAudioBase64(req.AudioBase64)
	if err != nil {
		return errorResponse(req.RequestID, err)
	}
	result, err := s.detector.Detect(ctx, Request{RequestID: req.RequestID, Source: SourceBus, Audio: data})
	if err != nil {
		return errorResponse(req.RequestID, err)
	}
	return protocol.DetectResponse{
		RequestID:      result.RequestID,
		Classification: string(result.Classification),
		Confidence:     RoundConfidence(result.Confidence),
		Explanation:    result.Explanation,
		Language:       result.Language,
	}
}

func errorResponse(requestID string, err error) protocol.DetectResponse {
	resp := protocol.DetectResponse{RequestID: requestID, Details: err.Error()}
	switch {
	case errors.Is(err, ErrMissingAudio):
		resp.Error = "audio_base64 missing"
	case IsInputError(err):
		resp.Error = "invalid_audio"
	default:
		resp.Error = "processing_failed"
	}
	return resp
}

func (s *BusService) reply(msg *nats.Msg, resp protocol.DetectResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal detect response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send detect response", slogError(err))
	}
}
