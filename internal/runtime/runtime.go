package runtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/detector"
	"github.com/loqalabs/voiceguard/internal/eventstore"
	"github.com/loqalabs/voiceguard/internal/fleet"
)

const (
	serviceBanner       = "AI Voice Authenticity Detection API"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// audioKeys are the body fields that may carry the clip, in order of preference.
var audioKeys = []string{"audio_base64_format", "audio_base64", "audioBase64", "audio"}

// History exposes recorded detections.
type History interface {
	ListRecent(ctx context.Context, limit int) ([]eventstore.Detection, error)
	Get(ctx context.Context, requestID string) (eventstore.Detection, error)
}

// Peers lists the detector instances visible on the bus.
type Peers interface {
	Nodes() []fleet.NodeInfo
}

// Runtime serves the HTTP surface of the detector.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	detector      *detector.Service
	history       History
	peers         Peers
	metrics       http.Handler
	httpServer    *http.Server
	metricsServer *http.Server
	ready         atomic.Bool
	wg            sync.WaitGroup

	mu     sync.Mutex
	checks map[string]func() bool
}

// New builds the runtime. history and metrics may be nil.
func New(cfg config.Config, det *detector.Service, history History, metrics http.Handler, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "runtime")),
		detector: det,
		history:  history,
		metrics:  metrics,
		checks:   make(map[string]func() bool),
	}
}

// AddReadinessCheck registers a probe consulted by /readyz.
func (r *Runtime) AddReadinessCheck(name string, check func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// SetPeers exposes the fleet registry on /nodes.
func (r *Runtime) SetPeers(p Peers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = p
}

// Handler returns the routed HTTP handler.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", r.handleIndex)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("POST /detect", r.requireAPIKey(r.handleDetect))
	mux.HandleFunc("GET /detections", r.requireAPIKey(r.handleListDetections))
	mux.HandleFunc("GET /detections/{id}", r.requireAPIKey(r.handleGetDetection))
	mux.HandleFunc("GET /nodes", r.requireAPIKey(r.handleNodes))
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	return mux
}

// Start serves HTTP until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if len(r.cfg.Auth.APIKeys) == 0 {
		r.logger.Warn("no API keys configured; detection endpoints are unauthenticated")
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	r.serve(r.httpServer, errCh)

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, errCh)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return runErr
}

func (r *Runtime) serve(srv *http.Server, errCh chan<- error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
		}
	}()
}

func (r *Runtime) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "running", "service": serviceBanner})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Ready reports whether the server is up and every readiness check passes.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, check := range r.checks {
		if !check() {
			return false
		}
	}
	return true
}

func (r *Runtime) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.authorized(req.Header.Get(r.cfg.Auth.Header)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid or missing API key"})
			return
		}
		next(w, req)
	}
}

func (r *Runtime) authorized(key string) bool {
	if len(r.cfg.Auth.APIKeys) == 0 {
		return true
	}
	if key == "" {
		return false
	}
	for _, candidate := range r.cfg.Auth.APIKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (r *Runtime) handleDetect(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.HTTP.MaxBodyBytes)
	fields, err := readFields(req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "details": err.Error()})
		return
	}

	payload := ""
	for _, key := range audioKeys {
		if v := strings.TrimSpace(fields[key]); v != "" {
			payload = v
			break
		}
	}
	if payload == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "audio_base64 missing", "received_keys": receivedKeys(fields)})
		return
	}

	data, err := detector.DecodeAudioBase64(payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_audio", "details": err.Error()})
		return
	}

	result, err := r.detector.Detect(req.Context(), detector.Request{Source: detector.SourceHTTP, Audio: data})
	switch {
	case err == nil:
	case detector.IsInputError(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_audio", "details": err.Error()})
		return
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing_failed", "details": err.Error()})
		return
	}

	resp := map[string]any{
		"classification": result.Classification,
		"confidence":     detector.RoundConfidence(result.Confidence),
		"explanation":    result.Explanation,
		"request_id":     result.RequestID,
	}
	if result.Language != "" {
		resp["language"] = result.Language
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleListDetections(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"detections": []eventstore.Detection{}})
		return
	}
	limit := defaultHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	detections, err := r.history.ListRecent(req.Context(), limit)
	if err != nil {
		r.logger.Error("failed to list detections", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history_unavailable"})
		return
	}
	if detections == nil {
		detections = []eventstore.Detection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": detections})
}

func (r *Runtime) handleGetDetection(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	d, err := r.history.Get(req.Context(), req.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	if err != nil {
		r.logger.Error("failed to load detection", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	peers := r.peers
	r.mu.Unlock()

	nodes := []fleet.NodeInfo{}
	if peers != nil {
		nodes = peers.Nodes()
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// readFields flattens a JSON object or form body into string fields. Non-string
// JSON values are kept as keys with an empty value.
func readFields(req *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		return flattenForm(req.PostForm), nil
	case "multipart/form-data":
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			return nil, err
		}
		return flattenForm(req.MultipartForm.Value), nil
	}

	var body map[string]any
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode json body: %w", err)
	}
	fields := make(map[string]string, len(body))
	for k, v := range body {
		s, _ := v.(string)
		fields[k] = s
	}
	return fields, nil
}

func flattenForm(values map[string][]string) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		} else {
			fields[k] = ""
		}
	}
	return fields
}

func receivedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
