package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/voiceguard/internal/bus"
	"github.com/loqalabs/voiceguard/internal/classifier"
	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/protocol"
)

// Model summarizes the classifier a node serves.
type Model struct {
	Fingerprint string    `json:"fingerprint"`
	Trees       int       `json:"trees"`
	TrainedAt   time.Time `json:"trained_at"`
}

func ModelOf(m *classifier.Model) Model {
	return Model{
		Fingerprint: m.Fingerprint(),
		Trees:       len(m.Trees),
		TrainedAt:   m.Metadata.TrainedAt,
	}
}

type NodeInfo struct {
	ID       string    `json:"id"`
	Version  string    `json:"version,omitempty"`
	Model    Model     `json:"model"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Registry tracks the detector instances sharing a bus. Each instance
// announces itself on start and heartbeats on an interval; peers that stop
// heartbeating are marked unhealthy.
type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	bus       *bus.Client
	self      protocol.NodeAnnouncement
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	wg        sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, version string, model Model, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg: cfg,
		log: log.With(slog.String("component", "fleet-registry")),
		bus: busClient,
		self: protocol.NodeAnnouncement{
			NodeID:           cfg.ID,
			Version:          version,
			ModelFingerprint: model.Fingerprint,
			ModelTrees:       model.Trees,
			ModelTrainedAt:   model.TrainedAt,
		},
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/voiceguard/fleet"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	r.heartbeat = time.NewTicker(interval)
	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx, interval)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnouncement)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+"*", r.handleAnnouncement)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publish(protocol.SubjectNodeHeartbeatPrefix + r.cfg.ID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context, every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	if err := r.publish(protocol.SubjectNodeAnnounce); err != nil {
		return err
	}
	msg := r.self
	msg.Timestamp = time.Now().UTC()
	r.update(msg)
	return nil
}

func (r *Registry) publish(subject string) error {
	msg := r.self
	msg.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subject, payload)
}

func (r *Registry) handleAnnouncement(msg *nats.Msg) {
	var a protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid node announcement", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if a.NodeID == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	r.update(a)
}

func (r *Registry) update(a protocol.NodeAnnouncement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[a.NodeID]
	if !ok {
		node = &NodeInfo{ID: a.NodeID}
		r.nodes[a.NodeID] = node
		if a.NodeID != r.cfg.ID {
			r.log.Info("peer discovered", slog.String("node_id", a.NodeID), slog.String("model", a.ModelFingerprint))
		}
	}
	if a.Version != "" {
		node.Version = a.Version
	}
	if a.ModelFingerprint != "" {
		node.Model = Model{Fingerprint: a.ModelFingerprint, Trees: a.ModelTrees, TrainedAt: a.ModelTrainedAt}
	}
	node.LastSeen = a.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node still sees its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Nodes returns every known node ordered by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mismatched lists healthy peers serving a different model than this node.
func (r *Registry) Mismatched() []NodeInfo {
	var out []NodeInfo
	for _, node := range r.Nodes() {
		if node.ID == r.cfg.ID || !node.Healthy || node.Model.Fingerprint == "" {
			continue
		}
		if node.Model.Fingerprint != r.self.ModelFingerprint {
			out = append(out, node)
		}
	}
	return out
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("voiceguard.fleet.nodes", metric.WithDescription("Healthy detector nodes on the bus"))
	if err != nil {
		return err
	}
	mismatched, err := r.meter.Int64ObservableGauge("voiceguard.fleet.model_mismatch", metric.WithDescription("Healthy peers serving a different model"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, n := range r.Nodes() {
			if n.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(nodes, healthy)
		obs.ObserveInt64(mismatched, int64(len(r.Mismatched())))
		return nil
	}, nodes, mismatched)
	return err
}
