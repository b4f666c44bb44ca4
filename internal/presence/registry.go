// Package presence announces this transcription node on the bus and tracks
// the other nodes it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"

	// CapabilityLive is advertised by nodes running a live transcription session.
	CapabilityLive = "stt.live"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SessionStatus is the part of a live session carried by heartbeats.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
	SegmentID uint64 `json:"segment_id"`
}

type NodeInfo struct {
	ID           string         `json:"id"`
	Capabilities []Capability   `json:"capabilities"`
	Session      *SessionStatus `json:"session,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
	Healthy      bool           `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string         `json:"node_id"`
	Session   *SessionStatus `json:"session,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Registry publishes this node's announce and heartbeats and keeps the last
// state heard from every node, this one included.
type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	conn   *nats.Conn
	caps   []Capability
	status func() SessionStatus
	now    func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// NewRegistry subscribes, announces and starts heartbeating. status may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, conn *nats.Conn, caps []Capability, status func() SessionStatus, log *slog.Logger) (*Registry, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "presence")),
		conn:   conn,
		caps:   caps,
		status: status,
		now:    func() time.Time { return time.Now().UTC() },
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Capabilities: r.caps,
		Timestamp:    r.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Capabilities, nil, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now()}
	if r.status != nil {
		st := r.status()
		msg.Session = &st
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now()
	}
	r.updateNode(announcement.NodeID, announcement.Capabilities, nil, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}
	r.updateNode(hb.NodeID, nil, hb.Session, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID string, caps []Capability, session *SessionStatus, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(caps) > 0 {
		node.Capabilities = caps
	}
	if session != nil {
		node.Session = session
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Nodes returns every known node sorted by id, optionally filtered.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/presence")
	nodes, err := meter.Int64ObservableGauge("loqa.presence.nodes", metric.WithDescription("Number of known healthy nodes"))
	if err != nil {
		return err
	}
	running, err := meter.Int64ObservableGauge("loqa.presence.sessions.running", metric.WithDescription("Live sessions reported running across nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy, active := r.counts()
		obs.ObserveInt64(nodes, healthy)
		obs.ObserveInt64(running, active)
		return nil
	}, nodes, running)
	return err
}

func (r *Registry) counts() (healthy, running int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		healthy++
		if node.Session != nil && node.Session.Running {
			running++
		}
	}
	return healthy, running
}
