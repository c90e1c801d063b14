// Package registry tracks the gateways and STT provider workers present on
// the bus. Each node announces its routes once and heartbeats afterwards;
// a node whose heartbeat lapses is marked unhealthy but kept for listing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/sttgate/internal/bus"
	"github.com/loqalabs/sttgate/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "sttgate.node.announce"
	SubjectHeartbeatPrefix = "sttgate.node.heartbeat."

	RoleGateway  = "gateway"
	RoleProvider = "provider"
)

// Route is one provider/model pair a node can serve.
type Route struct {
	ProviderID string   `json:"provider_id"`
	ModelID    string   `json:"model_id"`
	CostUnits  int      `json:"cost_units,omitempty"`
	Locales    []string `json:"locales,omitempty"`
}

type NodeInfo struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Routes   []Route   `json:"routes"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Routes    []Route   `json:"routes"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg       config.NodeConfig
	routes    []Route
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	now       func() time.Time
}

// New subscribes to announcements and heartbeats, then announces this
// gateway with the routes it is configured to call.
func New(ctx context.Context, cfg config.NodeConfig, routes []Route, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		routes: routes,
		log:    log.With(slog.String("component", "registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/sttgate/registry"),
		cancel: cancel,
		now:    time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

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
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Role:      RoleGateway,
		Routes:    r.routes,
		Timestamp: r.now().UTC(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Routes, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+r.cfg.ID, heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now().UTC()})
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Routes, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, routes []Route, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(routes) > 0 {
		node.Routes = routes
	}
	if timestamp.After(node.LastSeen) {
		node.LastSeen = timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this gateway's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes lists known nodes matching filter, ordered by id.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		n.Routes = append([]Route(nil), node.Routes...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// ServesProvider reports whether any healthy node advertises providerID.
func (r *Registry) ServesProvider(providerID string) bool {
	return len(r.Nodes(WithHealthyProvider(providerID))) > 0
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	nodeGauge, err := r.meter.Int64ObservableGauge("sttgate.registry.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	routeGauge, err := r.meter.Int64ObservableGauge("sttgate.registry.routes", metric.WithDescription("Provider routes advertised by healthy nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		nodes, routes := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(routeGauge, routes)
		return nil
	}, nodeGauge, routeGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, routes int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			routes += int64(len(node.Routes))
		}
	}
	return nodes, routes
}

func WithRole(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Role == role }
}

func WithHealthyProvider(providerID string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		if !node.Healthy {
			return false
		}
		for _, route := range node.Routes {
			if route.ProviderID == providerID {
				return true
			}
		}
		return false
	}
}
