package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/pkg/kernel"
)

const (
	healthInterval = 5 * time.Second
	offlineAfter   = 3 * healthInterval
	spawnTimeout   = 10 * time.Second

	subjectHealth = "cluster.health"
	subjectSpawn  = "cluster.spawn." // + node id
)

// NodeStatus is one peer's last reported health.
type NodeStatus struct {
	NodeID   string    `json:"nodeId"`
	Load     int       `json:"load"`
	Capacity int       `json:"capacity"`
	LastSeen time.Time `json:"lastSeen"`
	Offline  bool      `json:"offline"`
}

// Router forwards spawns to cluster peers when the kernel runs as a hub, and
// reports health plus serves forwarded spawns when it runs as a node.
// Standalone kernels never construct one.
type Router struct {
	cfg      config.ClusterConfig
	eventBus bus.EventBus
	spawner  Spawner
	loadFn   func() int
	logger   *logger.Logger

	mu    sync.Mutex
	nodes map[string]*NodeStatus
	done  chan struct{}
}

// NewRouter creates the cluster router. loadFn reports local live agents.
func NewRouter(cfg config.ClusterConfig, eventBus bus.EventBus, spawner Spawner, loadFn func() int, log *logger.Logger) *Router {
	return &Router{
		cfg:      cfg,
		eventBus: eventBus,
		spawner:  spawner,
		loadFn:   loadFn,
		logger:   log.WithFields(zap.String("component", "cluster-router")),
		nodes:    make(map[string]*NodeStatus),
		done:     make(chan struct{}),
	}
}

// IsHub reports whether this kernel routes spawns to peers.
func (r *Router) IsHub() bool {
	return r.cfg.Role == "hub"
}

// Start wires the role-specific subscriptions and workers.
func (r *Router) Start(ctx context.Context) error {
	switch r.cfg.Role {
	case "hub":
		_, err := r.eventBus.Subscribe(subjectHealth, func(ctx context.Context, event *bus.Event) error {
			r.noteHealth(event)
			return nil
		})
		return err
	case "node":
		if _, err := r.eventBus.Subscribe(subjectSpawn+r.cfg.NodeID, r.handleSpawn); err != nil {
			return err
		}
		go r.reportHealth()
		return nil
	default:
		return nil
	}
}

// Stop halts health reporting.
func (r *Router) Stop() {
	close(r.done)
}

func (r *Router) noteHealth(event *bus.Event) {
	nodeID, _ := event.Data["nodeId"].(string)
	if nodeID == "" {
		return
	}
	load, _ := event.Data["load"].(float64)
	capacity, _ := event.Data["capacity"].(float64)
	r.mu.Lock()
	r.nodes[nodeID] = &NodeStatus{
		NodeID:   nodeID,
		Load:     int(load),
		Capacity: int(capacity),
		LastSeen: time.Now().UTC(),
	}
	r.mu.Unlock()
}

func (r *Router) reportHealth() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bus.Emit(context.Background(), r.eventBus, "cluster-router", subjectHealth, map[string]any{
				"nodeId":   r.cfg.NodeID,
				"load":     r.loadFn(),
				"capacity": r.cfg.Capacity,
			})
		case <-r.done:
			return
		}
	}
}

func (r *Router) handleSpawn(ctx context.Context, event *bus.Event) error {
	raw, _ := json.Marshal(event.Data["config"])
	var cfg proc.SpawnConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}
	ownerUID, _ := event.Data["ownerUid"].(string)
	pid, err := r.spawner.Spawn(ctx, cfg, 0, ownerUID, ownerUID)
	if err != nil {
		r.logger.WithError(err).Warn("forwarded spawn failed")
	}

	// The hub blocks on the reply inbox; answer even on failure.
	if reply, _ := event.Data["_reply"].(string); reply != "" {
		data := map[string]any{"pid": pid, "nodeId": r.cfg.NodeID}
		if err != nil {
			data["error"] = err.Error()
		}
		if pubErr := r.eventBus.Publish(ctx, reply, bus.NewEvent(reply, "cluster-router", data)); pubErr != nil {
			r.logger.WithError(pubErr).Warn("failed to answer spawn request")
		}
	}
	return err
}

// RouteSpawn picks the least-loaded online node and forwards the spawn.
// With no online peers the hub executes locally.
func (r *Router) RouteSpawn(ctx context.Context, cfg proc.SpawnConfig, ownerUID string) error {
	target := r.pickNode()
	if target == "" {
		_, err := r.spawner.Spawn(ctx, cfg, 0, ownerUID, ownerUID)
		return err
	}
	event := bus.NewEvent(subjectSpawn+target, "cluster-router", map[string]any{
		"config":   cfg,
		"ownerUid": ownerUID,
	})
	resp, err := r.eventBus.Request(ctx, subjectSpawn+target, event, spawnTimeout)
	if err != nil {
		return kernel.E(kernel.CodeNetworkError, "cluster spawn forward failed: %v", err)
	}
	if msg, _ := resp.Data["error"].(string); msg != "" {
		return kernel.E(kernel.CodeInternal, "remote spawn failed on %s: %s", target, msg)
	}
	r.logger.Info("spawn routed", zap.String("node", target))
	return nil
}

// pickNode returns the online node with the lowest load/capacity ratio.
func (r *Router) pickNode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	best := ""
	bestRatio := 2.0
	for id, n := range r.nodes {
		n.Offline = now.Sub(n.LastSeen) > offlineAfter
		if n.Offline || n.Capacity <= 0 || n.Load >= n.Capacity {
			continue
		}
		ratio := float64(n.Load) / float64(n.Capacity)
		if ratio < bestRatio {
			bestRatio = ratio
			best = id
		}
	}
	return best
}

// Nodes returns a snapshot of the known peers.
func (r *Router) Nodes() []*NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	out := make([]*NodeStatus, 0, len(r.nodes))
	for _, n := range r.nodes {
		copy := *n
		copy.Offline = now.Sub(n.LastSeen) > offlineAfter
		out = append(out, &copy)
	}
	return out
}
