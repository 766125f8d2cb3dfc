package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/proc"
)

// failingSpawner rejects every spawn with a fixed error.
type failingSpawner struct{ err error }

func (f *failingSpawner) Spawn(ctx context.Context, cfg proc.SpawnConfig, parentPID uint64, uid, ownerUID string) (uint64, error) {
	return 0, f.err
}

func testBus(t *testing.T) *bus.MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	return eventBus
}

func testRouter(t *testing.T, eventBus *bus.MemoryEventBus, role, nodeID string, spawner Spawner) *Router {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	r := NewRouter(config.ClusterConfig{Role: role, NodeID: nodeID, Capacity: 4},
		eventBus, spawner, func() int { return 0 }, log)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func TestRouteSpawnForwardsToNode(t *testing.T) {
	eventBus := testBus(t)
	nodeSpawner := &recordingSpawner{}
	hubSpawner := &recordingSpawner{}

	testRouter(t, eventBus, "node", "node-1", nodeSpawner)
	hub := testRouter(t, eventBus, "hub", "hub-1", hubSpawner)

	// Register the node with the hub via a health report.
	require.NoError(t, eventBus.Publish(context.Background(), "cluster.health",
		bus.NewEvent("cluster.health", "node-1", map[string]any{
			"nodeId": "node-1", "load": float64(0), "capacity": float64(4),
		})))

	start := time.Now()
	err := hub.RouteSpawn(context.Background(), proc.SpawnConfig{Goal: "routed work"}, "u1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "routed spawn must not wait out the reply timeout")

	require.Equal(t, 1, nodeSpawner.count())
	assert.Equal(t, "routed work", nodeSpawner.spawns[0].Goal)
	assert.Equal(t, 0, hubSpawner.count(), "hub must not fall back when a node is online")
}

func TestRouteSpawnSurfacesRemoteFailure(t *testing.T) {
	eventBus := testBus(t)
	testRouter(t, eventBus, "node", "node-1", &failingSpawner{err: assert.AnError})
	hub := testRouter(t, eventBus, "hub", "hub-1", &recordingSpawner{})

	require.NoError(t, eventBus.Publish(context.Background(), "cluster.health",
		bus.NewEvent("cluster.health", "node-1", map[string]any{
			"nodeId": "node-1", "load": float64(0), "capacity": float64(4),
		})))

	err := hub.RouteSpawn(context.Background(), proc.SpawnConfig{Goal: "doomed"}, "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote spawn failed")
}

func TestRouteSpawnFallsBackWithoutPeers(t *testing.T) {
	eventBus := testBus(t)
	hubSpawner := &recordingSpawner{}
	hub := testRouter(t, eventBus, "hub", "hub-1", hubSpawner)

	require.NoError(t, hub.RouteSpawn(context.Background(), proc.SpawnConfig{Goal: "local"}, "u1"))
	assert.Equal(t, 1, hubSpawner.count())
}
