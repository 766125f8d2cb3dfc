package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Subscribe("process.spawned", func(ctx context.Context, e *Event) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}

	err := b.Publish(context.Background(), "process.spawned", NewEvent("process.spawned", "test", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublishStampsMonotonicSeq(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var seqs []uint64
	_, err := b.Subscribe("tick", func(ctx context.Context, e *Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "tick", NewEvent("tick", "test", nil)))
	}
	require.Len(t, seqs, 5)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var starHits, arrowHits, exactHits int
	_, err := b.Subscribe("process.*", func(ctx context.Context, e *Event) error {
		starHits++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("agent.>", func(ctx context.Context, e *Event) error {
		arrowHits++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("fs.changed", func(ctx context.Context, e *Event) error {
		exactHits++
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	publish := func(subject string) {
		require.NoError(t, b.Publish(ctx, subject, NewEvent(subject, "test", nil)))
	}
	publish("process.spawned")
	publish("process.exit")
	publish("process.a.b") // * matches exactly one token
	publish("agent.thought")
	publish("agent.phase.change")
	publish("fs.changed")
	publish("fs.other")

	assert.Equal(t, 2, starHits)
	assert.Equal(t, 2, arrowHits)
	assert.Equal(t, 1, exactHits)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	hits := 0
	sub, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		hits++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, hits)
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	second := false
	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		return assert.AnError
	})
	require.NoError(t, err)
	_, err = b.Subscribe("x", func(ctx context.Context, e *Event) error {
		second = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	assert.True(t, second)
}

func TestRequestReply(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	_, err := b.Subscribe("cluster.spawn.node-1", func(ctx context.Context, e *Event) error {
		reply, _ := e.Data["_reply"].(string)
		return b.Publish(ctx, reply, NewEvent("reply", "node-1", map[string]any{"ok": true}))
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "cluster.spawn.node-1",
		NewEvent("cluster.spawn.node-1", "hub", map[string]any{}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Data["ok"])
}

func TestRequestTimesOut(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.home",
		NewEvent("nobody.home", "test", nil), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
}
