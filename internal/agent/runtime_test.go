package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/pkg/kernel"
)

type fakeHooks struct {
	mu       sync.Mutex
	phases   []state.AgentPhase
	approve  bool
	reason   string
	awaitHit bool
}

func (h *fakeHooks) PhaseChanged(ctx context.Context, pid uint64, phase state.AgentPhase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phases = append(h.phases, phase)
}

func (h *fakeHooks) AwaitApproval(ctx context.Context, pid uint64) (bool, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.awaitHit = true
	return h.approve, h.reason, nil
}

func (h *fakeHooks) AwaitResume(ctx context.Context, pid uint64) error { return ctx.Err() }

func (h *fakeHooks) lastPhase() state.AgentPhase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phases[len(h.phases)-1]
}

func testRuntime(t *testing.T, model LanguageModel, registry *tools.Registry, hooks Hooks, cfg Config) (*Runtime, *state.Store, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store, err := state.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown() })
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	if registry == nil {
		registry = tools.NewRegistry()
	}
	rt := NewRuntime(1, "u1", "u1", "/", "Coder", "test goal",
		model, registry, store, eventBus, hooks, cfg, log)
	return rt, store, eventBus
}

func TestScriptedModelCompletesCleanly(t *testing.T) {
	hooks := &fakeHooks{}
	rt, store, _ := testRuntime(t, ScriptedModel{}, nil, hooks, Config{MaxSteps: 10, StepRetryBudget: 2})

	code := rt.Run(context.Background())
	assert.Equal(t, 0, code)
	assert.Equal(t, state.PhaseCompleted, hooks.lastPhase())

	logs, err := store.GetAgentLogs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "thinking", logs[0].Phase)
	assert.Equal(t, "completed", logs[1].Phase)
}

func TestLogRowLandsBeforeEvent(t *testing.T) {
	hooks := &fakeHooks{}
	rt, store, eventBus := testRuntime(t, ScriptedModel{}, nil, hooks, Config{MaxSteps: 10, StepRetryBudget: 2})

	// Delivery is synchronous, so the journal row must already be visible
	// from inside the handler.
	rowsAtEvent := make([]int, 0, 2)
	_, err := eventBus.Subscribe(kernel.EvtAgentThought, func(ctx context.Context, e *bus.Event) error {
		logs, err := store.GetAgentLogs(ctx, 1)
		require.NoError(t, err)
		rowsAtEvent = append(rowsAtEvent, len(logs))
		return nil
	})
	require.NoError(t, err)

	rt.Run(context.Background())
	require.Len(t, rowsAtEvent, 2)
	assert.Equal(t, 1, rowsAtEvent[0])
	assert.Equal(t, 2, rowsAtEvent[1])
}

type thinkForeverModel struct{}

func (thinkForeverModel) NextAction(ctx context.Context, req *StepRequest) (*Action, error) {
	return &Action{Thought: "still thinking"}, nil
}

func TestStepBudgetExhaustionFails(t *testing.T) {
	hooks := &fakeHooks{}
	rt, _, _ := testRuntime(t, thinkForeverModel{}, nil, hooks, Config{MaxSteps: 3, StepRetryBudget: 1})

	code := rt.Run(context.Background())
	assert.Equal(t, 1, code)
	assert.Equal(t, state.PhaseFailed, hooks.lastPhase())
}

type failingModel struct{}

func (failingModel) NextAction(ctx context.Context, req *StepRequest) (*Action, error) {
	return nil, assert.AnError
}

func TestModelRetryBudget(t *testing.T) {
	hooks := &fakeHooks{}
	rt, _, _ := testRuntime(t, failingModel{}, nil, hooks, Config{MaxSteps: 10, StepRetryBudget: 2})

	code := rt.Run(context.Background())
	assert.Equal(t, 1, code)
	assert.Equal(t, state.PhaseFailed, hooks.lastPhase())
}

func TestCancelledContextReturns130(t *testing.T) {
	hooks := &fakeHooks{}
	rt, _, _ := testRuntime(t, ScriptedModel{}, nil, hooks, Config{MaxSteps: 10, StepRetryBudget: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 130, rt.Run(ctx))
}

type oneToolModel struct {
	tool string
	args map[string]any
}

func (m oneToolModel) NextAction(ctx context.Context, req *StepRequest) (*Action, error) {
	if req.Step == 1 {
		return &Action{Tool: m.tool, Args: m.args}, nil
	}
	return &Action{Done: true, Result: "done"}, nil
}

func TestRejectedApprovalFailsRun(t *testing.T) {
	hooks := &fakeHooks{approve: false, reason: "too risky"}
	registry := tools.NewRegistry()
	registry.Register("test", &tools.Func{
		ToolName: "http.request",
		Fn: func(ctx context.Context, args map[string]any, _ tools.Context) (string, error) {
			t.Fatal("rejected tool must not execute")
			return "", nil
		},
	})
	rt, store, _ := testRuntime(t, oneToolModel{tool: "http.request"}, registry, hooks,
		Config{MaxSteps: 10, StepRetryBudget: 2})

	code := rt.Run(context.Background())
	assert.Equal(t, 1, code)
	assert.True(t, hooks.awaitHit)
	assert.Equal(t, state.PhaseFailed, hooks.lastPhase())

	logs, err := store.GetAgentLogs(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	assert.Equal(t, "failed", last.Phase)
	assert.Contains(t, last.Content, "too risky")
}

func TestApprovedNetworkToolExecutes(t *testing.T) {
	hooks := &fakeHooks{approve: true}
	ran := false
	registry := tools.NewRegistry()
	registry.Register("test", &tools.Func{
		ToolName: "http.request",
		Fn: func(ctx context.Context, args map[string]any, _ tools.Context) (string, error) {
			ran = true
			return "HTTP 200", nil
		},
	})
	rt, _, _ := testRuntime(t, oneToolModel{tool: "http.request"}, registry, hooks,
		Config{MaxSteps: 10, StepRetryBudget: 2})

	code := rt.Run(context.Background())
	assert.Equal(t, 0, code)
	assert.True(t, ran)
}

type flakyThenToolModel struct {
	failures int
	fails    int
}

func (m *flakyThenToolModel) NextAction(ctx context.Context, req *StepRequest) (*Action, error) {
	if m.fails < m.failures {
		m.fails++
		return nil, assert.AnError
	}
	switch req.Step {
	case 1:
		return &Action{Thought: "planning"}, nil
	case 2:
		return &Action{Tool: "echo", Args: map[string]any{"s": "hi"}}, nil
	default:
		return &Action{Done: true, Result: "done"}, nil
	}
}

func TestToolRunJournalsOneRowPerStep(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register("test", &tools.Func{
		ToolName: "echo",
		Fn: func(ctx context.Context, args map[string]any, _ tools.Context) (string, error) {
			s, _ := args["s"].(string)
			return s, nil
		},
	})
	// Two model failures within the retry budget must not leave gaps.
	model := &flakyThenToolModel{failures: 2}
	rt, store, _ := testRuntime(t, model, registry, &fakeHooks{},
		Config{MaxSteps: 10, StepRetryBudget: 3})

	code := rt.Run(context.Background())
	require.Equal(t, 0, code)

	logs, err := store.GetAgentLogs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, row := range logs {
		assert.Equal(t, i+1, row.Step, "steps must be dense from 1")
	}
	assert.Equal(t, "thinking", logs[0].Phase)
	assert.Equal(t, "observing", logs[1].Phase)
	assert.Equal(t, "echo", logs[1].Tool)
	assert.Equal(t, "hi", logs[1].Content)
	assert.Equal(t, "completed", logs[2].Phase)
}

func TestNeedsApproval(t *testing.T) {
	rt := &Runtime{cwd: "/work", cfg: Config{ApprovalStep: 50}}

	assert.True(t, rt.needsApproval(1, &Action{Tool: "process.spawn"}))
	assert.True(t, rt.needsApproval(1, &Action{Tool: "http.request"}))
	assert.False(t, rt.needsApproval(1, &Action{Tool: "fs.read", Args: map[string]any{"path": "/etc"}}))

	// Writes inside cwd pass, writes outside require approval.
	assert.False(t, rt.needsApproval(1, &Action{Tool: "fs.write", Args: map[string]any{"path": "/work/out.txt"}}))
	assert.True(t, rt.needsApproval(1, &Action{Tool: "fs.write", Args: map[string]any{"path": "/other/out.txt"}}))

	// Crossing the approval step threshold gates any tool.
	assert.True(t, rt.needsApproval(50, &Action{Tool: "fs.read"}))
}

func TestWritesOutsideCwd(t *testing.T) {
	assert.False(t, writesOutsideCwd("fs.read", map[string]any{"path": "/x"}, "/work"))
	assert.False(t, writesOutsideCwd("fs.write", map[string]any{"path": "/anything"}, "/"))
	assert.True(t, writesOutsideCwd("fs.write", map[string]any{"path": "/workother"}, "/work"))
	assert.False(t, writesOutsideCwd("fs.write", map[string]any{"path": "/work/sub/file"}, "/work"))
}
