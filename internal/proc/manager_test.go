package proc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/agent"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tty"
	"github.com/aether-os/aether/internal/vfs"
	"github.com/aether-os/aether/pkg/kernel"
)

func testManager(t *testing.T, model agent.LanguageModel) (*Manager, *state.Store, *bus.MemoryEventBus) {
	return testManagerWith(t, model, agent.Config{MaxSteps: 20, StepRetryBudget: 2})
}

func testManagerWith(t *testing.T, model agent.LanguageModel, cfg agent.Config) (*Manager, *state.Store, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store, err := state.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown() })
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	fs, err := vfs.New(t.TempDir(), store, eventBus, log)
	require.NoError(t, err)
	ttyMgr := tty.NewManager(nil, nil, eventBus, log)

	m := NewManager(store, eventBus, fs, ttyMgr, nil, nil, nil, nil, model, cfg, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, store, eventBus
}

func waitForState(t *testing.T, store *state.Store, pid uint64, want state.ProcessState) *state.ProcessRecord {
	t.Helper()
	var rec *state.ProcessRecord
	require.Eventually(t, func() bool {
		r, err := store.GetProcess(context.Background(), pid)
		if err != nil {
			return false
		}
		rec = r
		return r.State == want
	}, 3*time.Second, 10*time.Millisecond)
	return rec
}

// blockingModel parks until its context is cancelled.
type blockingModel struct{}

func (blockingModel) NextAction(ctx context.Context, req *agent.StepRequest) (*agent.Action, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// spawnOnceModel requests one approved child spawn, then completes.
type spawnOnceModel struct{}

func (spawnOnceModel) NextAction(ctx context.Context, req *agent.StepRequest) (*agent.Action, error) {
	if req.Step == 1 {
		return &agent.Action{Tool: "process.spawn", Args: map[string]any{"goal": "child work"}}, nil
	}
	return &agent.Action{Done: true, Result: "done"}, nil
}

func TestSpawnRunsScriptedAgentToCompletion(t *testing.T) {
	m, store, _ := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Name: "worker", Goal: "say hello"}, 0, "u1", "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), pid)

	rec := waitForState(t, store, pid, state.StateDead)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)

	logs, err := store.GetAgentLogs(ctx, pid)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "thinking", logs[0].Phase)
	assert.Equal(t, "completed", logs[1].Phase)
}

func TestSpawnEmitsLifecycleEvents(t *testing.T) {
	m, store, eventBus := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	seen := make(chan string, 16)
	for _, subject := range []string{kernel.EvtProcessSpawned, kernel.EvtProcessExit, kernel.EvtProcessReaped} {
		subject := subject
		_, err := eventBus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
			seen <- subject
			return nil
		})
		require.NoError(t, err)
	}

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "g"}, 0, "u1", "u1")
	require.NoError(t, err)
	waitForState(t, store, pid, state.StateDead)

	got := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case s := <-seen:
			got[s] = true
		case <-timeout:
			t.Fatalf("missing lifecycle events, saw %v", got)
		}
	}
}

func TestSigtermCancelsAgent(t *testing.T) {
	m, store, _ := testManager(t, blockingModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "never finishes"}, 0, "u1", "u1")
	require.NoError(t, err)
	waitForState(t, store, pid, state.StateRunning)

	require.NoError(t, m.Signal(ctx, pid, "SIGTERM"))
	rec := waitForState(t, store, pid, state.StateDead)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 130, *rec.ExitCode)
}

func TestStopAndContinue(t *testing.T) {
	m, store, _ := testManager(t, blockingModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "g"}, 0, "u1", "u1")
	require.NoError(t, err)
	waitForState(t, store, pid, state.StateRunning)

	require.NoError(t, m.Signal(ctx, pid, "SIGSTOP"))
	waitForState(t, store, pid, state.StateStopped)

	// SIGCONT on a stopped process resumes it; on anything else it is a no-op.
	require.NoError(t, m.Signal(ctx, pid, "SIGCONT"))
	waitForState(t, store, pid, state.StateRunning)
	require.NoError(t, m.Signal(ctx, pid, "SIGCONT"))
}

// countingModel counts model calls so tests can observe whether the loop is
// actually advancing.
type countingModel struct {
	calls atomic.Int32
}

func (m *countingModel) NextAction(ctx context.Context, req *agent.StepRequest) (*agent.Action, error) {
	m.calls.Add(1)
	select {
	case <-time.After(5 * time.Millisecond):
		return &agent.Action{Thought: "still going"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSigstopParksAgentLoop(t *testing.T) {
	model := &countingModel{}
	m, store, _ := testManagerWith(t, model, agent.Config{MaxSteps: 1 << 20, StepRetryBudget: 2})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "g"}, 0, "u1", "u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return model.calls.Load() >= 1 },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Signal(ctx, pid, "SIGSTOP"))
	waitForState(t, store, pid, state.StateStopped)

	// At most the in-flight step completes; after that the loop must park.
	atStop := model.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, model.calls.Load(), atStop+1)

	require.NoError(t, m.Signal(ctx, pid, "SIGCONT"))
	require.Eventually(t, func() bool { return model.calls.Load() > atStop+1 },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Signal(ctx, pid, "SIGTERM"))
	waitForState(t, store, pid, state.StateDead)
}

func TestSigstopWhileAwaitingApproval(t *testing.T) {
	m, store, _ := testManager(t, spawnOnceModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "spawn a child"}, 0, "u1", "u1")
	require.NoError(t, err)
	waitForState(t, store, pid, state.StateWaiting)

	require.NoError(t, m.Signal(ctx, pid, "SIGSTOP"))
	waitForState(t, store, pid, state.StateStopped)

	// Approval resolves but the worker stays parked until SIGCONT.
	require.NoError(t, m.Approve(ctx, pid))
	time.Sleep(50 * time.Millisecond)
	rec, err := store.GetProcess(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, state.StateStopped, rec.State)

	require.NoError(t, m.Signal(ctx, pid, "SIGCONT"))
	rec = waitForState(t, store, pid, state.StateDead)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
}

func TestSignalValidation(t *testing.T) {
	m, store, _ := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	err := m.Signal(ctx, 42, "SIGTERM")
	require.Error(t, err)
	assert.Equal(t, kernel.CodeNotFound, kernel.AsError(err).Code)

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "g"}, 0, "u1", "u1")
	require.NoError(t, err)
	waitForState(t, store, pid, state.StateDead)

	err = m.Signal(ctx, pid, "SIGTERM")
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)

	err = m.Signal(ctx, pid, "SIGFOO")
	require.Error(t, err)
}

func TestNoAgentSpawn(t *testing.T) {
	m, store, _ := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Name: "shell", NoAgent: true}, 0, "u1", "u1")
	require.NoError(t, err)

	rec, err := store.GetProcess(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, state.StateRunning, rec.State)

	// Bare records have no worker; SIGTERM exits them directly.
	require.NoError(t, m.Signal(ctx, pid, "SIGTERM"))
	rec = waitForState(t, store, pid, state.StateDead)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 143, *rec.ExitCode)
}

func TestSigintOnBareRecordExits(t *testing.T) {
	m, store, _ := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Name: "shell", NoAgent: true}, 0, "u1", "u1")
	require.NoError(t, err)

	require.NoError(t, m.Signal(ctx, pid, "SIGINT"))
	rec := waitForState(t, store, pid, state.StateDead)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 130, *rec.ExitCode)
}

func TestApprovalGateApprove(t *testing.T) {
	m, store, _ := testManager(t, spawnOnceModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "spawn a child"}, 0, "u1", "u1")
	require.NoError(t, err)
	waitForState(t, store, pid, state.StateWaiting)

	require.NoError(t, m.Approve(ctx, pid))
	rec := waitForState(t, store, pid, state.StateDead)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)

	// The approved tool ran: a child record exists with this pid as parent.
	procs, err := store.GetAllProcesses(ctx)
	require.NoError(t, err)
	var child *state.ProcessRecord
	for _, p := range procs {
		if p.PPID == pid {
			child = p
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "child work", child.Goal)
}

func TestApprovalGateReject(t *testing.T) {
	m, store, _ := testManager(t, spawnOnceModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{Goal: "spawn a child"}, 0, "u1", "u1")
	require.NoError(t, err)
	waitForState(t, store, pid, state.StateWaiting)

	require.NoError(t, m.Reject(ctx, pid, "not allowed"))
	rec := waitForState(t, store, pid, state.StateDead)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 1, *rec.ExitCode)

	err = m.Approve(ctx, pid)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)
}

func TestSendMessageUnknownTargetIsNil(t *testing.T) {
	m, _, _ := testManager(t, agent.ScriptedModel{})

	msg, err := m.SendMessage(context.Background(), 1, 99, "chat", "hello")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMailboxDrain(t *testing.T) {
	m, _, _ := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{NoAgent: true}, 0, "u1", "u1")
	require.NoError(t, err)

	for _, payload := range []string{"one", "two"} {
		msg, err := m.SendMessage(ctx, 0, pid, "chat", payload)
		require.NoError(t, err)
		require.NotNil(t, msg)
	}

	msgs := m.DrainMessages(pid)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Payload)
	assert.Empty(t, m.DrainMessages(pid))
}

func TestSpawnFailsFastWithoutContainerBackend(t *testing.T) {
	m, store, _ := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	pid, err := m.Spawn(ctx, SpawnConfig{
		Goal:    "g",
		Sandbox: &sandbox.Config{Kind: sandbox.KindContainer, Image: "alpine"},
	}, 0, "u1", "u1")
	require.Error(t, err)
	assert.Equal(t, kernel.CodeSandboxUnavailable, kernel.AsError(err).Code)

	rec, err := store.GetProcess(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, state.StateDead, rec.State)
}

func TestRestoreReapsOrphansAndNeverReusesPIDs(t *testing.T) {
	m, store, _ := testManager(t, agent.ScriptedModel{})
	ctx := context.Background()

	for _, pid := range []uint64{3, 7} {
		require.NoError(t, store.InsertProcess(ctx, &state.ProcessRecord{
			PID: pid, UID: "u1", OwnerUID: "u1", Name: "stale",
			State: state.StateRunning, CreatedAt: time.Now().UTC(),
		}))
	}

	require.NoError(t, m.Restore(ctx))

	rec, err := store.GetProcess(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, state.StateDead, rec.State)

	pid, err := m.Spawn(ctx, SpawnConfig{NoAgent: true}, 0, "u1", "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), pid)
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to state.ProcessState
		ok       bool
	}{
		{state.StateCreated, state.StateRunning, true},
		{state.StateCreated, state.StateStopped, false},
		{state.StateRunning, state.StateWaiting, true},
		{state.StateRunning, state.StateStopped, true},
		{state.StateWaiting, state.StateRunning, true},
		{state.StateWaiting, state.StateStopped, true},
		{state.StateStopped, state.StateRunning, true},
		{state.StateZombie, state.StateDead, true},
		{state.StateDead, state.StateRunning, false},
		{state.StateRunning, state.StateCreated, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, validTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
