// Package proc owns the kernel process table. It is the single writer for
// process records; every other component mutates process state through it.
package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/agent"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/mcp"
	"github.com/aether-os/aether/internal/openclaw"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/internal/tty"
	"github.com/aether-os/aether/internal/vfs"
	"github.com/aether-os/aether/pkg/kernel"
)

// SpawnConfig is the client-facing spawn request payload.
type SpawnConfig struct {
	Name    string            `json:"name"`
	Role    string            `json:"role"`
	Goal    string            `json:"goal"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env,omitempty"`
	Sandbox *sandbox.Config   `json:"sandbox,omitempty"`
	// NoAgent spawns a bare record without an agent loop (TTY-only use).
	NoAgent bool `json:"noAgent,omitempty"`
}

// approvalDecision resolves one pending approval wait.
type approvalDecision struct {
	approved bool
	reason   string
}

// ManagedProcess is the in-memory half of a process table entry.
type ManagedProcess struct {
	mu      sync.Mutex
	record  *state.ProcessRecord
	cancel  context.CancelFunc
	mailbox []*state.IPCMessage
	pending chan approvalDecision
	// resume is non-nil while the process is SIGSTOPped; SIGCONT closes it.
	resume chan struct{}
}

// Record returns a copy of the current process record.
func (p *ManagedProcess) Record() state.ProcessRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.record
}

// Manager is the process table.
type Manager struct {
	store     *state.Store
	eventBus  bus.EventBus
	fs        *vfs.FS
	ttyMgr    *tty.Manager
	container sandbox.ContainerBackend
	plugins   *plugins.Manager
	mcpMgr    *mcp.Manager
	openclaw  *openclaw.Adapter
	model     agent.LanguageModel
	agentCfg  agent.Config
	logger    *logger.Logger

	pidCounter atomic.Uint64

	mu    sync.Mutex
	procs map[uint64]*ManagedProcess

	wg sync.WaitGroup
}

// NewManager assembles the process manager. container may be nil.
func NewManager(store *state.Store, eventBus bus.EventBus, fs *vfs.FS,
	ttyMgr *tty.Manager, container sandbox.ContainerBackend,
	pluginMgr *plugins.Manager, mcpMgr *mcp.Manager, oc *openclaw.Adapter,
	model agent.LanguageModel, agentCfg agent.Config, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		eventBus:  eventBus,
		fs:        fs,
		ttyMgr:    ttyMgr,
		container: container,
		plugins:   pluginMgr,
		mcpMgr:    mcpMgr,
		openclaw:  oc,
		model:     model,
		agentCfg:  agentCfg,
		logger:    log.WithFields(zap.String("component", "process-manager")),
		procs:     make(map[uint64]*ManagedProcess),
	}
}

// Restore initializes the pid counter from the journal. PIDs are never
// reused within an uptime; processes left non-terminal by an abrupt exit
// are moved to dead.
func (m *Manager) Restore(ctx context.Context) error {
	maxPID, err := m.store.MaxPID(ctx)
	if err != nil {
		return err
	}
	m.pidCounter.Store(maxPID)

	recs, err := m.store.GetAllProcesses(ctx)
	if err != nil {
		return err
	}
	orphans := 0
	for _, rec := range recs {
		if rec.State != state.StateDead {
			code := -1
			if err := m.store.MarkProcessExited(ctx, rec.PID, state.StateDead, code, time.Now().UTC()); err != nil {
				m.logger.WithError(err).Warn("failed to reap orphan", zap.Uint64("pid", rec.PID))
				continue
			}
			orphans++
		}
	}
	m.logger.Info("process table restored",
		zap.Uint64("max_pid", maxPID), zap.Int("orphans_reaped", orphans))
	return nil
}

// Spawn allocates the next pid, journals the record, and starts the agent
// worker. An unreachable sandbox fails fast with sandbox_unavailable and a
// dead record.
func (m *Manager) Spawn(ctx context.Context, cfg SpawnConfig, parentPID uint64, uid, ownerUID string) (uint64, error) {
	pid := m.pidCounter.Add(1)

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("agent-%d", pid)
	}
	cwd := cfg.Cwd
	if cwd == "" {
		cwd = "/"
	}
	env, _ := json.Marshal(cfg.Env)
	sandboxJSON := ""
	if cfg.Sandbox != nil {
		raw, _ := json.Marshal(cfg.Sandbox)
		sandboxJSON = string(raw)
	}

	rec := &state.ProcessRecord{
		PID:        pid,
		PPID:       parentPID,
		UID:        uid,
		OwnerUID:   ownerUID,
		Name:       name,
		Role:       cfg.Role,
		Goal:       cfg.Goal,
		State:      state.StateCreated,
		AgentPhase: state.PhaseBooting,
		Cwd:        cwd,
		Env:        string(env),
		Sandbox:    sandboxJSON,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.InsertProcess(ctx, rec); err != nil {
		return 0, err
	}

	mp := &ManagedProcess{record: rec}
	m.mu.Lock()
	m.procs[pid] = mp
	m.mu.Unlock()

	bus.Emit(ctx, m.eventBus, "process-manager", kernel.EvtProcessSpawned, map[string]any{
		"pid":  pid,
		"ppid": parentPID,
		"name": name,
		"role": cfg.Role,
		"goal": cfg.Goal,
		"uid":  uid,
	})

	// Sandbox reachability is checked before the worker starts so spawn
	// fails fast instead of leaving a stuck record.
	if cfg.Sandbox != nil && cfg.Sandbox.Kind == sandbox.KindContainer {
		if m.container == nil {
			return pid, m.failSpawn(ctx, mp, "container backend not configured")
		}
		if err := m.container.Ping(ctx); err != nil {
			return pid, m.failSpawn(ctx, mp, err.Error())
		}
		session, err := m.ttyMgr.Open(ctx, pid, cwd, 0, 0, *cfg.Sandbox)
		if err != nil {
			return pid, m.failSpawn(ctx, mp, err.Error())
		}
		mp.mu.Lock()
		mp.record.TTYID = session.ID
		mp.mu.Unlock()
		if err := m.store.SetProcessTTY(ctx, pid, session.ID); err != nil {
			m.logger.WithError(err).Warn("failed to persist tty binding", zap.Uint64("pid", pid))
		}
	}

	if cfg.NoAgent {
		_ = m.store.MarkProcessStarted(ctx, pid, time.Now().UTC())
		m.setStateLocked(mp, state.StateRunning)
		m.emitStateChange(ctx, pid, state.StateRunning)
		return pid, nil
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	mp.mu.Lock()
	mp.cancel = cancel
	mp.mu.Unlock()

	m.wg.Add(1)
	go m.runAgent(workerCtx, mp)
	return pid, nil
}

func (m *Manager) failSpawn(ctx context.Context, mp *ManagedProcess, detail string) error {
	pid := mp.Record().PID
	now := time.Now().UTC()
	_ = m.store.MarkProcessExited(ctx, pid, state.StateDead, -1, now)
	mp.mu.Lock()
	mp.record.State = state.StateDead
	code := -1
	mp.record.ExitCode = &code
	mp.record.ExitedAt = &now
	mp.mu.Unlock()

	bus.Emit(ctx, m.eventBus, "process-manager", kernel.EvtProcessExit, map[string]any{
		"pid":       pid,
		"exit_code": -1,
		"error":     detail,
	})
	return kernel.E(kernel.CodeSandboxUnavailable, "sandbox unavailable: %s", detail)
}

// runAgent is the dedicated worker for one agentized process.
func (m *Manager) runAgent(ctx context.Context, mp *ManagedProcess) {
	defer m.wg.Done()
	rec := mp.Record()

	now := time.Now().UTC()
	if err := m.store.MarkProcessStarted(context.Background(), rec.PID, now); err != nil {
		m.logger.WithError(err).Error("failed to mark process started", zap.Uint64("pid", rec.PID))
	}
	m.setStateLocked(mp, state.StateRunning)
	m.emitStateChange(ctx, rec.PID, state.StateRunning)

	registry := m.buildRegistry(ctx, rec.PID, rec.UID)
	runtime := agent.NewRuntime(rec.PID, rec.UID, rec.OwnerUID, rec.Cwd, rec.Role, rec.Goal,
		m.model, registry, m.store, m.eventBus, m, m.agentCfg, m.logger)

	exitCode := runtime.Run(ctx)
	m.exit(context.Background(), mp, exitCode)
}

// buildRegistry assembles the tool surface for one agent: built-ins, the
// user's plugin bundles, connected MCP servers and imported skills.
func (m *Manager) buildRegistry(ctx context.Context, pid uint64, uid string) *tools.Registry {
	registry := tools.NewRegistry()
	for _, t := range agent.BuiltinTools(agent.BuiltinDeps{
		FS:        m.fs,
		Store:     m.store,
		Spawner:   m,
		Messenger: m,
	}) {
		registry.Register("builtin", t)
	}
	if m.plugins != nil {
		for _, t := range m.plugins.LoadForUser(ctx, pid, uid) {
			registry.Register("plugins", t)
		}
	}
	if m.mcpMgr != nil {
		for _, spec := range m.mcpMgr.GetTools() {
			s := spec
			serverID, toolName, ok := mcp.SplitToolName(s.Name)
			if !ok {
				continue
			}
			registry.Register("mcp", &tools.Func{
				ToolName:        s.Name,
				ToolDescription: s.Description,
				Schema:          s.InputSchema,
				Fn: func(c context.Context, args map[string]any, _ tools.Context) (string, error) {
					return m.mcpMgr.CallTool(c, serverID, toolName, args)
				},
			})
		}
	}
	if m.openclaw != nil {
		for _, t := range m.openclaw.ListImported() {
			registry.Register("openclaw", t)
		}
	}
	return registry
}

// exit moves a finished process through zombie to dead, emitting
// process.exit and process.reaped.
func (m *Manager) exit(ctx context.Context, mp *ManagedProcess, exitCode int) {
	rec := mp.Record()
	now := time.Now().UTC()

	if err := m.store.MarkProcessExited(ctx, rec.PID, state.StateZombie, exitCode, now); err != nil {
		m.logger.WithError(err).Error("failed to journal exit", zap.Uint64("pid", rec.PID))
	}
	mp.mu.Lock()
	mp.record.State = state.StateZombie
	mp.record.ExitCode = &exitCode
	mp.record.ExitedAt = &now
	mp.mu.Unlock()

	bus.Emit(ctx, m.eventBus, "process-manager", kernel.EvtProcessExit, map[string]any{
		"pid":       rec.PID,
		"exit_code": exitCode,
	})

	for _, session := range m.ttyMgr.GetByPID(rec.PID) {
		m.ttyMgr.Close(session.ID)
	}
	if m.container != nil {
		_ = m.container.Kill(ctx, rec.PID)
	}

	m.Reap(ctx, rec.PID)
}

// Reap finalizes a zombie. Reaping a non-zombie is a no-op.
func (m *Manager) Reap(ctx context.Context, pid uint64) {
	m.mu.Lock()
	mp, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return
	}
	mp.mu.Lock()
	if mp.record.State != state.StateZombie {
		mp.mu.Unlock()
		return
	}
	mp.record.State = state.StateDead
	mp.mu.Unlock()

	if err := m.store.UpdateProcessState(ctx, pid, state.StateDead); err != nil {
		m.logger.WithError(err).Warn("failed to journal reap", zap.Uint64("pid", pid))
	}
	bus.Emit(ctx, m.eventBus, "process-manager", kernel.EvtProcessReaped, map[string]any{
		"pid": pid,
	})
}

// Signal delivers a POSIX-style signal to a process.
func (m *Manager) Signal(ctx context.Context, pid uint64, sig string) error {
	m.mu.Lock()
	mp, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return kernel.NotFound("no such process: %d", pid)
	}
	rec := mp.Record()
	if rec.State == state.StateDead {
		return kernel.InvalidArgument("process %d is dead", pid)
	}

	switch sig {
	case "SIGTERM", "SIGKILL":
		mp.mu.Lock()
		cancel := mp.cancel
		mp.mu.Unlock()
		if cancel != nil {
			cancel()
		} else {
			// Bare records have no worker to cancel; exit directly.
			m.exit(ctx, mp, 143)
		}
		return nil
	case "SIGINT":
		mp.mu.Lock()
		cancel := mp.cancel
		mp.mu.Unlock()
		if cancel != nil {
			cancel()
		} else {
			m.exit(ctx, mp, 130)
		}
		return nil
	case "SIGSTOP":
		if !validTransition(rec.State, state.StateStopped) {
			return kernel.InvalidArgument("cannot stop process in state %s", rec.State)
		}
		mp.mu.Lock()
		if mp.resume == nil {
			mp.resume = make(chan struct{})
		}
		mp.record.State = state.StateStopped
		mp.mu.Unlock()
		m.emitStateChange(ctx, pid, state.StateStopped)
		_ = m.store.UpdateProcessState(ctx, pid, state.StateStopped)
		return nil
	case "SIGCONT":
		if rec.State != state.StateStopped {
			return nil
		}
		mp.mu.Lock()
		if mp.resume != nil {
			close(mp.resume)
			mp.resume = nil
		}
		mp.record.State = state.StateRunning
		mp.mu.Unlock()
		m.emitStateChange(ctx, pid, state.StateRunning)
		_ = m.store.UpdateProcessState(ctx, pid, state.StateRunning)
		return nil
	case "SIGUSR1", "SIGUSR2":
		// Delivered to the agent as an interrupt message.
		_, err := m.SendMessage(ctx, 0, pid, "signal", sig)
		return err
	default:
		return kernel.InvalidArgument("unknown signal: %s", sig)
	}
}

// SendMessage appends to the target's mailbox and journals the delivery.
// Returns nil message for unknown targets.
func (m *Manager) SendMessage(ctx context.Context, fromPID, toPID uint64, channel, payload string) (*state.IPCMessage, error) {
	m.mu.Lock()
	mp, ok := m.procs[toPID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	msg := &state.IPCMessage{
		ID:        uuid.New().String(),
		FromPID:   fromPID,
		ToPID:     toPID,
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	mp.mu.Lock()
	mp.mailbox = append(mp.mailbox, msg)
	mp.mu.Unlock()

	if err := m.store.InsertIPCMessage(ctx, msg); err != nil {
		m.logger.WithError(err).Warn("failed to journal ipc message", zap.String("id", msg.ID))
	}
	bus.Emit(ctx, m.eventBus, "process-manager", kernel.EvtIPCDelivered, map[string]any{
		"id":      msg.ID,
		"fromPid": fromPID,
		"toPid":   toPID,
		"channel": channel,
	})
	return msg, nil
}

// SendIPC implements agent.Messenger.
func (m *Manager) SendIPC(ctx context.Context, fromPID, toPID uint64, channel, payload string) (bool, error) {
	msg, err := m.SendMessage(ctx, fromPID, toPID, channel, payload)
	if err != nil {
		return false, err
	}
	return msg != nil, nil
}

// SpawnChild implements agent.Spawner.
func (m *Manager) SpawnChild(ctx context.Context, parentPID uint64, uid, ownerUID string, spec agent.ChildSpec) (uint64, error) {
	return m.Spawn(ctx, SpawnConfig{Name: spec.Name, Role: spec.Role, Goal: spec.Goal}, parentPID, uid, ownerUID)
}

// DrainMessages atomically reads and empties a mailbox.
func (m *Manager) DrainMessages(pid uint64) []*state.IPCMessage {
	m.mu.Lock()
	mp, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	out := mp.mailbox
	mp.mailbox = nil
	return out
}

// Approve resolves a pending approval wait positively.
func (m *Manager) Approve(ctx context.Context, pid uint64) error {
	return m.resolveApproval(pid, approvalDecision{approved: true})
}

// Reject resolves a pending approval wait negatively.
func (m *Manager) Reject(ctx context.Context, pid uint64, reason string) error {
	return m.resolveApproval(pid, approvalDecision{approved: false, reason: reason})
}

func (m *Manager) resolveApproval(pid uint64, d approvalDecision) error {
	m.mu.Lock()
	mp, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return kernel.NotFound("no such process: %d", pid)
	}
	mp.mu.Lock()
	ch := mp.pending
	mp.pending = nil
	mp.mu.Unlock()
	if ch == nil {
		return kernel.InvalidArgument("process %d has no pending approval", pid)
	}
	ch <- d
	return nil
}

// PhaseChanged implements agent.Hooks.
func (m *Manager) PhaseChanged(ctx context.Context, pid uint64, phase state.AgentPhase) {
	m.mu.Lock()
	mp, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return
	}
	mp.mu.Lock()
	mp.record.AgentPhase = phase
	mp.mu.Unlock()

	if err := m.store.UpdateProcessPhase(ctx, pid, phase); err != nil {
		m.logger.WithError(err).Warn("failed to persist agent phase", zap.Uint64("pid", pid))
	}
	bus.Emit(ctx, m.eventBus, "process-manager", kernel.EvtAgentPhaseChange, map[string]any{
		"pid":   pid,
		"phase": string(phase),
	})
}

// AwaitApproval implements agent.Hooks: parks the process in waiting until
// approve/reject or cancellation.
func (m *Manager) AwaitApproval(ctx context.Context, pid uint64) (bool, string, error) {
	m.mu.Lock()
	mp, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return false, "", kernel.NotFound("no such process: %d", pid)
	}

	ch := make(chan approvalDecision, 1)
	mp.mu.Lock()
	mp.pending = ch
	mp.mu.Unlock()

	m.setStateLocked(mp, state.StateWaiting)
	m.emitStateChange(ctx, pid, state.StateWaiting)
	_ = m.store.UpdateProcessState(ctx, pid, state.StateWaiting)

	var d approvalDecision
	select {
	case d = <-ch:
	case <-ctx.Done():
		return false, "", ctx.Err()
	}

	// A SIGSTOP delivered while waiting leaves the record stopped; the loop
	// gate parks the worker until SIGCONT flips it back.
	mp.mu.Lock()
	stopped := mp.record.State == state.StateStopped
	if !stopped {
		mp.record.State = state.StateRunning
	}
	mp.mu.Unlock()
	if !stopped {
		m.emitStateChange(ctx, pid, state.StateRunning)
		_ = m.store.UpdateProcessState(ctx, pid, state.StateRunning)
	}
	return d.approved, d.reason, nil
}

// AwaitResume implements agent.Hooks: blocks while the process is stopped.
func (m *Manager) AwaitResume(ctx context.Context, pid uint64) error {
	m.mu.Lock()
	mp, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	mp.mu.Lock()
	ch := mp.resume
	mp.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a live process.
func (m *Manager) Get(pid uint64) (*ManagedProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.procs[pid]
	return mp, ok
}

// List returns the current in-memory process table.
func (m *Manager) List() []state.ProcessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.ProcessRecord, 0, len(m.procs))
	for _, mp := range m.procs {
		out = append(out, mp.Record())
	}
	return out
}

// LiveCount counts non-terminal processes.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mp := range m.procs {
		st := mp.Record().State
		if st != state.StateDead && st != state.StateZombie {
			n++
		}
	}
	return n
}

// Shutdown cancels every worker and waits for them to drain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for _, mp := range m.procs {
		mp.mu.Lock()
		if mp.cancel != nil {
			mp.cancel()
		}
		mp.mu.Unlock()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for agent workers")
	}
}

func (m *Manager) setStateLocked(mp *ManagedProcess, st state.ProcessState) {
	mp.mu.Lock()
	mp.record.State = st
	mp.mu.Unlock()
}

func (m *Manager) emitStateChange(ctx context.Context, pid uint64, st state.ProcessState) {
	bus.Emit(ctx, m.eventBus, "process-manager", kernel.EvtProcessStateChange, map[string]any{
		"pid":   pid,
		"state": string(st),
	})
}

// validTransition enforces the process state DAG. No edge returns to
// created; dead is terminal.
func validTransition(from, to state.ProcessState) bool {
	switch from {
	case state.StateCreated:
		return to == state.StateRunning || to == state.StateZombie
	case state.StateRunning:
		return to == state.StateSleeping || to == state.StateWaiting ||
			to == state.StateStopped || to == state.StateZombie
	case state.StateSleeping:
		return to == state.StateRunning || to == state.StateStopped || to == state.StateZombie
	case state.StateWaiting:
		return to == state.StateRunning || to == state.StateStopped || to == state.StateZombie
	case state.StateStopped:
		return to == state.StateRunning || to == state.StateZombie
	case state.StateZombie:
		return to == state.StateDead
	case state.StateDead:
		return false
	}
	return false
}
