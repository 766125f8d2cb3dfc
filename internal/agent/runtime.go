package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/pkg/kernel"
)

// Config bounds the agent loop.
type Config struct {
	MaxSteps        int
	ApprovalStep    int
	StepRetryBudget int
}

// Hooks are the process-manager callbacks the runtime drives.
type Hooks interface {
	// PhaseChanged reports a phase transition; the process manager persists
	// it and emits agent.phaseChange.
	PhaseChanged(ctx context.Context, pid uint64, phase state.AgentPhase)
	// AwaitApproval parks the process in waiting until process.approve or
	// process.reject resolves it.
	AwaitApproval(ctx context.Context, pid uint64) (approved bool, reason string, err error)
	// AwaitResume blocks while the process is stopped (SIGSTOP) until
	// SIGCONT or cancellation.
	AwaitResume(ctx context.Context, pid uint64) error
}

// Runtime is one agent loop bound to a pid.
type Runtime struct {
	pid      uint64
	uid      string
	ownerUID string
	cwd      string
	role     string
	goal     string

	model    LanguageModel
	registry *tools.Registry
	store    *state.Store
	eventBus bus.EventBus
	hooks    Hooks
	cfg      Config
	logger   *logger.Logger

	history []*state.AgentLog
}

// NewRuntime assembles a runtime. registry must already hold the merged tool
// surface for this agent.
func NewRuntime(pid uint64, uid, ownerUID, cwd, role, goal string,
	model LanguageModel, registry *tools.Registry, store *state.Store,
	eventBus bus.EventBus, hooks Hooks, cfg Config, log *logger.Logger) *Runtime {
	return &Runtime{
		pid:      pid,
		uid:      uid,
		ownerUID: ownerUID,
		cwd:      cwd,
		role:     role,
		goal:     goal,
		model:    model,
		registry: registry,
		store:    store,
		eventBus: eventBus,
		hooks:    hooks,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "agent-runtime"), zap.Uint64("pid", pid)),
	}
}

// Run executes the bounded loop and returns the exit code. Cancellation is
// cooperative: the abort handle is checked before every external call.
func (r *Runtime) Run(ctx context.Context) int {
	r.hooks.PhaseChanged(ctx, r.pid, state.PhaseBooting)

	step := 0
	retries := 0
	for {
		if ctx.Err() != nil {
			r.logger.Info("agent cancelled", zap.Int("step", step))
			return 130
		}
		if err := r.hooks.AwaitResume(ctx, r.pid); err != nil {
			r.logger.Info("agent cancelled while stopped", zap.Int("step", step))
			return 130
		}
		step++
		if step > r.cfg.MaxSteps {
			r.logger.Warn("step budget exhausted", zap.Int("max_steps", r.cfg.MaxSteps))
			r.hooks.PhaseChanged(ctx, r.pid, state.PhaseFailed)
			return 1
		}

		r.hooks.PhaseChanged(ctx, r.pid, state.PhaseThinking)
		action, err := r.model.NextAction(ctx, &StepRequest{
			PID:     r.pid,
			Role:    r.role,
			Goal:    r.goal,
			Step:    step,
			History: r.history,
			Tools:   r.registry.Specs(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return 130
			}
			retries++
			r.logger.WithError(err).Warn("model step failed",
				zap.Int("step", step), zap.Int("retries", retries))
			if retries > r.cfg.StepRetryBudget {
				r.hooks.PhaseChanged(ctx, r.pid, state.PhaseFailed)
				return 1
			}
			// Retry the same step so journal steps stay dense.
			step--
			continue
		}
		retries = 0

		if action.Done {
			r.record(ctx, step, "completed", "", action.Result, kernel.EvtAgentThought)
			r.hooks.PhaseChanged(ctx, r.pid, state.PhaseCompleted)
			return 0
		}

		if action.Tool == "" {
			r.record(ctx, step, "thinking", "", action.Thought, kernel.EvtAgentThought)
			continue
		}

		needsApproval := r.needsApproval(step, action)
		r.emitAction(ctx, step, action, needsApproval)

		if needsApproval {
			r.hooks.PhaseChanged(ctx, r.pid, state.PhaseWaiting)
			approved, reason, err := r.hooks.AwaitApproval(ctx, r.pid)
			if err != nil || ctx.Err() != nil {
				return 130
			}
			if !approved {
				r.record(ctx, step, "failed", action.Tool, "Rejected: "+reason, kernel.EvtAgentObservation)
				r.hooks.PhaseChanged(ctx, r.pid, state.PhaseFailed)
				return 1
			}
		}

		r.hooks.PhaseChanged(ctx, r.pid, state.PhaseExecuting)
		result, err := r.registry.Execute(ctx, action.Tool, action.Args, tools.Context{
			PID:      r.pid,
			UID:      r.uid,
			OwnerUID: r.ownerUID,
			Cwd:      r.cwd,
		})
		if err != nil {
			if ctx.Err() != nil {
				return 130
			}
			result = "Error: " + err.Error()
			retries++
			if retries > r.cfg.StepRetryBudget {
				r.record(ctx, step, "observing", action.Tool, result, kernel.EvtAgentObservation)
				r.hooks.PhaseChanged(ctx, r.pid, state.PhaseFailed)
				return 1
			}
		}

		r.hooks.PhaseChanged(ctx, r.pid, state.PhaseObserving)
		r.record(ctx, step, "observing", action.Tool, result, kernel.EvtAgentObservation)
	}
}

// needsApproval applies the hard approval rule: writes outside the cwd root,
// child spawns, external network side effects, or crossing the step budget
// threshold.
func (r *Runtime) needsApproval(step int, action *Action) bool {
	if action.Tool == "process.spawn" {
		return true
	}
	if networkTools[action.Tool] {
		return true
	}
	if writesOutsideCwd(action.Tool, action.Args, r.cwd) {
		return true
	}
	if r.cfg.ApprovalStep > 0 && step >= r.cfg.ApprovalStep {
		return true
	}
	return false
}

// record persists the single AgentLog row for one iteration, then broadcasts
// the matching event. The row always lands before the event; steps are unique
// per pid and dense from 1.
func (r *Runtime) record(ctx context.Context, step int, phase, tool, content, eventType string) {
	log := &state.AgentLog{
		PID:       r.pid,
		Step:      step,
		Phase:     phase,
		Tool:      tool,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := r.store.AppendAgentLog(ctx, log); err != nil {
		r.logger.WithError(err).Error("failed to persist agent log", zap.Int("step", step))
	}
	r.history = append(r.history, log)

	bus.Emit(ctx, r.eventBus, "agent-runtime", eventType, map[string]any{
		"pid":     r.pid,
		"step":    step,
		"phase":   phase,
		"tool":    tool,
		"content": content,
	})
}

// emitAction broadcasts agent.action without journaling: the iteration's one
// AgentLog row is written once the tool call resolves (observation, or a
// rejected approval).
func (r *Runtime) emitAction(ctx context.Context, step int, action *Action, needsApproval bool) {
	bus.Emit(ctx, r.eventBus, "agent-runtime", kernel.EvtAgentAction, map[string]any{
		"pid":           r.pid,
		"step":          step,
		"tool":          action.Tool,
		"args":          action.Args,
		"needsApproval": needsApproval,
	})
}
