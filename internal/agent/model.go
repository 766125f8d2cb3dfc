// Package agent runs the bounded think-act-observe loop behind every
// agentized process.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
)

// Action is one model decision: a pure thought, a tool call, or completion.
type Action struct {
	Thought string         `json:"thought,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Done    bool           `json:"done,omitempty"`
	Result  string         `json:"result,omitempty"`
}

// StepRequest carries everything the model needs to pick the next action.
type StepRequest struct {
	PID     uint64
	Role    string
	Goal    string
	Step    int
	History []*state.AgentLog
	Tools   []tools.Spec
}

// LanguageModel produces the next action for an agent. Implementations must
// observe ctx cancellation within a bounded quantum.
type LanguageModel interface {
	NextAction(ctx context.Context, req *StepRequest) (*Action, error)
}

// ScriptedModel is the built-in deterministic model: it thinks once about
// the goal, then completes. It keeps the kernel operational without an
// external model endpoint and drives the loop in tests.
type ScriptedModel struct{}

// NextAction implements LanguageModel.
func (ScriptedModel) NextAction(ctx context.Context, req *StepRequest) (*Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.History) == 0 {
		return &Action{
			Thought: fmt.Sprintf("Goal received: %s. Planning a single-step completion.", req.Goal),
		}, nil
	}
	return &Action{
		Done:   true,
		Result: fmt.Sprintf("Completed goal: %s", strings.TrimSpace(req.Goal)),
	}, nil
}
