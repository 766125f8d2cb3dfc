// Package tools defines the uniform tool surface exposed to agents. Built-in
// tools, plugin tools, MCP tools and imported skills all implement Tool and
// merge into one Registry snapshot per agent step.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Context carries the identity of the calling agent into tool execution.
type Context struct {
	PID      uint64
	UID      string
	OwnerUID string
	Cwd      string
}

// Tool is one invocable capability.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema for the tool's arguments.
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any, tc Context) (string, error)
}

// Spec is the serializable description of a tool, sent to models and clients.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// SpecOf extracts a tool's wire description.
func SpecOf(t Tool) Spec {
	return Spec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()}
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, args map[string]any, tc Context) (string, error)
}

func (f *Func) Name() string                { return f.ToolName }
func (f *Func) Description() string         { return f.ToolDescription }
func (f *Func) InputSchema() map[string]any { return f.Schema }
func (f *Func) Execute(ctx context.Context, args map[string]any, tc Context) (string, error) {
	return f.Fn(ctx, args, tc)
}

// Registry is a named tool set. Providers register under a source label so
// all of a source's tools can be dropped at once (MCP disconnect, plugin
// unload).
type Registry struct {
	mu      sync.RWMutex
	bySrc   map[string]map[string]Tool
	ordered []string // source registration order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySrc: make(map[string]map[string]Tool)}
}

// Register adds or replaces a tool under a source.
func (r *Registry) Register(source string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.bySrc[source]
	if !ok {
		set = make(map[string]Tool)
		r.bySrc[source] = set
		r.ordered = append(r.ordered, source)
	}
	set[t.Name()] = t
}

// DropSource removes every tool a source contributed.
func (r *Registry) DropSource(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySrc, source)
	for i, s := range r.ordered {
		if s == source {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
}

// Get resolves a tool by name. Later-registered sources win on collision.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.ordered) - 1; i >= 0; i-- {
		if t, ok := r.bySrc[r.ordered[i]][name]; ok {
			return t, true
		}
	}
	return nil, false
}

// List returns every tool, name-sorted.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]Tool)
	for _, source := range r.ordered {
		for name, t := range r.bySrc[source] {
			seen[name] = t
		}
	}
	out := make([]Tool, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Specs returns the wire descriptions of every tool, name-sorted.
func (r *Registry) Specs() []Spec {
	list := r.List()
	specs := make([]Spec, 0, len(list))
	for _, t := range list {
		specs = append(specs, SpecOf(t))
	}
	return specs
}

// Execute resolves and runs a tool.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tc Context) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, args, tc)
}
