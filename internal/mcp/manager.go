// Package mcp manages connections to Model Context Protocol servers and
// exposes their tools to agents under mcp__{serverId}__{toolName} names.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/pkg/kernel"
)

const discoveryTimeout = 10 * time.Second

// ServerSpec describes one MCP server to connect to.
type ServerSpec struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Transport   string            `json:"transport"` // stdio or sse
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	AutoConnect bool              `json:"autoConnect"`
}

// connection is one live server with its discovered tools.
type connection struct {
	spec   ServerSpec
	client client.MCPClient
	tools  []tools.Spec
}

// Manager owns all MCP server connections.
type Manager struct {
	store    *state.Store
	eventBus bus.EventBus
	registry *tools.Registry
	logger   *logger.Logger

	mu          sync.Mutex
	connections map[string]*connection
}

// NewManager creates the MCP manager. Discovered tools land in registry.
func NewManager(store *state.Store, eventBus bus.EventBus, registry *tools.Registry, log *logger.Logger) *Manager {
	return &Manager{
		store:       store,
		eventBus:    eventBus,
		registry:    registry,
		logger:      log.WithFields(zap.String("component", "mcp-manager")),
		connections: make(map[string]*connection),
	}
}

// ToolName builds the namespaced tool name for a server tool.
func ToolName(serverID, toolName string) string {
	return fmt.Sprintf("mcp__%s__%s", serverID, toolName)
}

// SplitToolName reverses ToolName. ok is false for non-MCP names.
func SplitToolName(name string) (serverID, toolName string, ok bool) {
	if !strings.HasPrefix(name, "mcp__") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "mcp__")
	i := strings.Index(rest, "__")
	if i <= 0 || i+2 >= len(rest) {
		return "", "", false
	}
	return rest[:i], rest[i+2:], true
}

// Connect opens a transport to the server, performs the MCP handshake, and
// discovers its tools.
func (m *Manager) Connect(ctx context.Context, spec ServerSpec) error {
	m.mu.Lock()
	if _, live := m.connections[spec.ID]; live {
		m.mu.Unlock()
		return kernel.Conflict("mcp server already connected: %s", spec.ID)
	}
	m.mu.Unlock()

	c, err := m.dial(ctx, spec)
	if err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	initReq := mcptypes.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcptypes.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcptypes.Implementation{Name: "aether-kernel", Version: "1.0.0"}
	if _, err := c.Initialize(hsCtx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp handshake with %s failed: %w", spec.ID, err)
	}

	listed, err := c.ListTools(hsCtx, mcptypes.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp listTools on %s failed: %w", spec.ID, err)
	}

	conn := &connection{spec: spec, client: c}
	for _, t := range listed.Tools {
		spec := tools.Spec{
			Name:        ToolName(spec.ID, t.Name),
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		}
		conn.tools = append(conn.tools, spec)
		m.registry.Register("mcp:"+conn.spec.ID, m.proxyTool(conn.spec.ID, t.Name, spec))
	}

	m.mu.Lock()
	m.connections[spec.ID] = conn
	m.mu.Unlock()

	m.persist(ctx, spec, conn.tools)

	bus.Emit(ctx, m.eventBus, "mcp-manager", kernel.EvtMCPToolsDiscovered, map[string]any{
		"serverId": spec.ID,
		"tools":    conn.tools,
	})
	bus.Emit(ctx, m.eventBus, "mcp-manager", kernel.EvtMCPServerConnected, map[string]any{
		"serverId":  spec.ID,
		"name":      spec.Name,
		"transport": spec.Transport,
		"toolCount": len(conn.tools),
	})
	m.logger.Info("mcp server connected",
		zap.String("server_id", spec.ID),
		zap.String("transport", spec.Transport),
		zap.Int("tools", len(conn.tools)))
	return nil
}

func (m *Manager) dial(ctx context.Context, spec ServerSpec) (client.MCPClient, error) {
	switch spec.Transport {
	case "stdio":
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		c, err := client.NewStdioMCPClient(spec.Command, env, spec.Args...)
		if err != nil {
			return nil, fmt.Errorf("mcp stdio spawn failed: %w", err)
		}
		return c, nil
	case "sse":
		c, err := client.NewSSEMCPClient(spec.URL)
		if err != nil {
			return nil, fmt.Errorf("mcp sse client failed: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcp sse connect failed: %w", err)
		}
		return c, nil
	default:
		return nil, kernel.InvalidArgument("unknown mcp transport: %s", spec.Transport)
	}
}

// proxyTool builds the Tool that forwards calls to the remote server.
func (m *Manager) proxyTool(serverID, remoteName string, spec tools.Spec) tools.Tool {
	return &tools.Func{
		ToolName:        spec.Name,
		ToolDescription: spec.Description,
		Schema:          spec.InputSchema,
		Fn: func(ctx context.Context, args map[string]any, _ tools.Context) (string, error) {
			return m.CallTool(ctx, serverID, remoteName, args)
		},
	}
}

// CallTool proxies one call to a connected server. Multi-block responses are
// serialized into a single text blob; error results carry an "Error: " prefix.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (string, error) {
	m.mu.Lock()
	conn, ok := m.connections[serverID]
	m.mu.Unlock()
	if !ok {
		return "", kernel.NotFound("mcp server not connected: %s", serverID)
	}

	req := mcptypes.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	res, err := conn.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %s on %s failed: %w", toolName, serverID, err)
	}

	var blocks []string
	for _, content := range res.Content {
		if text, ok := content.(mcptypes.TextContent); ok {
			blocks = append(blocks, text.Text)
		}
	}
	out := strings.Join(blocks, "\n")
	if res.IsError {
		return "Error: " + out, nil
	}
	return out, nil
}

// Disconnect closes a server connection and drops its tools.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	conn, ok := m.connections[serverID]
	delete(m.connections, serverID)
	m.mu.Unlock()
	if !ok {
		return kernel.NotFound("mcp server not connected: %s", serverID)
	}

	m.registry.DropSource("mcp:" + serverID)
	if err := conn.client.Close(); err != nil {
		m.logger.WithError(err).Warn("mcp close failed", zap.String("server_id", serverID))
	}
	bus.Emit(ctx, m.eventBus, "mcp-manager", kernel.EvtMCPServerDisconnected, map[string]any{
		"serverId": serverID,
	})
	m.logger.Info("mcp server disconnected", zap.String("server_id", serverID))
	return nil
}

// Remove disconnects (if live) and deletes the server's stored row.
func (m *Manager) Remove(ctx context.Context, serverID string) error {
	m.mu.Lock()
	_, live := m.connections[serverID]
	m.mu.Unlock()
	if live {
		if err := m.Disconnect(ctx, serverID); err != nil {
			return err
		}
	}
	return m.store.DeleteMCPServer(ctx, serverID)
}

// GetTools returns the aggregated namespaced tool specs of all live servers.
func (m *Manager) GetTools() []tools.Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tools.Spec
	for _, conn := range m.connections {
		out = append(out, conn.tools...)
	}
	return out
}

// ListServers returns every stored server row.
func (m *Manager) ListServers(ctx context.Context) ([]*state.MCPServerRecord, error) {
	return m.store.GetAllMCPServers(ctx)
}

// IsConnected reports whether a server has a live connection.
func (m *Manager) IsConnected(serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connections[serverID]
	return ok
}

// Restore reconnects auto-connect servers from the store. Corrupt rows and
// unreachable servers are skipped with a log.
func (m *Manager) Restore(ctx context.Context) {
	recs, err := m.store.GetAllMCPServers(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("mcp restore failed")
		return
	}
	for _, rec := range recs {
		if !rec.Enabled || !rec.AutoConnect {
			continue
		}
		spec, err := specFromRecord(rec)
		if err != nil {
			m.logger.WithError(err).Warn("skipping corrupt mcp server row",
				zap.String("server_id", rec.ID))
			continue
		}
		if err := m.Connect(ctx, spec); err != nil {
			m.logger.WithError(err).Warn("mcp auto-connect failed",
				zap.String("server_id", rec.ID))
		}
	}
}

// Shutdown closes every connection.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Disconnect(ctx, id)
	}
}

func (m *Manager) persist(ctx context.Context, spec ServerSpec, discovered []tools.Spec) {
	args, _ := json.Marshal(spec.Args)
	env, _ := json.Marshal(spec.Env)
	cache, _ := json.Marshal(discovered)
	rec := &state.MCPServerRecord{
		ID:          spec.ID,
		Name:        spec.Name,
		Transport:   spec.Transport,
		Command:     spec.Command,
		Args:        string(args),
		Env:         string(env),
		URL:         spec.URL,
		AutoConnect: spec.AutoConnect,
		Enabled:     true,
		ToolCache:   string(cache),
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.UpsertMCPServer(ctx, rec); err != nil {
		m.logger.WithError(err).Warn("failed to persist mcp server", zap.String("server_id", spec.ID))
	}
}

func specFromRecord(rec *state.MCPServerRecord) (ServerSpec, error) {
	spec := ServerSpec{
		ID:          rec.ID,
		Name:        rec.Name,
		Transport:   rec.Transport,
		Command:     rec.Command,
		URL:         rec.URL,
		AutoConnect: rec.AutoConnect,
	}
	if rec.Args != "" {
		if err := json.Unmarshal([]byte(rec.Args), &spec.Args); err != nil {
			return spec, fmt.Errorf("corrupt args: %w", err)
		}
	}
	if rec.Env != "" {
		if err := json.Unmarshal([]byte(rec.Env), &spec.Env); err != nil {
			return spec, fmt.Errorf("corrupt env: %w", err)
		}
	}
	return spec, nil
}

// schemaToMap converts the typed MCP schema into the generic map shape the
// tool surface carries.
func schemaToMap(schema mcptypes.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	return out
}
