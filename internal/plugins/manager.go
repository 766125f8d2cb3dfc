// Package plugins loads per-user plugin bundles and exposes their tools to
// the agent runtime. A bundle is a directory with a manifest.json and one
// handler file per tool; handlers run as subprocesses with JSON on stdin.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/pkg/kernel"
)

const handlerTimeout = 60 * time.Second

// Manifest is the required shape of a bundle's manifest.json.
type Manifest struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Tools       []ManifestTool `json:"tools"`
	Keywords    []string       `json:"keywords,omitempty"`
}

// ManifestTool declares one tool and the handler file implementing it.
type ManifestTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Handler     string         `json:"handler"`
}

// Manager owns plugin installation and per-user bundle loading.
type Manager struct {
	homeRoot string // host dir containing per-user subtrees
	store    *state.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewManager creates the plugin manager. homeRoot is the directory holding
// <uid>/.config/plugins subtrees.
func NewManager(homeRoot string, store *state.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		homeRoot: homeRoot,
		store:    store,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "plugin-manager")),
	}
}

// pluginsDir is a user's plugin bundle root.
func (m *Manager) pluginsDir(uid string) string {
	return filepath.Join(m.homeRoot, uid, ".config", "plugins")
}

// ValidateManifest enforces the required manifest fields.
func ValidateManifest(manifest *Manifest) error {
	if manifest.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if manifest.Version == "" {
		return fmt.Errorf("manifest missing version")
	}
	if manifest.Description == "" {
		return fmt.Errorf("manifest missing description")
	}
	if len(manifest.Tools) == 0 {
		return fmt.Errorf("manifest declares no tools")
	}
	for _, t := range manifest.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool missing name")
		}
		if t.Handler == "" {
			return fmt.Errorf("tool %s missing handler", t.Name)
		}
	}
	return nil
}

// validPluginName rejects names that could escape the bundle root.
func validPluginName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return true
}

// Install writes a bundle under the user's plugin root and registers it.
// handlers maps file names to source text.
func (m *Manager) Install(ctx context.Context, pid uint64, uid string, manifest *Manifest, handlers map[string]string, source string) (string, error) {
	if !validPluginName(manifest.Name) {
		return "", kernel.InvalidArgument("invalid plugin name: %s", manifest.Name)
	}
	if err := ValidateManifest(manifest); err != nil {
		return "", kernel.InvalidArgument("%v", err)
	}

	dir := filepath.Join(m.pluginsDir(uid), manifest.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644); err != nil {
		return "", err
	}
	for name, src := range handlers {
		if !validPluginName(name) {
			return "", kernel.InvalidArgument("invalid handler file name: %s", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o755); err != nil {
			return "", err
		}
	}

	if source == "" {
		source = "local"
	}
	now := time.Now().UTC()
	rec := &state.PluginRecord{
		ID:            manifest.Name,
		OwnerUID:      uid,
		Manifest:      string(raw),
		InstallSource: source,
		Enabled:       true,
		InstalledAt:   now,
		UpdatedAt:     now,
	}
	if err := m.store.UpsertPlugin(ctx, rec); err != nil {
		return "", err
	}

	bus.Emit(ctx, m.eventBus, "plugin-manager", kernel.EvtPluginLoaded, map[string]any{
		"plugin": manifest.Name,
		"uid":    uid,
		"pid":    pid,
		"tools":  len(manifest.Tools),
	})
	m.logger.Info("plugin installed",
		zap.String("plugin", manifest.Name),
		zap.String("uid", uid),
		zap.String("source", source))
	return dir, nil
}

// RegisterManifest records a manifest without writing handler files. Used by
// importers whose tools execute through their own adapters.
func (m *Manager) RegisterManifest(ctx context.Context, uid string, manifest *Manifest, source, installer string) error {
	if err := ValidateManifest(manifest); err != nil {
		return kernel.InvalidArgument("%v", err)
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return m.store.UpsertPlugin(ctx, &state.PluginRecord{
		ID:            manifest.Name,
		OwnerUID:      uid,
		Manifest:      string(raw),
		InstallSource: source,
		Enabled:       true,
		InstalledAt:   now,
		UpdatedAt:     now,
	})
}

// Uninstall removes a plugin's bundle directory and registry row.
func (m *Manager) Uninstall(ctx context.Context, uid, name string) error {
	if !validPluginName(name) {
		return kernel.InvalidArgument("invalid plugin name: %s", name)
	}
	if err := os.RemoveAll(filepath.Join(m.pluginsDir(uid), name)); err != nil {
		return err
	}
	return m.store.DeletePlugin(ctx, name)
}

// List returns all registered plugins.
func (m *Manager) List(ctx context.Context) ([]*state.PluginRecord, error) {
	return m.store.GetAllPlugins(ctx)
}

// LoadForUser scans a user's bundle directory and returns the tools of every
// valid bundle. Invalid bundles emit plugin.error and are skipped.
func (m *Manager) LoadForUser(ctx context.Context, pid uint64, uid string) []tools.Tool {
	root := m.pluginsDir(uid)
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var out []tools.Tool
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		bundleDir := filepath.Join(root, d.Name())
		loaded, err := m.loadBundle(bundleDir)
		if err != nil {
			bus.Emit(ctx, m.eventBus, "plugin-manager", kernel.EvtPluginError, map[string]any{
				"plugin": d.Name(),
				"uid":    uid,
				"pid":    pid,
				"error":  err.Error(),
			})
			m.logger.WithError(err).Warn("skipping invalid plugin bundle",
				zap.String("plugin", d.Name()), zap.String("uid", uid))
			continue
		}
		out = append(out, loaded...)
	}
	return out
}

// loadBundle parses one bundle and builds its tools. The handler path,
// resolved against the bundle directory, must stay inside it.
func (m *Manager) loadBundle(bundleDir string) ([]tools.Tool, error) {
	raw, err := os.ReadFile(filepath.Join(bundleDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := ValidateManifest(&manifest); err != nil {
		return nil, err
	}

	var out []tools.Tool
	for _, mt := range manifest.Tools {
		handlerPath := filepath.Join(bundleDir, filepath.FromSlash(mt.Handler))
		rel, err := filepath.Rel(bundleDir, handlerPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("handler path escapes plugin directory: %s", mt.Handler)
		}
		if _, err := os.Stat(handlerPath); err != nil {
			return nil, fmt.Errorf("handler missing: %s", mt.Handler)
		}
		out = append(out, newHandlerTool(mt, handlerPath))
	}
	return out, nil
}

// newHandlerTool wraps a handler file as a Tool. Arguments are passed as a
// JSON object on stdin; stdout is the observation.
func newHandlerTool(mt ManifestTool, handlerPath string) tools.Tool {
	schema := mt.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &tools.Func{
		ToolName:        mt.Name,
		ToolDescription: mt.Description,
		Schema:          schema,
		Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
			payload, err := json.Marshal(map[string]any{
				"args":   args,
				"pid":    tc.PID,
				"uid":    tc.UID,
				"callId": uuid.New().String(),
			})
			if err != nil {
				return "", err
			}

			runCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, interpreterFor(handlerPath), handlerPath)
			cmd.Dir = filepath.Dir(handlerPath)
			cmd.Stdin = strings.NewReader(string(payload))
			out, err := cmd.CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("handler %s failed: %w: %s", mt.Name, err, strings.TrimSpace(string(out)))
			}
			return string(out), nil
		},
	}
}

func interpreterFor(path string) string {
	switch filepath.Ext(path) {
	case ".js", ".mjs":
		return "node"
	case ".py":
		return "python3"
	default:
		return "sh"
	}
}
