package openclaw

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/pkg/kernel"
)

// BatchResult aggregates one directory-tree import.
type BatchResult struct {
	Imported     []string      `json:"imported"`
	Failed       []BatchFailed `json:"failed"`
	TotalScanned int           `json:"totalScanned"`
}

// BatchFailed is one skill that could not be imported.
type BatchFailed struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Adapter imports skills, registers them as plugin manifests and keeps the
// imported set in the store.
type Adapter struct {
	store    *state.Store
	plugins  *plugins.Manager
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	imported map[string]*Skill
}

// NewAdapter creates the OpenClaw adapter.
func NewAdapter(store *state.Store, pluginMgr *plugins.Manager, eventBus bus.EventBus, log *logger.Logger) *Adapter {
	return &Adapter{
		store:    store,
		plugins:  pluginMgr,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "openclaw-adapter")),
		imported: make(map[string]*Skill),
	}
}

// Import parses, validates and registers one SKILL.md file.
func (a *Adapter) Import(ctx context.Context, uid, path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, kernel.NotFound("skill file not found: %s", path)
	}
	skill, err := ParseSkill(string(content))
	if err != nil {
		return nil, kernel.InvalidArgument("%v", err)
	}
	met := skill.ValidateDependencies()
	for _, w := range skill.Warnings {
		a.logger.Warn("skill dependency warning",
			zap.String("skill", skill.Name), zap.String("warning", w))
	}

	manifest := a.toManifest(skill)
	if err := a.plugins.RegisterManifest(ctx, uid, manifest, "local", "openclaw-importer"); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(skill)
	if err != nil {
		return nil, err
	}
	rec := &state.OpenClawImportRecord{
		SkillID:         skill.Name,
		Skill:           string(raw),
		DependenciesMet: met,
		SourcePath:      path,
		ImportedAt:      time.Now().UTC(),
	}
	if err := a.store.UpsertOpenClawImport(ctx, rec); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.imported[skill.Name] = skill
	a.mu.Unlock()

	bus.Emit(ctx, a.eventBus, "openclaw-adapter", kernel.EvtOpenClawSkillImported, map[string]any{
		"skill":           skill.Name,
		"dependenciesMet": met,
		"warnings":        skill.Warnings,
	})
	return skill, nil
}

// BatchImport imports SKILL.md files from every immediate subdirectory.
func (a *Adapter) BatchImport(ctx context.Context, uid, root string) (*BatchResult, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, kernel.NotFound("skill directory not found: %s", root)
	}

	result := &BatchResult{}
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(root, d.Name(), "SKILL.md")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		result.TotalScanned++
		skill, err := a.Import(ctx, uid, path)
		if err != nil {
			result.Failed = append(result.Failed, BatchFailed{Path: path, Error: err.Error()})
			continue
		}
		result.Imported = append(result.Imported, skill.Name)
	}

	bus.Emit(ctx, a.eventBus, "openclaw-adapter", kernel.EvtOpenClawBatchImported, map[string]any{
		"imported":     result.Imported,
		"failed":       len(result.Failed),
		"totalScanned": result.TotalScanned,
	})
	return result, nil
}

// Remove forgets an imported skill.
func (a *Adapter) Remove(ctx context.Context, skillID string) error {
	a.mu.Lock()
	delete(a.imported, skillID)
	a.mu.Unlock()
	return a.store.DeleteOpenClawImport(ctx, skillID)
}

// ListImported returns the tools contributed by imported skills.
// Instruction skills expose one tool carrying their instructions; command
// skills expose one tool per command.
func (a *Adapter) ListImported() []tools.Tool {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []tools.Tool
	for _, skill := range a.imported {
		out = append(out, skillTools(skill)...)
	}
	return out
}

// ListSkills returns the imported skill set.
func (a *Adapter) ListSkills() []*Skill {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Skill, 0, len(a.imported))
	for _, s := range a.imported {
		out = append(out, s)
	}
	return out
}

// Restore loads imported skills from the store. Corrupt rows are skipped.
func (a *Adapter) Restore(ctx context.Context) {
	recs, err := a.store.GetAllOpenClawImports(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("openclaw restore failed")
		return
	}
	for _, rec := range recs {
		var skill Skill
		if err := json.Unmarshal([]byte(rec.Skill), &skill); err != nil || skill.Name == "" {
			a.logger.Warn("skipping corrupt openclaw import row",
				zap.String("skill_id", rec.SkillID))
			continue
		}
		a.mu.Lock()
		a.imported[skill.Name] = &skill
		a.mu.Unlock()
	}
	a.logger.Info("openclaw skills restored", zap.Int("count", len(recs)))
}

func (a *Adapter) toManifest(skill *Skill) *plugins.Manifest {
	manifest := &plugins.Manifest{
		Name:        skill.Name,
		Version:     "1.0.0",
		Description: skill.Description,
	}
	if manifest.Description == "" {
		manifest.Description = "OpenClaw skill " + skill.Name
	}
	if len(skill.Commands) == 0 {
		manifest.Tools = []plugins.ManifestTool{{
			Name:        skill.Name,
			Description: manifest.Description,
			Handler:     "SKILL.md",
		}}
		return manifest
	}
	for _, cmd := range skill.Commands {
		manifest.Tools = append(manifest.Tools, plugins.ManifestTool{
			Name:        fmt.Sprintf("%s_%s", skill.Name, cmd.Name),
			Description: cmd.Description,
			Handler:     "SKILL.md",
		})
	}
	return manifest
}

func skillTools(skill *Skill) []tools.Tool {
	schema := map[string]any{"type": "object"}
	if len(skill.Commands) == 0 {
		s := skill
		return []tools.Tool{&tools.Func{
			ToolName:        s.Name,
			ToolDescription: s.Description,
			Schema:          schema,
			Fn: func(_ context.Context, _ map[string]any, _ tools.Context) (string, error) {
				return s.Instructions, nil
			},
		}}
	}
	var out []tools.Tool
	for _, cmd := range skill.Commands {
		s, c := skill, cmd
		out = append(out, &tools.Func{
			ToolName:        fmt.Sprintf("%s_%s", s.Name, c.Name),
			ToolDescription: c.Description,
			Schema:          schema,
			Fn: func(_ context.Context, _ map[string]any, _ tools.Context) (string, error) {
				return fmt.Sprintf("%s\n\nCommand: %s\n%s", s.Instructions, c.Name, c.Description), nil
			},
		})
	}
	return out
}
