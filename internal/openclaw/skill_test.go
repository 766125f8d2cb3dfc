package openclaw

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/state"
)

const weatherSkill = `---
name: weather
description: Look up current weather
emoji: "🌤"
homepage: https://example.com/weather
dependencies:
  bins:
    - curl
---
# Weather

Fetch the weather with curl.
`

const deploySkill = `---
name: deploy
description: Deployment helpers
commands:
  - name: staging
    description: Deploy to staging
  - name: production
    description: Deploy to production
---
Deployment instructions here.
`

func TestParseSkillInstructionForm(t *testing.T) {
	skill, err := ParseSkill(weatherSkill)
	require.NoError(t, err)
	assert.Equal(t, "weather", skill.Name)
	assert.Equal(t, "Look up current weather", skill.Description)
	assert.Empty(t, skill.Commands)
	assert.Equal(t, []string{"curl"}, skill.Dependencies.Bins)
	assert.Contains(t, skill.Instructions, "Fetch the weather")

	// Unknown frontmatter keys survive as keywords.
	require.NotNil(t, skill.Keywords)
	assert.Contains(t, skill.Keywords, "emoji")
	assert.Contains(t, skill.Keywords, "homepage")
}

func TestParseSkillCommandForm(t *testing.T) {
	skill, err := ParseSkill(deploySkill)
	require.NoError(t, err)
	require.Len(t, skill.Commands, 2)
	assert.Equal(t, "staging", skill.Commands[0].Name)
	assert.Nil(t, skill.Keywords)
}

func TestParseSkillRejectsBadInput(t *testing.T) {
	_, err := ParseSkill("no frontmatter at all")
	assert.Error(t, err)

	_, err = ParseSkill("---\nname: x\nno terminator")
	assert.Error(t, err)

	_, err = ParseSkill("---\ndescription: nameless\n---\nbody")
	assert.Error(t, err)
}

func TestValidateDependencies(t *testing.T) {
	skill := &Skill{Dependencies: SkillDependencies{Bins: []string{"sh"}}}
	assert.True(t, skill.ValidateDependencies())
	assert.Empty(t, skill.Warnings)

	skill = &Skill{Dependencies: SkillDependencies{Bins: []string{"definitely-not-a-real-binary-xyz"}}}
	assert.False(t, skill.ValidateDependencies())
	require.Len(t, skill.Warnings, 1)
	assert.Contains(t, skill.Warnings[0], "required binary not found")

	// An OS mismatch warns but does not clear met.
	skill = &Skill{Dependencies: SkillDependencies{OS: []string{"plan9"}}}
	assert.True(t, skill.ValidateDependencies())
	assert.Len(t, skill.Warnings, 1)
}

func testAdapter(t *testing.T) (*Adapter, *state.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store, err := state.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown() })
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	pluginMgr := plugins.NewManager(t.TempDir(), store, eventBus, log)
	return NewAdapter(store, pluginMgr, eventBus, log), store
}

func writeSkill(t *testing.T, dir, name, content string) string {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	path := filepath.Join(skillDir, "SKILL.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportRegistersSkillTools(t *testing.T) {
	a, _ := testAdapter(t)
	ctx := context.Background()

	path := writeSkill(t, t.TempDir(), "deploy", deploySkill)
	skill, err := a.Import(ctx, "u1", path)
	require.NoError(t, err)
	assert.Equal(t, "deploy", skill.Name)

	names := map[string]bool{}
	for _, tool := range a.ListImported() {
		names[tool.Name()] = true
	}
	assert.True(t, names["deploy_staging"])
	assert.True(t, names["deploy_production"])
}

func TestReimportIsIdempotent(t *testing.T) {
	a, store := testAdapter(t)
	ctx := context.Background()

	path := writeSkill(t, t.TempDir(), "weather", weatherSkill)
	_, err := a.Import(ctx, "u1", path)
	require.NoError(t, err)
	_, err = a.Import(ctx, "u1", path)
	require.NoError(t, err)

	recs, err := store.GetAllOpenClawImports(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Len(t, a.ListSkills(), 1)
}

func TestBatchImportCollectsFailures(t *testing.T) {
	a, _ := testAdapter(t)
	ctx := context.Background()
	root := t.TempDir()

	writeSkill(t, root, "weather", weatherSkill)
	writeSkill(t, root, "broken", "---\ndescription: nameless\n---\nbody")

	result, err := a.BatchImport(ctx, "u1", root)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalScanned)
	assert.Equal(t, []string{"weather"}, result.Imported)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Error, "name")
}

func TestRestoreReloadsImportedSkills(t *testing.T) {
	a, store := testAdapter(t)
	ctx := context.Background()

	path := writeSkill(t, t.TempDir(), "weather", weatherSkill)
	_, err := a.Import(ctx, "u1", path)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	fresh := NewAdapter(store, plugins.NewManager(t.TempDir(), store, eventBus, log), eventBus, log)
	fresh.Restore(ctx)
	assert.Len(t, fresh.ListSkills(), 1)

	require.NoError(t, fresh.Remove(ctx, "weather"))
	assert.Empty(t, fresh.ListSkills())
	recs, err := store.GetAllOpenClawImports(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
