package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/pkg/kernel"
)

func testPlugins(t *testing.T) (*Manager, *state.Store, *bus.MemoryEventBus, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store, err := state.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown() })
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	home := t.TempDir()
	return NewManager(home, store, eventBus, log), store, eventBus, home
}

func weatherManifest() *Manifest {
	return &Manifest{
		Name:        "weather",
		Version:     "1.0.0",
		Description: "Weather lookups",
		Tools: []ManifestTool{{
			Name:        "weather.lookup",
			Description: "Look up the weather",
			Handler:     "lookup.sh",
		}},
	}
}

func TestInstallAndLoad(t *testing.T) {
	m, store, _, home := testPlugins(t)
	ctx := context.Background()

	dir, err := m.Install(ctx, 1, "u1", weatherManifest(),
		map[string]string{"lookup.sh": "#!/bin/sh\necho sunny\n"}, "local")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "u1", ".config", "plugins", "weather"), dir)

	recs, err := store.GetAllPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "weather", recs[0].ID)
	assert.True(t, recs[0].Enabled)

	loaded := m.LoadForUser(ctx, 1, "u1")
	require.Len(t, loaded, 1)
	assert.Equal(t, "weather.lookup", loaded[0].Name())

	// Other users do not see the bundle.
	assert.Empty(t, m.LoadForUser(ctx, 1, "u2"))
}

func TestInstallIsIdempotent(t *testing.T) {
	m, store, _, _ := testPlugins(t)
	ctx := context.Background()

	handlers := map[string]string{"lookup.sh": "echo v1"}
	_, err := m.Install(ctx, 1, "u1", weatherManifest(), handlers, "local")
	require.NoError(t, err)

	mf := weatherManifest()
	mf.Version = "1.1.0"
	_, err = m.Install(ctx, 1, "u1", mf, map[string]string{"lookup.sh": "echo v2"}, "local")
	require.NoError(t, err)

	recs, err := store.GetAllPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Manifest, "1.1.0")
}

func TestInstallRejectsBadNames(t *testing.T) {
	m, _, _, _ := testPlugins(t)
	ctx := context.Background()

	for _, name := range []string{"", "../evil", "a/b", `a\b`} {
		mf := weatherManifest()
		mf.Name = name
		_, err := m.Install(ctx, 1, "u1", mf, nil, "local")
		require.Error(t, err, name)
		assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)
	}

	mf := weatherManifest()
	_, err := m.Install(ctx, 1, "u1", mf, map[string]string{"../escape.sh": "echo"}, "local")
	require.Error(t, err)
}

func TestManifestValidation(t *testing.T) {
	require.NoError(t, ValidateManifest(weatherManifest()))

	mf := weatherManifest()
	mf.Version = ""
	assert.Error(t, ValidateManifest(mf))

	mf = weatherManifest()
	mf.Tools = nil
	assert.Error(t, ValidateManifest(mf))

	mf = weatherManifest()
	mf.Tools[0].Handler = ""
	assert.Error(t, ValidateManifest(mf))
}

func TestLoadSkipsBrokenBundles(t *testing.T) {
	m, _, eventBus, home := testPlugins(t)
	ctx := context.Background()

	var errors int
	_, err := eventBus.Subscribe(kernel.EvtPluginError, func(ctx context.Context, e *bus.Event) error {
		errors++
		return nil
	})
	require.NoError(t, err)

	_, err = m.Install(ctx, 1, "u1", weatherManifest(),
		map[string]string{"lookup.sh": "echo sunny"}, "local")
	require.NoError(t, err)

	// A bundle whose manifest names a missing handler is skipped, not fatal.
	broken := filepath.Join(home, "u1", ".config", "plugins", "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "manifest.json"),
		[]byte(`{"name":"broken","version":"1.0.0","description":"x","tools":[{"name":"t","description":"d","handler":"gone.sh"}]}`), 0o644))

	loaded := m.LoadForUser(ctx, 1, "u1")
	require.Len(t, loaded, 1)
	assert.Equal(t, "weather.lookup", loaded[0].Name())
	assert.Equal(t, 1, errors)
}

func TestLoadRejectsEscapingHandlerPath(t *testing.T) {
	m, _, _, home := testPlugins(t)
	ctx := context.Background()

	dir := filepath.Join(home, "u1", ".config", "plugins", "sneaky")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"),
		[]byte(`{"name":"sneaky","version":"1.0.0","description":"x","tools":[{"name":"t","description":"d","handler":"../../../../etc/passwd"}]}`), 0o644))

	assert.Empty(t, m.LoadForUser(ctx, 1, "u1"))
}

func TestUninstall(t *testing.T) {
	m, store, _, home := testPlugins(t)
	ctx := context.Background()

	_, err := m.Install(ctx, 1, "u1", weatherManifest(),
		map[string]string{"lookup.sh": "echo"}, "local")
	require.NoError(t, err)

	require.NoError(t, m.Uninstall(ctx, "u1", "weather"))
	_, statErr := os.Stat(filepath.Join(home, "u1", ".config", "plugins", "weather"))
	assert.True(t, os.IsNotExist(statErr))

	recs, err := store.GetAllPlugins(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Uninstalling again is harmless for the bundle dir.
	err = m.Uninstall(ctx, "u1", "../weather")
	require.Error(t, err)
}

func TestHandlerToolExecutes(t *testing.T) {
	m, _, _, _ := testPlugins(t)
	ctx := context.Background()

	_, err := m.Install(ctx, 1, "u1", weatherManifest(),
		map[string]string{"lookup.sh": "#!/bin/sh\nprintf sunny\n"}, "local")
	require.NoError(t, err)

	loaded := m.LoadForUser(ctx, 1, "u1")
	require.Len(t, loaded, 1)

	out, err := loaded[0].Execute(ctx, map[string]any{"city": "berlin"},
		tools.Context{PID: 1, UID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "sunny", out)
}
