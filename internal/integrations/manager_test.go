package integrations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/secrets"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

// fakeProvider records calls and returns canned results.
type fakeProvider struct {
	testErr   error
	lastCreds map[string]string
	calls     []string
}

func (f *fakeProvider) Type() string      { return "fake" }
func (f *fakeProvider) Actions() []string { return []string{"ping"} }
func (f *fakeProvider) Test(ctx context.Context, creds map[string]string) error {
	f.lastCreds = creds
	return f.testErr
}
func (f *fakeProvider) Execute(ctx context.Context, creds map[string]string, action string, params map[string]any) (any, error) {
	f.lastCreds = creds
	f.calls = append(f.calls, action)
	if action != "ping" {
		return nil, errors.New("unknown action")
	}
	return map[string]any{"pong": true}, nil
}

func testIntegrations(t *testing.T) (*Manager, *fakeProvider, *state.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store, err := state.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown() })
	provider, err := secrets.NewMasterKeyProvider(t.TempDir(), "test-secret")
	require.NoError(t, err)

	m := NewManager(store, secrets.NewBox(provider), log)
	fake := &fakeProvider{}
	m.AddProvider(fake)
	return m, fake, store
}

func TestRegisterSealsCredentials(t *testing.T) {
	m, _, store := testIntegrations(t)
	ctx := context.Background()

	rec, err := m.Register(ctx, RegisterSpec{
		Type:        "fake",
		Name:        "primary",
		Credentials: map[string]string{"apiKey": "super-secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "registered", rec.Status)

	stored, err := store.GetIntegration(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Credentials, "super-secret")
}

func TestRegisterValidation(t *testing.T) {
	m, _, _ := testIntegrations(t)
	ctx := context.Background()

	_, err := m.Register(ctx, RegisterSpec{Type: "unknown", Name: "x"})
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)

	_, err = m.Register(ctx, RegisterSpec{Type: "fake", Name: ""})
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)
}

func TestExecuteUnsealsAndJournals(t *testing.T) {
	m, fake, _ := testIntegrations(t)
	ctx := context.Background()

	rec, err := m.Register(ctx, RegisterSpec{
		Type:        "fake",
		Name:        "primary",
		Credentials: map[string]string{"apiKey": "k123"},
	})
	require.NoError(t, err)

	out, err := m.Execute(ctx, rec.ID, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pong": true}, out)
	assert.Equal(t, map[string]string{"apiKey": "k123"}, fake.lastCreds)

	_, err = m.Execute(ctx, rec.ID, "explode", nil)
	require.Error(t, err)

	logs, err := m.GetLogs(ctx, rec.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	statuses := map[string]bool{}
	for _, l := range logs {
		statuses[l.Status] = true
	}
	assert.True(t, statuses["ok"])
	assert.True(t, statuses["error"])
}

func TestTestUpdatesStatus(t *testing.T) {
	m, fake, store := testIntegrations(t)
	ctx := context.Background()

	rec, err := m.Register(ctx, RegisterSpec{
		Type: "fake", Name: "primary", Credentials: map[string]string{},
	})
	require.NoError(t, err)

	result, err := m.Test(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	stored, err := store.GetIntegration(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", stored.Status)

	fake.testErr = errors.New("connection refused")
	result, err = m.Test(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "connection refused")
	stored, err = store.GetIntegration(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", stored.Status)
}

func TestExecuteUnknownIntegration(t *testing.T) {
	m, _, _ := testIntegrations(t)
	_, err := m.Execute(context.Background(), "missing", "ping", nil)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeNotFound, kernel.AsError(err).Code)
}

func TestDeleteRemovesIntegrationAndLogs(t *testing.T) {
	m, _, _ := testIntegrations(t)
	ctx := context.Background()

	rec, err := m.Register(ctx, RegisterSpec{
		Type: "fake", Name: "primary", Credentials: map[string]string{},
	})
	require.NoError(t, err)
	_, err = m.Execute(ctx, rec.ID, "ping", nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, rec.ID))
	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	logs, err := m.GetLogs(ctx, rec.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
