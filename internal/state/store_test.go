package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	s, err := OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestProcessJournalRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &ProcessRecord{
		PID:       1,
		UID:       "u1",
		OwnerUID:  "u1",
		Name:      "coder",
		Role:      "Coder",
		Goal:      "print hello",
		State:     StateCreated,
		Cwd:       "/tmp",
		CreatedAt: now,
	}
	require.NoError(t, s.InsertProcess(ctx, rec))

	got, err := s.GetProcess(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "coder", got.Name)
	assert.Equal(t, StateCreated, got.State)

	require.NoError(t, s.UpdateProcessState(ctx, 1, StateRunning))
	require.NoError(t, s.MarkProcessExited(ctx, 1, StateDead, 0, now))
	got, err = s.GetProcess(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateDead, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	_, err = s.GetProcess(ctx, 99)
	assert.Equal(t, ErrNotFound, err)
}

func TestMaxPID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	max, err := s.MaxPID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), max)

	for _, pid := range []uint64{1, 5, 3} {
		require.NoError(t, s.InsertProcess(ctx, &ProcessRecord{
			PID: pid, UID: "u1", OwnerUID: "u1", Name: "p",
			State: StateDead, CreatedAt: time.Now().UTC(),
		}))
	}
	max, err = s.MaxPID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), max)
}

func TestAgentLogStepsAreDense(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertProcess(ctx, &ProcessRecord{
		PID: 2, UID: "u1", OwnerUID: "u1", Name: "p",
		State: StateRunning, CreatedAt: time.Now().UTC(),
	}))
	for step := 1; step <= 3; step++ {
		require.NoError(t, s.AppendAgentLog(ctx, &AgentLog{
			PID: 2, Step: step, Phase: "thinking", Content: "step",
			Timestamp: time.Now().UTC(),
		}))
	}

	logs, err := s.GetAgentLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, i+1, l.Step)
	}

	// (pid, step) is unique: a second row for an existing step is rejected.
	err = s.AppendAgentLog(ctx, &AgentLog{
		PID: 2, Step: 2, Phase: "observing", Content: "dup",
		Timestamp: time.Now().UTC(),
	})
	require.Error(t, err)
	logs, err = s.GetAgentLogs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestOrgCascadeDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	owner := &User{ID: "u-owner", Username: "owner", PasswordHash: "x", Role: "user", CreatedAt: time.Now().UTC()}
	member := &User{ID: "u-member", Username: "member", PasswordHash: "x", Role: "user", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.InsertUser(ctx, owner))
	require.NoError(t, s.InsertUser(ctx, member))

	org := &Org{ID: "org-1", Name: "acme", OwnerUID: owner.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.InsertOrg(ctx, org))

	// Owner membership is written with the org row.
	m, err := s.GetOrgMember(ctx, "org-1", owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner", m.Role)

	require.NoError(t, s.UpsertOrgMember(ctx, &OrgMember{OrgID: "org-1", UserID: member.ID, Role: "viewer"}))
	require.NoError(t, s.InsertTeam(ctx, &Team{ID: "team-1", OrgID: "org-1", Name: "core"}))
	require.NoError(t, s.UpsertTeamMember(ctx, &TeamMember{TeamID: "team-1", UserID: member.ID}))

	require.NoError(t, s.DeleteOrg(ctx, "org-1"))

	_, err = s.GetOrg(ctx, "org-1")
	assert.Equal(t, ErrNotFound, err)
	_, err = s.GetOrgMember(ctx, "org-1", owner.ID)
	assert.Equal(t, ErrNotFound, err)
	_, err = s.GetTeam(ctx, "team-1")
	assert.Equal(t, ErrNotFound, err)
	members, err := s.GetTeamMembers(ctx, "team-1")
	require.NoError(t, err)
	assert.Empty(t, members)

	assert.Equal(t, ErrNotFound, s.DeleteOrg(ctx, "org-1"))
}

func TestTokenExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := &User{ID: "u1", Username: "a", PasswordHash: "x", Role: "user", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.InsertUser(ctx, u))

	now := time.Now().UTC()
	require.NoError(t, s.InsertToken(ctx, &Token{Token: "live", UserID: "u1", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.InsertToken(ctx, &Token{Token: "stale", UserID: "u1", ExpiresAt: now.Add(-time.Hour)}))

	n, err := s.PruneExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetToken(ctx, "stale")
	assert.Equal(t, ErrNotFound, err)
	tok, err := s.GetToken(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "u1", tok.UserID)
}

func TestCronJobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &CronJobRecord{
		ID: "job-1", Name: "nightly", Expression: "0 3 * * *",
		AgentConfig: `{"goal":"tidy"}`, Enabled: true, OwnerUID: "u1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertCronJob(ctx, rec))

	got, err := s.GetCronJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.Expression)
	assert.True(t, got.Enabled)

	require.NoError(t, s.SetCronJobEnabled(ctx, "job-1", false))
	got, err = s.GetCronJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.DeleteCronJob(ctx, "job-1"))
	_, err = s.GetCronJob(ctx, "job-1")
	assert.Equal(t, ErrNotFound, err)
}

func TestPluginEnableDisable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &PluginRecord{
		ID: "plug-1", OwnerUID: "u1", Manifest: `{"name":"weather"}`,
		InstallSource: "local", Enabled: true,
		InstalledAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertPlugin(ctx, rec))
	require.NoError(t, s.SetPluginEnabled(ctx, "plug-1", false))

	all, err := s.GetAllPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Enabled)

	assert.Equal(t, ErrNotFound, s.SetPluginEnabled(ctx, "missing", true))
}

func TestIntegrationLogAppend(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &IntegrationRecord{
		ID: "int-1", Type: "s3", Name: "backups",
		Credentials: "sealed", Status: "registered", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertIntegration(ctx, rec))

	for _, status := range []string{"ok", "error"} {
		require.NoError(t, s.AppendIntegrationLog(ctx, &IntegrationLog{
			IntegrationID: "int-1", Action: "listObjects", Status: status,
			Timestamp: time.Now().UTC(),
		}))
	}
	logs, err := s.GetIntegrationLogs(ctx, "int-1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	require.NoError(t, s.DeleteIntegration(ctx, "int-1"))
	logs, err = s.GetIntegrationLogs(ctx, "int-1", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMetricsWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordMetric(ctx, &KernelMetric{
			Timestamp: base.Add(time.Duration(i) * time.Second), ProcessCount: i,
		}))
	}
	got, err := s.GetRecentMetrics(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
