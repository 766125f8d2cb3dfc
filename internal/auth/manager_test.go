package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store, err := state.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown() })
	return NewManager(store, time.Hour, log)
}

func TestLoginFlow(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.CreateUser(ctx, "alice", "secret", "Alice", "user")
	require.NoError(t, err)

	token, user, err := m.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, "alice", user.Username)

	got, err := m.ValidateToken(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, user.ID, got.ID)

	require.NoError(t, m.Logout(ctx, token))
	got, err = m.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	_, err := m.CreateUser(ctx, "alice", "secret", "", "user")
	require.NoError(t, err)

	// Unknown user and wrong password yield the same message.
	_, _, errUser := m.Login(ctx, "nobody", "secret")
	_, _, errPass := m.Login(ctx, "alice", "wrong")
	require.Error(t, errUser)
	require.Error(t, errPass)
	assert.Equal(t, errUser.Error(), errPass.Error())
}

func TestCreateUserValidation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.CreateUser(ctx, "", "pw", "", "user")
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)

	_, err = m.CreateUser(ctx, "bob", "pw", "", "user")
	require.NoError(t, err)
	_, err = m.CreateUser(ctx, "bob", "pw2", "", "user")
	require.Error(t, err)
	assert.Equal(t, kernel.CodeConflict, kernel.AsError(err).Code)

	// Unknown system roles collapse to user.
	u, err := m.CreateUser(ctx, "carol", "pw", "", "superuser")
	require.NoError(t, err)
	assert.Equal(t, "user", u.Role)
}

func TestEnsureDefaultAdminOnlyOnFirstBoot(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.EnsureDefaultAdmin(ctx, "admin", "admin123"))
	token, user, err := m.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, "admin", user.Role)

	// Second boot with existing users is a no-op.
	require.NoError(t, m.EnsureDefaultAdmin(ctx, "admin2", "other"))
	_, _, err = m.Login(ctx, "admin2", "other")
	assert.Error(t, err)
}

func TestAdminBypassesAllChecks(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.EnsureDefaultAdmin(ctx, "admin", "admin123"))
	_, admin, err := m.Login(ctx, "admin", "admin123")
	require.NoError(t, err)

	owner, err := m.CreateUser(ctx, "owner", "pw", "", "user")
	require.NoError(t, err)
	org, err := m.CreateOrg(ctx, "acme", "Acme", owner.ID)
	require.NoError(t, err)

	for _, perm := range []string{PermOrgDelete, PermAgentsSpawn, PermFSWrite, PermPluginsManage} {
		ok, err := m.HasPermission(ctx, admin.ID, perm, org.ID)
		require.NoError(t, err)
		assert.True(t, ok, perm)
	}
}

func TestViewerCannotSpawn(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	owner, err := m.CreateUser(ctx, "owner", "pw", "", "user")
	require.NoError(t, err)
	viewer, err := m.CreateUser(ctx, "viewer", "pw", "", "user")
	require.NoError(t, err)

	org, err := m.CreateOrg(ctx, "acme", "Acme", owner.ID)
	require.NoError(t, err)
	require.NoError(t, m.AddOrgMember(ctx, org.ID, viewer.ID, RoleViewer))

	ok, err := m.HasPermission(ctx, viewer.ID, PermAgentsSpawn, org.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.HasPermission(ctx, viewer.ID, PermAgentsView, org.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.HasPermission(ctx, viewer.ID, PermFSRead, org.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.HasPermission(ctx, viewer.ID, PermFSWrite, org.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPermissiveModeWithZeroOrgs(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	u, err := m.CreateUser(ctx, "solo", "pw", "", "user")
	require.NoError(t, err)

	// No orgs exist yet: everything is allowed.
	ok, err := m.HasPermission(ctx, u.ID, PermAgentsSpawn, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Once an org exists, org-less checks deny non-admins.
	owner, err := m.CreateUser(ctx, "owner", "pw", "", "user")
	require.NoError(t, err)
	_, err = m.CreateOrg(ctx, "acme", "Acme", owner.ID)
	require.NoError(t, err)

	ok, err = m.HasPermission(ctx, u.ID, PermAgentsSpawn, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOwnerCannotBeRemoved(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	owner, err := m.CreateUser(ctx, "owner", "pw", "", "user")
	require.NoError(t, err)
	org, err := m.CreateOrg(ctx, "acme", "Acme", owner.ID)
	require.NoError(t, err)

	err = m.RemoveOrgMember(ctx, org.ID, owner.ID)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeForbidden, kernel.AsError(err).Code)

	// The owner role cannot be handed to someone else.
	other, err := m.CreateUser(ctx, "other", "pw", "", "user")
	require.NoError(t, err)
	err = m.AddOrgMember(ctx, org.ID, other.ID, RoleOwner)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)
}

func TestTeamMembershipRequiresOrgMembership(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	owner, err := m.CreateUser(ctx, "owner", "pw", "", "user")
	require.NoError(t, err)
	outsider, err := m.CreateUser(ctx, "outsider", "pw", "", "user")
	require.NoError(t, err)

	org, err := m.CreateOrg(ctx, "acme", "Acme", owner.ID)
	require.NoError(t, err)
	team, err := m.CreateTeam(ctx, org.ID, "core")
	require.NoError(t, err)

	err = m.AddTeamMember(ctx, team.ID, outsider.ID)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)

	require.NoError(t, m.AddOrgMember(ctx, org.ID, outsider.ID, RoleMember))
	require.NoError(t, m.AddTeamMember(ctx, team.ID, outsider.ID))
}

func TestRoleMatrix(t *testing.T) {
	assert.True(t, roleAllows(RoleOwner, PermOrgDelete))
	assert.False(t, roleAllows(RoleAdmin, PermOrgDelete))
	assert.True(t, roleAllows(RoleManager, PermTeamsManage))
	assert.False(t, roleAllows(RoleMember, PermMembersInvite))
	assert.False(t, roleAllows(RoleViewer, PermFSWrite))
	assert.False(t, roleAllows("stranger", PermOrgView))
}
