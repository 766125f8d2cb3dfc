// Package auth implements accounts, session tokens, orgs, teams and the
// role-based permission checks used by the command dispatcher.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

// Manager owns all auth decisions. Mutations go straight to the store;
// permission checks read through it so role changes apply immediately.
type Manager struct {
	store         *state.Store
	logger        *logger.Logger
	tokenDuration time.Duration
}

// NewManager creates the auth manager. tokenDuration bounds session lifetime.
func NewManager(store *state.Store, tokenDuration time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		store:         store,
		logger:        log.WithFields(zap.String("component", "auth-manager")),
		tokenDuration: tokenDuration,
	}
}

// EnsureDefaultAdmin creates the bootstrap admin account on first boot.
func (m *Manager) EnsureDefaultAdmin(ctx context.Context, username, password string) error {
	n, err := m.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = m.CreateUser(ctx, username, password, "Administrator", "admin")
	if err != nil {
		return err
	}
	m.logger.Info("created default admin account", zap.String("username", username))
	return nil
}

// CreateUser registers an account. Passwords are bcrypt-hashed with a
// per-user salt.
func (m *Manager) CreateUser(ctx context.Context, username, password, displayName, role string) (*state.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, kernel.InvalidArgument("username must not be empty")
	}
	if password == "" {
		return nil, kernel.InvalidArgument("password must not be empty")
	}
	if role != "admin" && role != "user" {
		role = "user"
	}
	if _, err := m.store.GetUserByUsername(ctx, username); err == nil {
		return nil, kernel.Conflict("username already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &state.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.InsertUser(ctx, u); err != nil {
		return nil, kernel.Conflict("username already taken")
	}
	return u, nil
}

// Login verifies credentials and issues an opaque token with absolute expiry.
func (m *Manager) Login(ctx context.Context, username, password string) (string, *state.User, error) {
	u, err := m.store.GetUserByUsername(ctx, username)
	if err != nil {
		// Same error as a bad password so usernames cannot be probed.
		return "", nil, kernel.Unauthorized("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, kernel.Unauthorized("invalid credentials")
	}
	token := uuid.New().String()
	rec := &state.Token{
		Token:     token,
		UserID:    u.ID,
		ExpiresAt: time.Now().UTC().Add(m.tokenDuration),
	}
	if err := m.store.InsertToken(ctx, rec); err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// Logout revokes a token. Revoking an unknown token is not an error.
func (m *Manager) Logout(ctx context.Context, token string) error {
	return m.store.DeleteToken(ctx, token)
}

// ValidateToken resolves a token to its user, or nil when the token is
// missing, unknown or expired.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*state.User, error) {
	if token == "" {
		return nil, nil
	}
	rec, err := m.store.GetToken(ctx, token)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if time.Now().UTC().After(rec.ExpiresAt) {
		_ = m.store.DeleteToken(ctx, token)
		return nil, nil
	}
	u, err := m.store.GetUser(ctx, rec.UserID)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// HasPermission resolves whether a user may perform an action. The system
// admin role bypasses all checks. With an orgId the user's membership role
// drives the matrix; without one, permissive mode applies only while zero
// orgs exist.
func (m *Manager) HasPermission(ctx context.Context, userID, permission, orgID string) (bool, error) {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		if err == state.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if u.Role == "admin" {
		return true, nil
	}
	if orgID != "" {
		member, err := m.store.GetOrgMember(ctx, orgID, userID)
		if err != nil {
			if err == state.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return roleAllows(member.Role, permission), nil
	}
	n, err := m.store.CountOrgs(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return false, nil
}

// CreateOrg creates an org owned by ownerUID. Exactly one owner membership
// is written alongside the org row.
func (m *Manager) CreateOrg(ctx context.Context, name, displayName, ownerUID string) (*state.Org, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, kernel.InvalidArgument("org name must not be empty")
	}
	org := &state.Org{
		ID:          uuid.New().String(),
		Name:        name,
		DisplayName: displayName,
		OwnerUID:    ownerUID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.InsertOrg(ctx, org); err != nil {
		return nil, kernel.Conflict("org name already taken")
	}
	return org, nil
}

// DeleteOrg removes an org with all its memberships and teams.
func (m *Manager) DeleteOrg(ctx context.Context, orgID string) error {
	if err := m.store.DeleteOrg(ctx, orgID); err != nil {
		if err == state.ErrNotFound {
			return kernel.NotFound("org not found")
		}
		return err
	}
	return nil
}

// ListOrgs returns every org.
func (m *Manager) ListOrgs(ctx context.Context) ([]*state.Org, error) {
	return m.store.GetAllOrgs(ctx)
}

// AddOrgMember adds a user to an org or changes their role. The owner role
// is reserved for the org creator.
func (m *Manager) AddOrgMember(ctx context.Context, orgID, userID, role string) error {
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		if err == state.ErrNotFound {
			return kernel.NotFound("org not found")
		}
		return err
	}
	if role == RoleOwner && userID != org.OwnerUID {
		return kernel.InvalidArgument("owner role cannot be assigned")
	}
	if !validOrgRole(role) {
		return kernel.InvalidArgument("unknown org role: %s", role)
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		if err == state.ErrNotFound {
			return kernel.NotFound("user not found")
		}
		return err
	}
	return m.store.UpsertOrgMember(ctx, &state.OrgMember{OrgID: orgID, UserID: userID, Role: role})
}

// RemoveOrgMember removes a user from an org. The owner cannot be removed.
func (m *Manager) RemoveOrgMember(ctx context.Context, orgID, userID string) error {
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		if err == state.ErrNotFound {
			return kernel.NotFound("org not found")
		}
		return err
	}
	if userID == org.OwnerUID {
		return kernel.Forbidden("org owner cannot be removed")
	}
	if err := m.store.DeleteOrgMember(ctx, orgID, userID); err != nil {
		if err == state.ErrNotFound {
			return kernel.NotFound("membership not found")
		}
		return err
	}
	return nil
}

// CreateTeam creates a team inside an org.
func (m *Manager) CreateTeam(ctx context.Context, orgID, name string) (*state.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, kernel.InvalidArgument("team name must not be empty")
	}
	if _, err := m.store.GetOrg(ctx, orgID); err != nil {
		if err == state.ErrNotFound {
			return nil, kernel.NotFound("org not found")
		}
		return nil, err
	}
	team := &state.Team{ID: uuid.New().String(), OrgID: orgID, Name: name}
	if err := m.store.InsertTeam(ctx, team); err != nil {
		return nil, kernel.Conflict("team name already taken in org")
	}
	return team, nil
}

// DeleteTeam removes a team and its memberships.
func (m *Manager) DeleteTeam(ctx context.Context, teamID string) error {
	return m.store.DeleteTeam(ctx, teamID)
}

// AddTeamMember adds a user to a team. The user must belong to the team's org.
func (m *Manager) AddTeamMember(ctx context.Context, teamID, userID string) error {
	team, err := m.store.GetTeam(ctx, teamID)
	if err != nil {
		if err == state.ErrNotFound {
			return kernel.NotFound("team not found")
		}
		return err
	}
	if _, err := m.store.GetOrgMember(ctx, team.OrgID, userID); err != nil {
		if err == state.ErrNotFound {
			return kernel.InvalidArgument("user is not a member of the team's org")
		}
		return err
	}
	return m.store.UpsertTeamMember(ctx, &state.TeamMember{TeamID: teamID, UserID: userID})
}

// RemoveTeamMember removes a user from a team.
func (m *Manager) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	return m.store.DeleteTeamMember(ctx, teamID, userID)
}

func validOrgRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleViewer:
		return true
	}
	return false
}
