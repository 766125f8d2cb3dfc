package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// User, token, org and team persistence backing the auth manager.

// InsertUser creates a new account row. A UNIQUE violation on username
// surfaces as the driver error; the auth layer maps it to a conflict.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, display_name, role, created_at)
		VALUES (:id, :username, :password_hash, :display_name, :role, :created_at)`, u)
	return err
}

// GetUser fetches an account by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername fetches an account by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAllUsers lists every account.
func (s *Store) GetAllUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	err := s.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY created_at`)
	return users, err
}

// CountUsers returns the number of accounts. Zero means first-boot.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// InsertToken persists a freshly issued session token.
func (s *Store) InsertToken(ctx context.Context, t *Token) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tokens (token, user_id, expires_at)
		VALUES (:token, :user_id, :expires_at)`, t)
	return err
}

// GetToken fetches a token row. Expired tokens are still returned; the
// caller checks expiry.
func (s *Store) GetToken(ctx context.Context, token string) (*Token, error) {
	var t Token
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tokens WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteToken revokes one token.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
	return err
}

// PruneExpiredTokens removes tokens past their expiry.
func (s *Store) PruneExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertOrg creates an org and its owner membership in one transaction.
func (s *Store) InsertOrg(ctx context.Context, org *Org) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO orgs (id, name, display_name, owner_uid, created_at)
		VALUES (:id, :name, :display_name, :owner_uid, :created_at)`, org); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role) VALUES (?, ?, 'owner')`,
		org.ID, org.OwnerUID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteOrg removes an org with its memberships, teams and team memberships
// atomically.
func (s *Store) DeleteOrg(ctx context.Context, orgID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM team_members WHERE team_id IN (SELECT id FROM teams WHERE org_id = ?)`,
		orgID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE org_id = ?`, orgID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM org_members WHERE org_id = ?`, orgID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM orgs WHERE id = ?`, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetOrg fetches one org.
func (s *Store) GetOrg(ctx context.Context, orgID string) (*Org, error) {
	var org Org
	err := s.db.GetContext(ctx, &org, `SELECT * FROM orgs WHERE id = ?`, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// GetAllOrgs lists every org.
func (s *Store) GetAllOrgs(ctx context.Context) ([]*Org, error) {
	var orgs []*Org
	err := s.db.SelectContext(ctx, &orgs, `SELECT * FROM orgs ORDER BY created_at`)
	return orgs, err
}

// CountOrgs returns the number of orgs. Zero enables permissive mode.
func (s *Store) CountOrgs(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orgs`)
	return n, err
}

// UpsertOrgMember adds a user to an org or changes their role.
func (s *Store) UpsertOrgMember(ctx context.Context, m *OrgMember) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role)
		VALUES (:org_id, :user_id, :role)
		ON CONFLICT(org_id, user_id) DO UPDATE SET role = excluded.role`, m)
	return err
}

// DeleteOrgMember removes a membership and any team memberships under the org.
func (s *Store) DeleteOrgMember(ctx context.Context, orgID, userID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM team_members
		WHERE user_id = ? AND team_id IN (SELECT id FROM teams WHERE org_id = ?)`,
		userID, orgID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM org_members WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetOrgMember fetches one membership row.
func (s *Store) GetOrgMember(ctx context.Context, orgID, userID string) (*OrgMember, error) {
	var m OrgMember
	err := s.db.GetContext(ctx, &m,
		`SELECT * FROM org_members WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetOrgMembers lists all memberships of an org.
func (s *Store) GetOrgMembers(ctx context.Context, orgID string) ([]*OrgMember, error) {
	var members []*OrgMember
	err := s.db.SelectContext(ctx, &members,
		`SELECT * FROM org_members WHERE org_id = ? ORDER BY user_id`, orgID)
	return members, err
}

// GetUserOrgs lists all memberships a user holds.
func (s *Store) GetUserOrgs(ctx context.Context, userID string) ([]*OrgMember, error) {
	var members []*OrgMember
	err := s.db.SelectContext(ctx, &members,
		`SELECT * FROM org_members WHERE user_id = ?`, userID)
	return members, err
}

// InsertTeam creates a team inside an org.
func (s *Store) InsertTeam(ctx context.Context, t *Team) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO teams (id, org_id, name) VALUES (:id, :org_id, :name)`, t)
	return err
}

// DeleteTeam removes a team and its memberships.
func (s *Store) DeleteTeam(ctx context.Context, teamID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ?`, teamID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, teamID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTeam fetches one team.
func (s *Store) GetTeam(ctx context.Context, teamID string) (*Team, error) {
	var t Team
	err := s.db.GetContext(ctx, &t, `SELECT * FROM teams WHERE id = ?`, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetOrgTeams lists the teams of an org.
func (s *Store) GetOrgTeams(ctx context.Context, orgID string) ([]*Team, error) {
	var teams []*Team
	err := s.db.SelectContext(ctx, &teams,
		`SELECT * FROM teams WHERE org_id = ? ORDER BY name`, orgID)
	return teams, err
}

// UpsertTeamMember adds a user to a team.
func (s *Store) UpsertTeamMember(ctx context.Context, m *TeamMember) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id)
		VALUES (:team_id, :user_id)
		ON CONFLICT(team_id, user_id) DO NOTHING`, m)
	return err
}

// DeleteTeamMember removes a user from a team.
func (s *Store) DeleteTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID)
	return err
}

// GetTeamMembers lists the user ids of a team.
func (s *Store) GetTeamMembers(ctx context.Context, teamID string) ([]*TeamMember, error) {
	var members []*TeamMember
	err := s.db.SelectContext(ctx, &members,
		`SELECT * FROM team_members WHERE team_id = ? ORDER BY user_id`, teamID)
	return members, err
}
