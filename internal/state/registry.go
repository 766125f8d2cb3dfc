package state

import (
	"context"
	"database/sql"
	"errors"
)

// Plugin registry, MCP server, and OpenClaw import journals.

// UpsertPlugin inserts or updates an installed plugin row.
func (s *Store) UpsertPlugin(ctx context.Context, rec *PluginRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO plugins (id, owner_uid, manifest, install_source, enabled, installed_at, updated_at)
		VALUES (:id, :owner_uid, :manifest, :install_source, :enabled, :installed_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			manifest = excluded.manifest,
			install_source = excluded.install_source,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		rec)
	return err
}

// SetPluginEnabled toggles a plugin.
func (s *Store) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugins SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePlugin removes a plugin row.
func (s *Store) DeletePlugin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	return err
}

// GetAllPlugins lists every installed plugin.
func (s *Store) GetAllPlugins(ctx context.Context) ([]*PluginRecord, error) {
	var recs []*PluginRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM plugins ORDER BY installed_at`)
	return recs, err
}

// UpsertMCPServer inserts or updates an MCP server row.
func (s *Store) UpsertMCPServer(ctx context.Context, rec *MCPServerRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, transport, command, args, env, url,
			auto_connect, enabled, tool_cache, created_at)
		VALUES (:id, :name, :transport, :command, :args, :env, :url,
			:auto_connect, :enabled, :tool_cache, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			transport = excluded.transport,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			url = excluded.url,
			auto_connect = excluded.auto_connect,
			enabled = excluded.enabled,
			tool_cache = excluded.tool_cache`,
		rec)
	return err
}

// UpdateMCPToolCache refreshes the cached tool list for a server.
func (s *Store) UpdateMCPToolCache(ctx context.Context, id, toolCache string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET tool_cache = ? WHERE id = ?`, toolCache, id)
	return err
}

// DeleteMCPServer removes an MCP server row.
func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	return err
}

// GetMCPServer fetches one MCP server row.
func (s *Store) GetMCPServer(ctx context.Context, id string) (*MCPServerRecord, error) {
	var rec MCPServerRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM mcp_servers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAllMCPServers lists every configured MCP server.
func (s *Store) GetAllMCPServers(ctx context.Context) ([]*MCPServerRecord, error) {
	var recs []*MCPServerRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM mcp_servers ORDER BY created_at`)
	return recs, err
}

// UpsertOpenClawImport inserts or updates one imported skill.
func (s *Store) UpsertOpenClawImport(ctx context.Context, rec *OpenClawImportRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO openclaw_imports (skill_id, skill, dependencies_met, source_path, imported_at)
		VALUES (:skill_id, :skill, :dependencies_met, :source_path, :imported_at)
		ON CONFLICT(skill_id) DO UPDATE SET
			skill = excluded.skill,
			dependencies_met = excluded.dependencies_met,
			source_path = excluded.source_path,
			imported_at = excluded.imported_at`,
		rec)
	return err
}

// GetAllOpenClawImports lists every imported skill.
func (s *Store) GetAllOpenClawImports(ctx context.Context) ([]*OpenClawImportRecord, error) {
	var recs []*OpenClawImportRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM openclaw_imports ORDER BY skill_id`)
	return recs, err
}

// DeleteOpenClawImport removes one imported skill.
func (s *Store) DeleteOpenClawImport(ctx context.Context, skillID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM openclaw_imports WHERE skill_id = ?`, skillID)
	return err
}
