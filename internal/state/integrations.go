package state

import (
	"context"
	"database/sql"
	"errors"
)

// InsertIntegration persists a newly registered integration.
func (s *Store) InsertIntegration(ctx context.Context, rec *IntegrationRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO integrations (id, type, name, credentials, status, created_at)
		VALUES (:id, :type, :name, :credentials, :status, :created_at)`, rec)
	return err
}

// UpdateIntegrationStatus moves an integration between registered, ok and error.
func (s *Store) UpdateIntegrationStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIntegration removes an integration and its call log.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM integration_logs WHERE integration_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM integrations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetIntegration fetches one integration row.
func (s *Store) GetIntegration(ctx context.Context, id string) (*IntegrationRecord, error) {
	var rec IntegrationRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM integrations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAllIntegrations lists every registered integration.
func (s *Store) GetAllIntegrations(ctx context.Context) ([]*IntegrationRecord, error) {
	var recs []*IntegrationRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM integrations ORDER BY created_at`)
	return recs, err
}

// AppendIntegrationLog records one call against an integration.
func (s *Store) AppendIntegrationLog(ctx context.Context, log *IntegrationLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO integration_logs (integration_id, action, status, detail, timestamp)
		VALUES (:integration_id, :action, :status, :detail, :timestamp)`, log)
	return err
}

// GetIntegrationLogs returns the most recent limit call records, newest first.
func (s *Store) GetIntegrationLogs(ctx context.Context, integrationID string, limit int) ([]*IntegrationLog, error) {
	var logs []*IntegrationLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM integration_logs WHERE integration_id = ? ORDER BY id DESC LIMIT ?`,
		integrationID, limit)
	return logs, err
}
