package state

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// UpsertFileMeta inserts or replaces the metadata row for a path.
func (s *Store) UpsertFileMeta(ctx context.Context, meta *FileMeta) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO files (path, owner_uid, type, size, hidden, created_at, modified_at)
		VALUES (:path, :owner_uid, :type, :size, :hidden, :created_at, :modified_at)
		ON CONFLICT(path) DO UPDATE SET
			owner_uid = excluded.owner_uid,
			type = excluded.type,
			size = excluded.size,
			hidden = excluded.hidden,
			modified_at = excluded.modified_at`,
		meta)
	return err
}

// DeleteFileMeta removes the metadata row for a path. When recursive, child
// paths are removed as well.
func (s *Store) DeleteFileMeta(ctx context.Context, path string, recursive bool) error {
	if recursive {
		prefix := strings.TrimSuffix(path, "/") + "/%"
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM files WHERE path = ? OR path LIKE ?`, path, prefix)
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	return err
}

// GetFileMeta fetches the metadata row for one path.
func (s *Store) GetFileMeta(ctx context.Context, path string) (*FileMeta, error) {
	var meta FileMeta
	err := s.db.GetContext(ctx, &meta, `SELECT * FROM files WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetFilesByOwner lists all metadata rows for a user.
func (s *Store) GetFilesByOwner(ctx context.Context, ownerUID string) ([]*FileMeta, error) {
	var metas []*FileMeta
	err := s.db.SelectContext(ctx, &metas,
		`SELECT * FROM files WHERE owner_uid = ? ORDER BY path`, ownerUID)
	return metas, err
}

// GetAllFiles lists every metadata row.
func (s *Store) GetAllFiles(ctx context.Context) ([]*FileMeta, error) {
	var metas []*FileMeta
	err := s.db.SelectContext(ctx, &metas, `SELECT * FROM files ORDER BY path`)
	return metas, err
}

// RecordMetric appends one kernel resource sample.
func (s *Store) RecordMetric(ctx context.Context, m *KernelMetric) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO kernel_metrics (timestamp, process_count, cpu_percent, memory_mb, container_count)
		VALUES (:timestamp, :process_count, :cpu_percent, :memory_mb, :container_count)`, m)
	return err
}

// GetRecentMetrics returns the most recent limit samples, newest first.
func (s *Store) GetRecentMetrics(ctx context.Context, limit int) ([]*KernelMetric, error) {
	var metrics []*KernelMetric
	err := s.db.SelectContext(ctx, &metrics,
		`SELECT * FROM kernel_metrics ORDER BY timestamp DESC LIMIT ?`, limit)
	return metrics, err
}
