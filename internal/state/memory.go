package state

import (
	"context"
)

// InsertMemory saves one layered memory entry for an agent.
func (s *Store) InsertMemory(ctx context.Context, rec *MemoryRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_memory (id, agent_uid, layer, content, tags, importance, source_pid, created_at)
		VALUES (:id, :agent_uid, :layer, :content, :tags, :importance, :source_pid, :created_at)`, rec)
	return err
}

// SearchMemory returns entries for an agent whose content matches the query
// substring, highest importance first. An empty layer matches all layers.
func (s *Store) SearchMemory(ctx context.Context, agentUID, layer, query string, limit int) ([]*MemoryRecord, error) {
	var recs []*MemoryRecord
	pattern := "%" + query + "%"
	if layer == "" {
		err := s.db.SelectContext(ctx, &recs, `
			SELECT * FROM agent_memory
			WHERE agent_uid = ? AND content LIKE ?
			ORDER BY importance DESC, created_at DESC LIMIT ?`,
			agentUID, pattern, limit)
		return recs, err
	}
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM agent_memory
		WHERE agent_uid = ? AND layer = ? AND content LIKE ?
		ORDER BY importance DESC, created_at DESC LIMIT ?`,
		agentUID, layer, pattern, limit)
	return recs, err
}

// DeleteMemory removes one memory entry.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory WHERE id = ?`, id)
	return err
}
