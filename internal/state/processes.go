package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// InsertProcess persists a freshly spawned process record.
func (s *Store) InsertProcess(ctx context.Context, rec *ProcessRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO processes (pid, ppid, uid, owner_uid, name, role, goal, state,
			agent_phase, cwd, env, sandbox, exit_code, tty_id, created_at, started_at, exited_at)
		VALUES (:pid, :ppid, :uid, :owner_uid, :name, :role, :goal, :state,
			:agent_phase, :cwd, :env, :sandbox, :exit_code, :tty_id, :created_at, :started_at, :exited_at)`,
		rec)
	if err != nil {
		return fmt.Errorf("insert process %d: %w", rec.PID, err)
	}
	return nil
}

// UpdateProcessState transitions a process record's coarse state.
func (s *Store) UpdateProcessState(ctx context.Context, pid uint64, st ProcessState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET state = ? WHERE pid = ?`, st, pid)
	if err != nil {
		return fmt.Errorf("update process %d state: %w", pid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProcessPhase updates the agent phase of a process record.
func (s *Store) UpdateProcessPhase(ctx context.Context, pid uint64, phase AgentPhase) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processes SET agent_phase = ? WHERE pid = ?`, phase, pid)
	return err
}

// MarkProcessStarted stamps the start time and moves the record to running.
func (s *Store) MarkProcessStarted(ctx context.Context, pid uint64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processes SET state = ?, started_at = ? WHERE pid = ?`, StateRunning, at, pid)
	return err
}

// MarkProcessExited records the exit code and exit time with the given state
// (zombie, or dead for fail-fast spawns).
func (s *Store) MarkProcessExited(ctx context.Context, pid uint64, st ProcessState, exitCode int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processes SET state = ?, exit_code = ?, exited_at = ? WHERE pid = ?`,
		st, exitCode, at, pid)
	return err
}

// SetProcessTTY records the TTY attached to a process.
func (s *Store) SetProcessTTY(ctx context.Context, pid uint64, ttyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processes SET tty_id = ? WHERE pid = ?`, ttyID, pid)
	return err
}

// GetProcess fetches one process record.
func (s *Store) GetProcess(ctx context.Context, pid uint64) (*ProcessRecord, error) {
	var rec ProcessRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM processes WHERE pid = ?`, pid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAllProcesses returns the full persisted process table, oldest first.
func (s *Store) GetAllProcesses(ctx context.Context) ([]*ProcessRecord, error) {
	var recs []*ProcessRecord
	if err := s.db.SelectContext(ctx, &recs, `SELECT * FROM processes ORDER BY pid`); err != nil {
		return nil, err
	}
	return recs, nil
}

// MaxPID returns the largest persisted pid, or 0 when the table is empty.
// The boot path restarts the pid counter from MaxPID+1.
func (s *Store) MaxPID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.GetContext(ctx, &max, `SELECT MAX(pid) FROM processes`); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// AppendAgentLog persists one agent loop step.
func (s *Store) AppendAgentLog(ctx context.Context, log *AgentLog) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_logs (pid, step, phase, tool, content, timestamp)
		VALUES (:pid, :step, :phase, :tool, :content, :timestamp)`, log)
	if err != nil {
		return fmt.Errorf("append agent log pid=%d step=%d: %w", log.PID, log.Step, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		log.ID = id
	}
	return nil
}

// GetAgentLogs returns all log rows for a pid ordered by step.
func (s *Store) GetAgentLogs(ctx context.Context, pid uint64) ([]*AgentLog, error) {
	var logs []*AgentLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM agent_logs WHERE pid = ? ORDER BY step`, pid)
	return logs, err
}

// GetAllAgentLogs returns the most recent limit rows across all pids.
func (s *Store) GetAllAgentLogs(ctx context.Context, limit int) ([]*AgentLog, error) {
	var logs []*AgentLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM agent_logs ORDER BY id DESC LIMIT ?`, limit)
	return logs, err
}

// InsertIPCMessage journals a delivered IPC message.
func (s *Store) InsertIPCMessage(ctx context.Context, msg *IPCMessage) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ipc_messages (id, from_pid, to_pid, channel, payload, timestamp)
		VALUES (:id, :from_pid, :to_pid, :channel, :payload, :timestamp)`, msg)
	return err
}
