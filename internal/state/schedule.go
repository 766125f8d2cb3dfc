package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Cron job and event trigger persistence for the scheduler.

// InsertCronJob persists a new scheduled job.
func (s *Store) InsertCronJob(ctx context.Context, rec *CronJobRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cron_jobs (id, name, cron_expression, agent_config, enabled,
			owner_uid, last_run, next_run, created_at)
		VALUES (:id, :name, :cron_expression, :agent_config, :enabled,
			:owner_uid, :last_run, :next_run, :created_at)`, rec)
	return err
}

// SetCronJobEnabled toggles a job without touching its schedule bookkeeping.
func (s *Store) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCronJobRun stamps a completed fire and the next scheduled one.
func (s *Store) MarkCronJobRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET last_run = ?, next_run = ? WHERE id = ?`, lastRun, nextRun, id)
	return err
}

// DeleteCronJob removes a job. Deleting an unknown id is not an error.
func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

// GetCronJob fetches one job.
func (s *Store) GetCronJob(ctx context.Context, id string) (*CronJobRecord, error) {
	var rec CronJobRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM cron_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAllCronJobs lists every job.
func (s *Store) GetAllCronJobs(ctx context.Context) ([]*CronJobRecord, error) {
	var recs []*CronJobRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM cron_jobs ORDER BY created_at`)
	return recs, err
}

// InsertEventTrigger persists a new event trigger.
func (s *Store) InsertEventTrigger(ctx context.Context, rec *EventTriggerRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO event_triggers (id, name, event_type, event_filter, cooldown_ms,
			agent_config, owner_uid, last_fired_at, created_at)
		VALUES (:id, :name, :event_type, :event_filter, :cooldown_ms,
			:agent_config, :owner_uid, :last_fired_at, :created_at)`, rec)
	return err
}

// MarkTriggerFired stamps the cooldown clock.
func (s *Store) MarkTriggerFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_triggers SET last_fired_at = ? WHERE id = ?`, at, id)
	return err
}

// DeleteEventTrigger removes a trigger. Deleting an unknown id is not an error.
func (s *Store) DeleteEventTrigger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_triggers WHERE id = ?`, id)
	return err
}

// GetAllEventTriggers lists every trigger.
func (s *Store) GetAllEventTriggers(ctx context.Context) ([]*EventTriggerRecord, error) {
	var recs []*EventTriggerRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM event_triggers ORDER BY created_at`)
	return recs, err
}
