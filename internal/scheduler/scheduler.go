// Package scheduler fires cron jobs and event triggers, spawning agents on
// schedule or in reaction to bus events.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

// Spawner starts agents on behalf of the scheduler.
type Spawner interface {
	Spawn(ctx context.Context, cfg proc.SpawnConfig, parentPID uint64, uid, ownerUID string) (uint64, error)
}

// cronParser accepts the standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// job is the in-memory state of one cron job.
type job struct {
	rec      *state.CronJobRecord
	schedule cron.Schedule
	nextRun  time.Time
	running  bool
}

// trigger is the in-memory state of one event trigger.
type trigger struct {
	rec    *state.EventTriggerRecord
	filter map[string]any
	sub    bus.Subscription
}

// Scheduler drives cron jobs with a single 1s ticker and owns all event
// trigger subscriptions.
type Scheduler struct {
	store    *state.Store
	eventBus bus.EventBus
	spawner  Spawner
	router   *Router
	logger   *logger.Logger
	tick     time.Duration

	mu       sync.Mutex
	jobs     map[string]*job
	triggers map[string]*trigger
	done     chan struct{}
}

// New creates the scheduler. router may be nil for standalone kernels.
func New(store *state.Store, eventBus bus.EventBus, spawner Spawner, router *Router, tick time.Duration, log *logger.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		store:    store,
		eventBus: eventBus,
		spawner:  spawner,
		router:   router,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		tick:     tick,
		jobs:     make(map[string]*job),
		triggers: make(map[string]*trigger),
		done:     make(chan struct{}),
	}
}

// Start restores persisted jobs and triggers, then begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}
	go s.loop()
	return nil
}

// Stop halts the ticker and unsubscribes all triggers.
func (s *Scheduler) Stop() {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.triggers {
		if t.sub != nil {
			_ = t.sub.Unsubscribe()
		}
	}
}

func (s *Scheduler) restore(ctx context.Context) error {
	jobs, err := s.store.GetAllCronJobs(ctx)
	if err != nil {
		return err
	}
	for _, rec := range jobs {
		if err := s.track(rec); err != nil {
			s.logger.WithError(err).Warn("skipping corrupt cron job", zap.String("id", rec.ID))
		}
	}
	triggers, err := s.store.GetAllEventTriggers(ctx)
	if err != nil {
		return err
	}
	for _, rec := range triggers {
		if err := s.watch(rec); err != nil {
			s.logger.WithError(err).Warn("skipping corrupt event trigger", zap.String("id", rec.ID))
		}
	}
	s.logger.Info("scheduler restored",
		zap.Int("cron_jobs", len(jobs)), zap.Int("event_triggers", len(triggers)))
	return nil
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.advance(time.Now().UTC())
		case <-s.done:
			return
		}
	}
}

// advance fires every due job. A job with its previous run still live is
// skipped and logged.
func (s *Scheduler) advance(now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.rec.Enabled && !j.nextRun.IsZero() && !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(j, now)
	}
}

func (s *Scheduler) fire(j *job, now time.Time) {
	s.mu.Lock()
	if j.running {
		s.mu.Unlock()
		s.logger.Warn("cron fire skipped, previous run still live", zap.String("job", j.rec.ID))
		return
	}
	j.running = true
	j.nextRun = j.schedule.Next(now)
	s.mu.Unlock()

	ctx := context.Background()
	if err := s.store.MarkCronJobRun(ctx, j.rec.ID, now, j.nextRun); err != nil {
		s.logger.WithError(err).Warn("failed to journal cron run", zap.String("job", j.rec.ID))
	}

	go func() {
		defer func() {
			s.mu.Lock()
			j.running = false
			s.mu.Unlock()
		}()
		if err := s.spawnFromConfig(ctx, j.rec.AgentConfig, j.rec.OwnerUID); err != nil {
			s.logger.WithError(err).Warn("cron spawn failed", zap.String("job", j.rec.ID))
		}
	}()
}

// spawnFromConfig deserializes the stored agent config and spawns, routing
// through the cluster when a router is attached.
func (s *Scheduler) spawnFromConfig(ctx context.Context, agentConfig, ownerUID string) error {
	var cfg proc.SpawnConfig
	if agentConfig != "" {
		if err := json.Unmarshal([]byte(agentConfig), &cfg); err != nil {
			return err
		}
	}
	if s.router != nil && s.router.IsHub() {
		return s.router.RouteSpawn(ctx, cfg, ownerUID)
	}
	_, err := s.spawner.Spawn(ctx, cfg, 0, ownerUID, ownerUID)
	return err
}

// CreateCronJob validates the expression, persists and tracks a job.
func (s *Scheduler) CreateCronJob(ctx context.Context, name, expression, agentConfig, ownerUID string) (*state.CronJobRecord, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, kernel.InvalidArgument("invalid cron expression: %v", err)
	}
	next := schedule.Next(time.Now().UTC())
	rec := &state.CronJobRecord{
		ID:          uuid.New().String(),
		Name:        name,
		Expression:  expression,
		AgentConfig: agentConfig,
		Enabled:     true,
		OwnerUID:    ownerUID,
		NextRun:     &next,
		CreatedAt:   time.Now().UTC(),
	}
	if rec.AgentConfig == "" {
		rec.AgentConfig = "{}"
	}
	if err := s.store.InsertCronJob(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.track(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Scheduler) track(rec *state.CronJobRecord) error {
	schedule, err := cronParser.Parse(rec.Expression)
	if err != nil {
		return err
	}
	j := &job{rec: rec, schedule: schedule}
	if rec.Enabled {
		j.nextRun = schedule.Next(time.Now().UTC())
	}
	s.mu.Lock()
	s.jobs[rec.ID] = j
	s.mu.Unlock()
	return nil
}

// DeleteCronJob removes a job. Unknown ids are a no-op.
func (s *Scheduler) DeleteCronJob(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.store.DeleteCronJob(ctx, id)
}

// SetCronJobEnabled toggles a job, recomputing next_run on enable.
func (s *Scheduler) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetCronJobEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.rec.Enabled = enabled
	if enabled {
		j.nextRun = j.schedule.Next(time.Now().UTC())
	} else {
		j.nextRun = time.Time{}
	}
	return nil
}

// ListCronJobs returns all persisted jobs.
func (s *Scheduler) ListCronJobs(ctx context.Context) ([]*state.CronJobRecord, error) {
	return s.store.GetAllCronJobs(ctx)
}

// CreateTrigger persists and subscribes an event trigger.
func (s *Scheduler) CreateTrigger(ctx context.Context, name, eventType, eventFilter string, cooldownMS int64, agentConfig, ownerUID string) (*state.EventTriggerRecord, error) {
	if eventType == "" {
		return nil, kernel.InvalidArgument("event type must not be empty")
	}
	if eventFilter == "" {
		eventFilter = "{}"
	}
	var filter map[string]any
	if err := json.Unmarshal([]byte(eventFilter), &filter); err != nil {
		return nil, kernel.InvalidArgument("invalid event filter: %v", err)
	}
	if agentConfig == "" {
		agentConfig = "{}"
	}
	rec := &state.EventTriggerRecord{
		ID:          uuid.New().String(),
		Name:        name,
		EventType:   eventType,
		EventFilter: eventFilter,
		CooldownMS:  cooldownMS,
		AgentConfig: agentConfig,
		OwnerUID:    ownerUID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertEventTrigger(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.watch(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Scheduler) watch(rec *state.EventTriggerRecord) error {
	var filter map[string]any
	if rec.EventFilter != "" {
		if err := json.Unmarshal([]byte(rec.EventFilter), &filter); err != nil {
			return err
		}
	}
	t := &trigger{rec: rec, filter: filter}
	sub, err := s.eventBus.Subscribe(rec.EventType, func(ctx context.Context, event *bus.Event) error {
		s.maybeFire(ctx, t, event)
		return nil
	})
	if err != nil {
		return err
	}
	t.sub = sub
	s.mu.Lock()
	s.triggers[rec.ID] = t
	s.mu.Unlock()
	return nil
}

// maybeFire spawns when the event matches the filter and the cooldown has
// elapsed.
func (s *Scheduler) maybeFire(ctx context.Context, t *trigger, event *bus.Event) {
	if !matchesFilter(event.Data, t.filter) {
		return
	}
	now := time.Now().UTC()
	s.mu.Lock()
	if t.rec.LastFiredAt != nil &&
		now.Sub(*t.rec.LastFiredAt) < time.Duration(t.rec.CooldownMS)*time.Millisecond {
		s.mu.Unlock()
		return
	}
	t.rec.LastFiredAt = &now
	s.mu.Unlock()

	if err := s.store.MarkTriggerFired(ctx, t.rec.ID, now); err != nil {
		s.logger.WithError(err).Warn("failed to journal trigger fire", zap.String("trigger", t.rec.ID))
	}
	if err := s.spawnFromConfig(ctx, t.rec.AgentConfig, t.rec.OwnerUID); err != nil {
		s.logger.WithError(err).Warn("trigger spawn failed", zap.String("trigger", t.rec.ID))
	}
}

// DeleteTrigger unsubscribes and removes a trigger. Unknown ids are a no-op.
func (s *Scheduler) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.triggers[id]
	delete(s.triggers, id)
	s.mu.Unlock()
	if ok && t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	return s.store.DeleteEventTrigger(ctx, id)
}

// ListTriggers returns all persisted triggers.
func (s *Scheduler) ListTriggers(ctx context.Context) ([]*state.EventTriggerRecord, error) {
	return s.store.GetAllEventTriggers(ctx)
}

// matchesFilter is a shallow key/value subset match against event data.
func matchesFilter(data, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || fmtValue(got) != fmtValue(want) {
			return false
		}
	}
	return true
}

func fmtValue(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
