// Package schedule evaluates time-based triggers and enqueues jobs when due.
// Missed firings while the process was down are not backfilled: the baseline
// for a schedule that has never fired is service start, so only future
// firings are honored.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"botherd/internal/queue"
	"botherd/internal/state"
	logx "botherd/pkg/logx"
)

// CounterLeadsSaved is the daily counter the cap guard reads. The worker
// folds runner results into it.
const CounterLeadsSaved = "leads_saved"

// Decl is one schedule declared in config.
type Decl struct {
	Name     string
	BotType  string
	Trigger  string
	Priority state.Priority
	Payload  json.RawMessage
	Enabled  bool
	DailyCap int
}

type Config struct {
	Enabled             bool
	Location            *time.Location
	TickInterval        time.Duration
	MaintenanceInterval time.Duration

	// Retention cutoffs applied by the maintenance tick.
	JobTTL   time.Duration
	EventTTL time.Duration

	Schedules []Decl
}

func (c *Config) withDefaults() {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 7 * 24 * time.Hour
	}
	if c.EventTTL <= 0 {
		c.EventTTL = 14 * 24 * time.Hour
	}
}

type Service struct {
	store *state.Store
	queue *queue.Queue
	log   logx.Logger

	mu  sync.Mutex
	cfg Config

	// baseline holds the no-backfill starting point for schedules that have
	// never fired.
	baseline map[string]time.Time
}

func New(store *state.Store, q *queue.Queue, log logx.Logger, cfg Config) *Service {
	cfg.withDefaults()
	return &Service{
		store:    store,
		queue:    q,
		log:      log,
		cfg:      cfg,
		baseline: make(map[string]time.Time),
	}
}

// Apply swaps the configuration on reload and re-reconciles declared
// schedules into the store.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Reconcile(ctx)
}

// ValidateDecls checks that every declared trigger parses. Used as the
// config manager's validation hook.
func ValidateDecls(decls []Decl, loc *time.Location) error {
	for _, d := range decls {
		if _, err := ParseTrigger(d.Trigger, loc); err != nil {
			return fmt.Errorf("schedule %q: %w", d.Name, err)
		}
	}
	return nil
}

// Reconcile upserts declared schedules and disables stored ones that are no
// longer declared. Stored rows are never deleted here.
func (s *Service) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	declared := make(map[string]struct{}, len(cfg.Schedules))
	for _, d := range cfg.Schedules {
		declared[d.Name] = struct{}{}
		prio := d.Priority
		if prio == 0 {
			prio = state.PriorityNormal
		}
		sc := &state.Schedule{
			ID:       d.Name,
			BotType:  d.BotType,
			Trigger:  d.Trigger,
			Priority: prio,
			Payload:  d.Payload,
			Enabled:  d.Enabled,
			DailyCap: d.DailyCap,
		}
		if err := s.store.UpsertSchedule(ctx, sc); err != nil {
			return fmt.Errorf("reconcile %s: %w", d.Name, err)
		}
	}

	stored, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sc := range stored {
		if _, ok := declared[sc.ID]; ok || !sc.Enabled {
			continue
		}
		sc.Enabled = false
		if err := s.store.UpdateSchedule(ctx, sc); err != nil && !errors.Is(err, state.ErrConflict) {
			return err
		}
		s.log.Info("schedule disabled (no longer declared)", logx.String("schedule", sc.ID))
	}
	return nil
}

// Run is the tick loop. It blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	tick := s.cfg.TickInterval
	maint := s.cfg.MaintenanceInterval
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	maintTicker := time.NewTicker(maint)
	defer maintTicker.Stop()

	if !enabled {
		s.log.Info("scheduler disabled; only maintenance will run")
	}
	s.log.Info("scheduler started", logx.Duration("tick", tick))
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Evaluate(ctx, now)
		case now := <-maintTicker.C:
			s.Maintain(ctx, now)
		}
	}
}

// Evaluate fires every due, enabled schedule once. A disabled scheduler
// skips firing entirely; maintenance pruning is unaffected.
func (s *Service) Evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	loc := s.cfg.Location
	s.mu.Unlock()
	if !enabled {
		return
	}

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.log.Warn("schedule list failed", logx.Err(err))
		return
	}

	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		trig, err := ParseTrigger(sc.Trigger, loc)
		if err != nil {
			s.log.Warn("bad trigger; schedule skipped",
				logx.String("schedule", sc.ID), logx.Err(err))
			continue
		}

		last := s.lastFire(sc, now)
		if !trig.Due(last, now) {
			continue
		}
		if s.capReached(ctx, sc, now) {
			s.advance(ctx, sc, now)
			continue
		}

		_, err = s.queue.Enqueue(ctx, queue.EnqueueRequest{
			BotType:    sc.BotType,
			Priority:   sc.Priority,
			Payload:    sc.Payload,
			ScheduleID: sc.ID,
		})
		switch {
		case errors.Is(err, queue.ErrDuplicate):
			// An equivalent job is already queued or running; not an error.
			s.log.Debug("schedule fire skipped (duplicate)",
				logx.String("schedule", sc.ID), logx.String("bot_type", sc.BotType))
		case err != nil:
			s.log.Warn("schedule enqueue failed",
				logx.String("schedule", sc.ID), logx.Err(err))
			continue
		default:
			s.log.Info("schedule fired",
				logx.String("schedule", sc.ID),
				logx.String("bot_type", sc.BotType),
				logx.String("trigger", trig.String()))
		}
		s.advance(ctx, sc, now)
	}
}

// lastFire resolves the trigger baseline. The first time a schedule is seen
// after process start its baseline is pinned to now, so firings missed while
// the process was down are discarded rather than replayed.
func (s *Service) lastFire(sc *state.Schedule, now time.Time) time.Time {
	s.mu.Lock()
	base, ok := s.baseline[sc.ID]
	if !ok {
		base = now
		s.baseline[sc.ID] = base
	}
	s.mu.Unlock()

	if sc.LastFiredAt != nil && sc.LastFiredAt.After(base) {
		return *sc.LastFiredAt
	}
	return base
}

func (s *Service) capReached(ctx context.Context, sc *state.Schedule, now time.Time) bool {
	if sc.DailyCap <= 0 {
		return false
	}
	saved, err := s.store.Counter(ctx, state.DayKey(now), sc.BotType, CounterLeadsSaved)
	if err != nil {
		s.log.Warn("daily counter read failed", logx.String("bot_type", sc.BotType), logx.Err(err))
		return false
	}
	if saved < int64(sc.DailyCap) {
		return false
	}
	s.log.Debug("schedule fire skipped (daily cap)",
		logx.String("schedule", sc.ID),
		logx.Int64("saved", saved),
		logx.Int("cap", sc.DailyCap))
	return true
}

// advance persists the fire time, establishing the new trigger baseline.
func (s *Service) advance(ctx context.Context, sc *state.Schedule, now time.Time) {
	ts := now
	sc.LastFiredAt = &ts
	err := s.store.UpdateSchedule(ctx, sc)
	if errors.Is(err, state.ErrConflict) {
		fresh, gerr := s.store.GetSchedule(ctx, sc.ID)
		if gerr != nil {
			s.log.Warn("schedule re-read failed", logx.String("schedule", sc.ID), logx.Err(gerr))
			return
		}
		fresh.LastFiredAt = &ts
		err = s.store.UpdateSchedule(ctx, fresh)
	}
	if err != nil {
		s.log.Warn("schedule advance failed", logx.String("schedule", sc.ID), logx.Err(err))
	}
	s.mu.Lock()
	s.baseline[sc.ID] = ts
	s.mu.Unlock()
}

// Maintain prunes terminal jobs, old events and stale daily counters.
func (s *Service) Maintain(ctx context.Context, now time.Time) {
	s.mu.Lock()
	jobTTL := s.cfg.JobTTL
	eventTTL := s.cfg.EventTTL
	s.mu.Unlock()

	if n, err := s.store.PruneJobs(ctx, now.Add(-jobTTL)); err != nil {
		s.log.Warn("job prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("old jobs pruned", logx.Int64("count", n))
	}
	if _, err := s.store.PruneEvents(ctx, now.Add(-eventTTL)); err != nil {
		s.log.Warn("event prune failed", logx.Err(err))
	}
	if _, err := s.store.PruneCounters(ctx, state.DayKey(now.Add(-30*24*time.Hour))); err != nil {
		s.log.Warn("counter prune failed", logx.Err(err))
	}
}

// Pause disables a schedule until resumed.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}

// Resume re-enables a paused schedule.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) error {
	for i := 0; i < 3; i++ {
		sc, err := s.store.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		if sc.Enabled == enabled {
			return nil
		}
		sc.Enabled = enabled
		if err := s.store.UpdateSchedule(ctx, sc); errors.Is(err, state.ErrConflict) {
			continue
		} else if err != nil {
			return err
		}
		s.log.Info("schedule toggled",
			logx.String("schedule", id), logx.Bool("enabled", enabled))
		return nil
	}
	return fmt.Errorf("toggle %s: %w", id, state.ErrConflict)
}

// RunNow fires a schedule immediately, outside its trigger.
func (s *Service) RunNow(ctx context.Context, id string, force bool) (*state.Job, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	j, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		BotType:    sc.BotType,
		Priority:   sc.Priority,
		Payload:    sc.Payload,
		ScheduleID: sc.ID,
		Force:      force,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("schedule fired manually",
		logx.String("schedule", id), logx.String("job_id", j.ID))
	return j, nil
}

// List returns stored schedules for the operator surface.
func (s *Service) List(ctx context.Context) ([]*state.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// ParsePriorityOrDefault maps a config priority string, tolerating blanks.
func ParsePriorityOrDefault(raw string) state.Priority {
	p, err := state.ParsePriority(strings.TrimSpace(raw))
	if err != nil {
		return state.PriorityNormal
	}
	return p
}
