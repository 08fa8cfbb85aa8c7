// Package health is the watchdog: it inspects worker heartbeats and running
// job ages, detects stalls and orphans, and drives bounded recovery.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botherd/internal/eventbus"
	"botherd/internal/queue"
	"botherd/internal/state"
	logx "botherd/pkg/logx"
)

// WorkerState is the per-worker liveness classification.
type WorkerState string

const (
	WorkerHealthy   WorkerState = "healthy"
	WorkerSuspected WorkerState = "suspected"
	WorkerStalled   WorkerState = "stalled"
)

// Alerter is the fire-and-forget notification sink.
type Alerter interface {
	Alert(severity, message string)
}

type Config struct {
	// CheckInterval is the monitor tick.
	CheckInterval time.Duration

	// HeartbeatTimeout is how stale a heartbeat may be before the worker
	// moves to suspected. A suspected worker still stale on the next tick
	// (the grace re-check) is stalled.
	HeartbeatTimeout time.Duration

	// MaxRecoveryAttempts bounds automatic reclaims per job. The queue's
	// attempt ceiling enforces it; this only caps how often the monitor
	// tries before escalating.
	MaxRecoveryAttempts int
}

func (c *Config) withDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * time.Minute
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
}

type Monitor struct {
	store   *state.Store
	queue   *queue.Queue
	bus     eventbus.Bus
	alerter Alerter
	log     logx.Logger
	cfg     Config

	mu      sync.Mutex
	workers map[string]WorkerState
	// recoveries counts reclaims per job id so escalation fires once.
	recoveries map[string]int
	lastTick   time.Time

	// watchdogPet is called after every completed tick (systemd watchdog).
	watchdogPet func()
}

func New(store *state.Store, q *queue.Queue, bus eventbus.Bus, alerter Alerter,
	log logx.Logger, cfg Config) *Monitor {
	cfg.withDefaults()
	return &Monitor{
		store:      store,
		queue:      q,
		bus:        bus,
		alerter:    alerter,
		log:        log,
		cfg:        cfg,
		workers:    make(map[string]WorkerState),
		recoveries: make(map[string]int),
	}
}

// SetWatchdogPet installs the liveness callback invoked after each tick.
func (m *Monitor) SetWatchdogPet(fn func()) { m.watchdogPet = fn }

// CheckInterval reports the effective tick period.
func (m *Monitor) CheckInterval() time.Duration { return m.cfg.CheckInterval }

// Run is the tick loop. It blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.log.Info("health monitor started",
		logx.Duration("check_interval", m.cfg.CheckInterval),
		logx.Duration("heartbeat_timeout", m.cfg.HeartbeatTimeout))
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Check(ctx, now)
		}
	}
}

// Check runs one watchdog pass: classify workers, reclaim jobs held by
// stalled workers, then sweep for orphaned running jobs.
func (m *Monitor) Check(ctx context.Context, now time.Time) {
	hbs, err := m.store.ListHeartbeats(ctx)
	if err != nil {
		m.log.Warn("heartbeat list failed", logx.Err(err))
		return
	}

	live := make(map[string]struct{}, len(hbs))
	for _, hb := range hbs {
		live[hb.WorkerID] = struct{}{}
		m.classify(ctx, hb, now)
	}

	m.mu.Lock()
	for id := range m.workers {
		if _, ok := live[id]; !ok {
			delete(m.workers, id)
		}
	}
	m.lastTick = now
	m.mu.Unlock()

	m.sweepOrphans(ctx, hbs, now)
	m.sweepRecoveries(ctx)

	if m.watchdogPet != nil {
		m.watchdogPet()
	}
}

// sweepRecoveries drops recovery counters for jobs that reached a terminal
// state on their own, so the map only tracks jobs that can still be
// reclaimed. A pending or running entry keeps its count; forgetting it
// would reset the recovery bound mid-incident.
func (m *Monitor) sweepRecoveries(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.recoveries))
	for id := range m.recoveries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		j, err := m.store.GetJob(ctx, id)
		switch {
		case errors.Is(err, state.ErrNotFound):
			m.forget(id)
		case err != nil:
			continue
		case j.State == state.JobSucceeded || j.State == state.JobFailed || j.State == state.JobCancelled:
			m.forget(id)
		}
	}
}

// classify advances one worker through healthy -> suspected -> stalled.
func (m *Monitor) classify(ctx context.Context, hb state.Heartbeat, now time.Time) {
	stale := now.Sub(hb.LastSeenAt) > m.cfg.HeartbeatTimeout

	m.mu.Lock()
	prev, seen := m.workers[hb.WorkerID]
	if !seen {
		prev = WorkerHealthy
	}

	var next WorkerState
	switch {
	case !stale:
		next = WorkerHealthy
	case prev == WorkerHealthy:
		// First stale observation: give one grace re-check.
		next = WorkerSuspected
	default:
		next = WorkerStalled
	}
	m.workers[hb.WorkerID] = next
	m.mu.Unlock()

	if next == prev {
		return
	}
	switch next {
	case WorkerSuspected:
		m.log.Warn("worker suspected stalled",
			logx.String("worker", hb.WorkerID),
			logx.Duration("stale_for", now.Sub(hb.LastSeenAt)))
	case WorkerStalled:
		m.log.Warn("worker stalled",
			logx.String("worker", hb.WorkerID),
			logx.String("job_id", hb.CurrentJobID))
		m.publishStall(hb)
		if hb.CurrentJobID != "" {
			m.reclaim(ctx, hb.CurrentJobID, fmt.Sprintf("worker %s stalled", hb.WorkerID))
		} else {
			m.alert("warn", fmt.Sprintf("worker %s stalled while idle", hb.WorkerID))
		}
	case WorkerHealthy:
		m.log.Info("worker recovered", logx.String("worker", hb.WorkerID))
	}
}

// sweepOrphans reclaims running jobs whose heartbeat is missing or stale,
// e.g. after an unclean process exit.
func (m *Monitor) sweepOrphans(ctx context.Context, hbs []state.Heartbeat, now time.Time) {
	running, err := m.store.ListJobs(ctx, state.JobFilter{States: []state.JobState{state.JobRunning}})
	if err != nil {
		m.log.Warn("running jobs list failed", logx.Err(err))
		return
	}
	if len(running) == 0 {
		return
	}

	m.mu.Lock()
	states := make(map[string]WorkerState, len(m.workers))
	for id, ws := range m.workers {
		states[id] = ws
	}
	m.mu.Unlock()

	// Jobs attributed to a fresh heartbeat are fine. A suspected worker
	// still has its grace re-check ahead, so its job is not an orphan yet.
	claimed := make(map[string]struct{}, len(hbs))
	for _, hb := range hbs {
		if hb.CurrentJobID == "" {
			continue
		}
		if now.Sub(hb.LastSeenAt) <= m.cfg.HeartbeatTimeout || states[hb.WorkerID] == WorkerSuspected {
			claimed[hb.CurrentJobID] = struct{}{}
		}
	}

	for _, j := range running {
		if _, ok := claimed[j.ID]; ok {
			continue
		}
		// Freshly claimed jobs may not have a heartbeat row yet.
		if j.StartedAt != nil && now.Sub(*j.StartedAt) <= m.cfg.HeartbeatTimeout {
			continue
		}
		m.log.Warn("orphaned running job",
			logx.String("job_id", j.ID), logx.String("bot_type", j.BotType))
		m.reclaim(ctx, j.ID, "no live heartbeat for running job")
	}
}

// reclaim moves a running job back to pending, counting the attempt. Once
// the monitor has reclaimed the same job MaxRecoveryAttempts times, or the
// queue reports the attempt ceiling, the job fails and the alert escalates.
func (m *Monitor) reclaim(ctx context.Context, jobID, reason string) {
	m.mu.Lock()
	m.recoveries[jobID]++
	n := m.recoveries[jobID]
	m.mu.Unlock()

	if n > m.cfg.MaxRecoveryAttempts {
		failReason := "recovery attempts exhausted: " + reason
		if err := m.queue.Fail(ctx, jobID, failReason); err != nil {
			m.log.Warn("terminal fail failed", logx.String("job_id", jobID), logx.Err(err))
			return
		}
		m.forget(jobID)
		if j, err := m.store.GetJob(ctx, jobID); err == nil {
			m.publishFailure(j, failReason)
		}
		m.alert("error", fmt.Sprintf("job %s failed permanently after %d recovery attempts (%s)",
			jobID, n-1, reason))
		return
	}

	j, err := m.queue.Requeue(ctx, jobID, queue.RequeueOptions{
		CountAttempt: true,
		Reason:       reason,
	})
	switch {
	case errors.Is(err, queue.ErrMaxAttempts):
		m.forget(jobID)
		m.publishFailure(j, reason)
		m.alert("error", fmt.Sprintf("job %s failed permanently: attempt ceiling hit during recovery (%s)",
			jobID, reason))
	case err != nil:
		m.log.Warn("reclaim failed", logx.String("job_id", jobID), logx.Err(err))
	default:
		// Recoveries are warnings, not failures.
		m.log.Warn("job reclaimed",
			logx.String("job_id", jobID),
			logx.Int("attempt", j.AttemptCount),
			logx.String("reason", reason))
		m.alert("warn", fmt.Sprintf("job %s requeued: %s", jobID, reason))
	}
}

func (m *Monitor) forget(jobID string) {
	m.mu.Lock()
	delete(m.recoveries, jobID)
	m.mu.Unlock()
}

// publishFailure feeds monitor-driven terminal failures to the bus so
// they land in the failure counters like worker-driven ones.
func (m *Monitor) publishFailure(j *state.Job, reason string) {
	if m.bus == nil || j == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventJobFailed,
		Time: time.Now(),
		Data: eventbus.JobData{JobID: j.ID, BotType: j.BotType, Error: reason},
	})
}

func (m *Monitor) publishStall(hb state.Heartbeat) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventWorkerStall,
		Time: time.Now(),
		Data: eventbus.JobData{JobID: hb.CurrentJobID},
	})
}

func (m *Monitor) alert(severity, msg string) {
	if m.alerter == nil {
		return
	}
	m.alerter.Alert(severity, msg)
}

// WorkerStatus is one row of the operator health snapshot.
type WorkerStatus struct {
	WorkerID     string      `json:"worker_id"`
	State        WorkerState `json:"state"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
	CurrentJobID string      `json:"current_job_id,omitempty"`
}

// Status is the operator-facing health snapshot.
type Status struct {
	LastTick time.Time              `json:"last_tick"`
	Workers  []WorkerStatus         `json:"workers"`
	Jobs     map[state.JobState]int `json:"jobs"`
}

// Snapshot assembles the current health view.
func (m *Monitor) Snapshot(ctx context.Context) (Status, error) {
	hbs, err := m.store.ListHeartbeats(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := m.store.CountJobsByState(ctx)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	st := Status{LastTick: m.lastTick, Jobs: counts}
	for _, hb := range hbs {
		ws, ok := m.workers[hb.WorkerID]
		if !ok {
			ws = WorkerHealthy
		}
		st.Workers = append(st.Workers, WorkerStatus{
			WorkerID:     hb.WorkerID,
			State:        ws,
			LastSeenAt:   hb.LastSeenAt,
			CurrentJobID: hb.CurrentJobID,
		})
	}
	m.mu.Unlock()
	return st, nil
}
