// Package worker is the execution loop: it claims jobs from the queue,
// checks rate-limit admission, invokes the bot-execution collaborator under
// a bounded timeout, and persists the outcome. The collaborator itself
// (scraping, parsing, lead storage) lives outside this module.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"botherd/internal/eventbus"
	"botherd/internal/queue"
	"botherd/internal/ratelimit"
	"botherd/internal/state"
	logx "botherd/pkg/logx"
)

// Result is what a bot run reports back.
type Result struct {
	// Summary is persisted on the job record as-is.
	Summary json.RawMessage

	// LeadsFound/LeadsSaved are folded into the daily counters that gate
	// capped schedules.
	LeadsFound int
	LeadsSaved int
}

// Runner executes one bot run. The context carries the per-job deadline;
// implementations are expected to honor it and must be safe to retry.
type Runner interface {
	Run(ctx context.Context, botType string, payload json.RawMessage) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, botType string, payload json.RawMessage) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, botType string, payload json.RawMessage) (Result, error) {
	return f(ctx, botType, payload)
}

// Alerter is the fire-and-forget notification sink.
type Alerter interface {
	Alert(severity, message string)
}

type Config struct {
	// Count is the number of concurrent worker loops.
	Count int

	// DefaultTimeout bounds one runner invocation. Zero disables.
	DefaultTimeout time.Duration

	// HeartbeatInterval is how often a busy worker refreshes its heartbeat.
	HeartbeatInterval time.Duration

	// IdlePoll is the sleep between dequeue attempts when the queue is empty.
	IdlePoll time.Duration

	// RateLimitDelay is the hold-off applied when admission is denied.
	RateLimitDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.Count <= 0 {
		c.Count = 2
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 2 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 5 * time.Second
	}
}

type Manager struct {
	store   *state.Store
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	bus     eventbus.Bus
	alerter Alerter
	runner  Runner
	log     logx.Logger
	cfg     Config

	paused atomic.Bool
}

func New(store *state.Store, q *queue.Queue, limiter *ratelimit.Limiter, bus eventbus.Bus,
	alerter Alerter, runner Runner, log logx.Logger, cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		store:   store,
		queue:   q,
		limiter: limiter,
		bus:     bus,
		alerter: alerter,
		runner:  runner,
		log:     log,
		cfg:     cfg,
	}
}

func (m *Manager) Count() int { return m.cfg.Count }

// Pause stops claiming new jobs. In-flight jobs finish normally.
func (m *Manager) Pause()  { m.paused.Store(true) }
func (m *Manager) Resume() { m.paused.Store(false) }

func (m *Manager) Paused() bool { return m.paused.Load() }

// RunLoop is one worker's loop; the caller runs Count of them under a
// supervisor. It exits only when ctx is canceled, after persisting the
// outcome of the in-flight job.
func (m *Manager) RunLoop(workerID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		log := m.log.With(logx.String("worker", workerID))
		log.Info("worker started")
		defer m.clearHeartbeat(workerID)

		for {
			if ctx.Err() != nil {
				return nil
			}
			if m.paused.Load() {
				m.beat(ctx, workerID, "")
				if !sleep(ctx, m.cfg.IdlePoll) {
					return nil
				}
				continue
			}

			j, err := m.queue.DequeueNext(ctx)
			if err != nil {
				log.Warn("dequeue failed", logx.Err(err))
				if !sleep(ctx, m.cfg.IdlePoll) {
					return nil
				}
				continue
			}
			if j == nil {
				// Alive, idle.
				m.beat(ctx, workerID, "")
				if !sleep(ctx, m.cfg.IdlePoll) {
					return nil
				}
				continue
			}

			service := m.limiter.ServiceFor(j.BotType)
			admitted, err := m.limiter.Admit(ctx, service)
			if err != nil {
				log.Warn("admission check failed", logx.String("service", service), logx.Err(err))
				admitted = false
			}
			if !admitted {
				// Not a failure: back off without burning an attempt.
				_, rqErr := m.queue.Requeue(ctx, j.ID, queue.RequeueOptions{
					Delay:  m.cfg.RateLimitDelay,
					Reason: "rate limited: " + service,
				})
				if rqErr != nil {
					log.Warn("rate-limit requeue failed", logx.String("job_id", j.ID), logx.Err(rqErr))
				}
				if !sleep(ctx, m.cfg.RateLimitDelay) {
					return nil
				}
				continue
			}

			m.execute(ctx, workerID, log, j)
			// Iteration done: refresh the heartbeat with no current job so
			// the health monitor sees "alive, idle" rather than "mid-job".
			m.beat(ctx, workerID, "")
		}
	}
}

func (m *Manager) execute(ctx context.Context, workerID string, log logx.Logger, j *state.Job) {
	m.beat(ctx, workerID, j.ID)
	m.publish(eventbus.EventJobStarted, eventbus.JobData{JobID: j.ID, BotType: j.BotType})
	log.Info("job started",
		logx.String("job_id", j.ID),
		logx.String("bot_type", j.BotType),
		logx.Int("attempt", j.AttemptCount))

	runCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.DefaultTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.DefaultTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	// Keep the heartbeat fresh while the runner blocks.
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		t := time.NewTicker(m.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				m.beat(runCtx, workerID, j.ID)
			}
		}
	}()

	started := time.Now()
	res, runErr := m.runner.Run(runCtx, j.BotType, j.Payload)
	cancel()
	<-beatDone
	took := time.Since(started)

	// Outcome writes must land even when shutdown canceled ctx.
	pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pcancel()

	switch {
	case runErr == nil:
		if err := m.queue.Complete(pctx, j.ID, res.Summary); err != nil {
			log.Error("result persist failed", logx.String("job_id", j.ID), logx.Err(err))
			return
		}
		m.foldCounters(pctx, j.BotType, res)
		m.publish(eventbus.EventJobSucceeded, eventbus.JobData{
			JobID: j.ID, BotType: j.BotType, Duration: took,
		})
		log.Info("job succeeded",
			logx.String("job_id", j.ID),
			logx.Duration("took", took),
			logx.Int("leads_found", res.LeadsFound),
			logx.Int("leads_saved", res.LeadsSaved))

	case ctx.Err() != nil && errors.Is(runErr, context.Canceled):
		// Shutdown interrupted the run; give the job back untouched.
		if _, err := m.queue.Requeue(pctx, j.ID, queue.RequeueOptions{Reason: "shutdown"}); err != nil {
			log.Warn("shutdown requeue failed", logx.String("job_id", j.ID), logx.Err(err))
		} else {
			log.Info("job requeued for shutdown", logx.String("job_id", j.ID))
		}

	case IsPermanent(runErr):
		if err := m.queue.Fail(pctx, j.ID, runErr.Error()); err != nil {
			log.Error("failure persist failed", logx.String("job_id", j.ID), logx.Err(err))
			return
		}
		m.publish(eventbus.EventJobFailed, eventbus.JobData{
			JobID: j.ID, BotType: j.BotType, Duration: took, Error: runErr.Error(),
		})
		m.alert("error", fmt.Sprintf("job %s (%s) failed permanently: %v", j.ID, j.BotType, runErr))
		log.Warn("job failed (permanent)", logx.String("job_id", j.ID), logx.Err(runErr))

	default:
		// Transient: timeout or plain error. Retry while attempts remain.
		reason := runErr.Error()
		if errors.Is(runErr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", m.cfg.DefaultTimeout)
		}
		_, rqErr := m.queue.Requeue(pctx, j.ID, queue.RequeueOptions{
			CountAttempt: true,
			Reason:       reason,
		})
		switch {
		case errors.Is(rqErr, queue.ErrMaxAttempts):
			m.publish(eventbus.EventJobFailed, eventbus.JobData{
				JobID: j.ID, BotType: j.BotType, Duration: took, Error: reason,
			})
			m.alert("error", fmt.Sprintf("job %s (%s) failed terminally after %d attempts: %s",
				j.ID, j.BotType, j.AttemptCount+1, reason))
			log.Warn("job failed (attempts exhausted)", logx.String("job_id", j.ID), logx.Err(runErr))
		case rqErr != nil:
			log.Error("requeue failed", logx.String("job_id", j.ID), logx.Err(rqErr))
		default:
			log.Warn("job requeued after transient failure",
				logx.String("job_id", j.ID), logx.Err(runErr))
		}
	}
}

func (m *Manager) foldCounters(ctx context.Context, botType string, res Result) {
	day := state.DayKey(time.Now())
	if err := m.store.IncrCounter(ctx, day, botType, "leads_found", int64(res.LeadsFound)); err != nil {
		m.log.Debug("counter write failed", logx.Err(err))
	}
	if err := m.store.IncrCounter(ctx, day, botType, "leads_saved", int64(res.LeadsSaved)); err != nil {
		m.log.Debug("counter write failed", logx.Err(err))
	}
}

// beat writes the heartbeat; failures are logged, never fatal.
func (m *Manager) beat(ctx context.Context, workerID, jobID string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.store.UpsertHeartbeat(hctx, state.Heartbeat{
		WorkerID:     workerID,
		LastSeenAt:   time.Now(),
		CurrentJobID: jobID,
	})
	if err != nil {
		m.log.Warn("heartbeat write failed", logx.String("worker", workerID), logx.Err(err))
	}
}

func (m *Manager) clearHeartbeat(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.DeleteHeartbeat(ctx, workerID); err != nil {
		m.log.Debug("heartbeat delete failed", logx.String("worker", workerID), logx.Err(err))
	}
}

func (m *Manager) publish(typ string, data eventbus.JobData) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (m *Manager) alert(severity, msg string) {
	if m.alerter == nil {
		return
	}
	m.alerter.Alert(severity, msg)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
