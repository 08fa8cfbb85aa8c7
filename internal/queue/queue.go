// Package queue is the priority job queue. It is a thin policy layer over
// the state store: dedup on enqueue, atomic claim on dequeue, attempt
// accounting on requeue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botherd/internal/eventbus"
	"botherd/internal/state"
	logx "botherd/pkg/logx"
)

var (
	// ErrDuplicate means a pending or running job for the bot_type already
	// exists and Force was not set.
	ErrDuplicate = errors.New("duplicate job for bot_type")

	// ErrMaxAttempts means the attempt ceiling was hit; the job has been
	// transitioned to failed.
	ErrMaxAttempts = errors.New("max attempts exceeded")

	// ErrNotCancellable means the job is not in a state Cancel accepts.
	ErrNotCancellable = errors.New("job is not pending")
)

const (
	// retryBase seeds the exponential requeue backoff (base * 2^(attempt-1)).
	retryBase = time.Minute
	retryMax  = 30 * time.Minute

	// conflictRetries bounds optimistic read-modify-write loops.
	conflictRetries = 5
)

type Options struct {
	// DefaultMaxAttempts is applied to jobs enqueued without an explicit
	// budget. Zero means 3.
	DefaultMaxAttempts int
}

type Queue struct {
	store *state.Store
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options
}

func New(store *state.Store, bus eventbus.Bus, log logx.Logger, opts Options) *Queue {
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	return &Queue{store: store, bus: bus, log: log, opts: opts}
}

// EnqueueRequest describes a job to create. BotType is required; everything
// else has defaults.
type EnqueueRequest struct {
	BotType     string
	Priority    state.Priority
	Payload     json.RawMessage
	ScheduleID  string
	MaxAttempts int

	// Force skips bot_type dedup.
	Force bool
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*state.Job, error) {
	if req.BotType == "" {
		return nil, fmt.Errorf("bot_type is required")
	}
	if req.Priority == 0 {
		req.Priority = state.PriorityNormal
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.opts.DefaultMaxAttempts
	}

	j := &state.Job{
		ID:          uuid.NewString(),
		BotType:     req.BotType,
		Priority:    req.Priority,
		State:       state.JobPending,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		ScheduleID:  req.ScheduleID,
		CreatedAt:   time.Now(),
	}

	if req.Force {
		if err := q.store.CreateJob(ctx, j); err != nil {
			return nil, err
		}
	} else {
		inserted, err := q.store.CreateJobUnlessActive(ctx, j)
		if err != nil {
			return nil, err
		}
		if !inserted {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.BotType)
		}
	}

	q.logEvent(ctx, "job.enqueued", j, "")
	q.log.Debug("job enqueued",
		logx.String("job_id", j.ID),
		logx.String("bot_type", j.BotType),
		logx.String("priority", j.Priority.String()))
	return j, nil
}

// DequeueNext claims the highest-priority eligible pending job and returns it
// in running state. Returns (nil, nil) when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context) (*state.Job, error) {
	return q.store.ClaimNextJob(ctx, time.Now())
}

// RequeueOptions control attempt accounting and dequeue delay.
type RequeueOptions struct {
	// CountAttempt increments attempt_count and applies exponential backoff.
	// Leave false for rate-limit denials, which are not failures.
	CountAttempt bool

	// Delay overrides the computed backoff (e.g. rate-limit hold-off).
	Delay time.Duration

	// Reason lands in last_error and the event log.
	Reason string
}

// Requeue returns a job to pending. With CountAttempt set it increments
// attempt_count and, once the ceiling is passed, transitions the job to
// failed and returns ErrMaxAttempts instead.
func (q *Queue) Requeue(ctx context.Context, jobID string, opts RequeueOptions) (*state.Job, error) {
	for i := 0; i < conflictRetries; i++ {
		j, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return nil, fmt.Errorf("requeue %s: job is %s", jobID, j.State)
		}

		if opts.CountAttempt {
			j.AttemptCount++
			if j.AttemptCount >= j.MaxAttempts {
				j.State = state.JobFailed
				now := time.Now()
				j.FinishedAt = &now
				j.LastError = fmt.Sprintf("max attempts exceeded (%d/%d): %s",
					j.AttemptCount, j.MaxAttempts, opts.Reason)
				if err := q.store.UpdateJob(ctx, j); errors.Is(err, state.ErrConflict) {
					continue
				} else if err != nil {
					return nil, err
				}
				q.logEvent(ctx, "job.failed", j, j.LastError)
				// The caller drove this outcome and publishes the failure
				// event itself; it knows the run context the queue doesn't.
				return j, fmt.Errorf("%w: job %s", ErrMaxAttempts, jobID)
			}
		}

		j.State = state.JobPending
		j.StartedAt = nil
		j.LastError = opts.Reason
		switch {
		case opts.Delay > 0:
			j.RunAfter = time.Now().Add(opts.Delay)
		case opts.CountAttempt:
			j.RunAfter = time.Now().Add(backoffFor(j.AttemptCount))
		default:
			j.RunAfter = time.Time{}
		}

		if err := q.store.UpdateJob(ctx, j); errors.Is(err, state.ErrConflict) {
			continue
		} else if err != nil {
			return nil, err
		}
		q.logEvent(ctx, "job.requeued", j, opts.Reason)
		q.publish(eventbus.EventJobRequeued, j)
		return j, nil
	}
	return nil, fmt.Errorf("requeue %s: %w", jobID, state.ErrConflict)
}

// Complete marks a running job succeeded.
func (q *Queue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	return q.finish(ctx, jobID, state.JobSucceeded, result, "")
}

// Fail marks a running job failed with a human-readable reason.
func (q *Queue) Fail(ctx context.Context, jobID, reason string) error {
	return q.finish(ctx, jobID, state.JobFailed, nil, reason)
}

func (q *Queue) finish(ctx context.Context, jobID string, to state.JobState, result json.RawMessage, reason string) error {
	for i := 0; i < conflictRetries; i++ {
		j, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.State != state.JobRunning {
			return fmt.Errorf("finish %s: job is %s, not running", jobID, j.State)
		}
		j.State = to
		now := time.Now()
		j.FinishedAt = &now
		if result != nil {
			j.Result = result
		}
		j.LastError = reason
		if err := q.store.UpdateJob(ctx, j); errors.Is(err, state.ErrConflict) {
			continue
		} else if err != nil {
			return err
		}
		if to == state.JobSucceeded {
			q.logEvent(ctx, "job.succeeded", j, "")
		} else {
			q.logEvent(ctx, "job.failed", j, reason)
		}
		return nil
	}
	return fmt.Errorf("finish %s: %w", jobID, state.ErrConflict)
}

// Cancel aborts a pending job. Running jobs cannot be cancelled; they either
// finish or get reclaimed by the health monitor.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	for i := 0; i < conflictRetries; i++ {
		j, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.State != state.JobPending {
			return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, jobID, j.State)
		}
		j.State = state.JobCancelled
		now := time.Now()
		j.FinishedAt = &now
		if err := q.store.UpdateJob(ctx, j); errors.Is(err, state.ErrConflict) {
			continue
		} else if err != nil {
			return err
		}
		q.logEvent(ctx, "job.cancelled", j, "")
		return nil
	}
	return fmt.Errorf("cancel %s: %w", jobID, state.ErrConflict)
}

func (q *Queue) Get(ctx context.Context, jobID string) (*state.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

func (q *Queue) List(ctx context.Context, f state.JobFilter) ([]*state.Job, error) {
	return q.store.ListJobs(ctx, f)
}

func backoffFor(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMax {
			return retryMax
		}
	}
	return d
}

func (q *Queue) logEvent(ctx context.Context, kind string, j *state.Job, detail string) {
	err := q.store.LogEvent(ctx, state.Event{
		Kind:    kind,
		JobID:   j.ID,
		BotType: j.BotType,
		Detail:  detail,
	})
	if err != nil {
		q.log.Debug("event log write failed", logx.String("kind", kind), logx.Err(err))
	}
}

func (q *Queue) publish(typ string, j *state.Job) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: eventbus.JobData{
		JobID:   j.ID,
		BotType: j.BotType,
	}})
}
