package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound means the referenced id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means an optimistic version check failed; the caller should
	// re-read and retry.
	ErrConflict = errors.New("version conflict")
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Priority orders jobs in the queue. Lower value dequeues first.
type Priority int

const (
	PriorityHot    Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityHot:
		return "hot"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the string forms used in config and the API.
// Empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hot":
		return PriorityHot, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Job is one unit of work for a single bot type run.
//
// Version implements optimistic concurrency: every read returns the current
// version and every update names the version it read. RunAfter delays
// eligibility for dequeue (retry backoff, rate-limit backoff).
type Job struct {
	ID           string          `json:"id"`
	BotType      string          `json:"bot_type"`
	Priority     Priority        `json:"priority"`
	State        JobState        `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduleID   string          `json:"schedule_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	RunAfter     time.Time       `json:"run_after,omitempty"`
	Version      int64           `json:"version"`
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	States   []JobState
	BotType  string
	Priority Priority // 0 matches all
	Limit    int
}

// Schedule is a recurring trigger definition that produces jobs.
// ID is the schedule name from config.
type Schedule struct {
	ID          string          `json:"id"`
	BotType     string          `json:"bot_type"`
	Trigger     string          `json:"trigger"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Enabled     bool            `json:"enabled"`
	DailyCap    int             `json:"daily_cap,omitempty"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	Version     int64           `json:"version"`
}

// Heartbeat is the liveness record a worker overwrites each iteration.
type Heartbeat struct {
	WorkerID     string    `json:"worker_id"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
}

// RateBudget is a persisted fixed-window counter for one external service.
type RateBudget struct {
	Service     string        `json:"service"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
	Consumed    int           `json:"consumed"`
	Limit       int           `json:"limit"`
}

// Event is one append-only row in the orchestration event log.
type Event struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	JobID   string    `json:"job_id,omitempty"`
	BotType string    `json:"bot_type,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}
