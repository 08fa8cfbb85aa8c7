package app

import (
	"fmt"
	"time"

	"botherd/internal/config"
	"botherd/internal/health"
	"botherd/internal/notify"
	"botherd/internal/queue"
	"botherd/internal/ratelimit"
	"botherd/internal/schedule"
	"botherd/internal/state"
	"botherd/internal/worker"
)

// The config file speaks duration strings and priority names; components
// take parsed structs. These mappers are the only translation point.

func mapStateConfig(cfg *config.Config) (state.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return state.Config{}, err
	}
	return state.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapQueueOptions(cfg *config.Config) queue.Options {
	return queue.Options{DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts}
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	out := ratelimit.Config{}
	if cfg.RateLimits == nil {
		return out, nil
	}
	out.Services = cfg.RateLimits.Services
	if len(cfg.RateLimits.Budgets) > 0 {
		out.Budgets = make(map[string]ratelimit.Budget, len(cfg.RateLimits.Budgets))
		for svc, b := range cfg.RateLimits.Budgets {
			w, err := config.ParseDurationField("rate_limits.budgets."+svc+".window", b.Window)
			if err != nil {
				return out, err
			}
			out.Budgets[svc] = ratelimit.Budget{Limit: b.Limit, Window: w}
		}
	}
	return out, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return schedule.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 10*time.Second)
	if err != nil {
		return schedule.Config{}, err
	}
	maint, err := config.ParseDurationOrDefault("scheduler.maintenance_interval", cfg.Scheduler.MaintenanceInterval, time.Hour)
	if err != nil {
		return schedule.Config{}, err
	}
	jobTTL, err := config.ParseDurationOrDefault("retention.job_ttl", cfg.Retention.JobTTL, 7*24*time.Hour)
	if err != nil {
		return schedule.Config{}, err
	}
	eventTTL, err := config.ParseDurationOrDefault("retention.event_ttl", cfg.Retention.EventTTL, 14*24*time.Hour)
	if err != nil {
		return schedule.Config{}, err
	}

	decls := make([]schedule.Decl, 0, len(cfg.Scheduler.Schedules))
	for _, sc := range cfg.Scheduler.Schedules {
		enabled := true
		if sc.Enabled != nil {
			enabled = *sc.Enabled
		}
		decls = append(decls, schedule.Decl{
			Name:     sc.Name,
			BotType:  sc.BotType,
			Trigger:  sc.Trigger,
			Priority: schedule.ParsePriorityOrDefault(sc.Priority),
			Payload:  sc.Payload,
			Enabled:  enabled,
			DailyCap: sc.DailyCap,
		})
	}

	return schedule.Config{
		Enabled:             cfg.Scheduler.Enabled,
		Location:            loc,
		TickInterval:        tick,
		MaintenanceInterval: maint,
		JobTTL:              jobTTL,
		EventTTL:            eventTTL,
		Schedules:           decls,
	}, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	timeout, err := config.ParseDurationOrDefault("workers.default_timeout", cfg.Workers.DefaultTimeout, 10*time.Minute)
	if err != nil {
		return worker.Config{}, err
	}
	heartbeat, err := config.ParseDurationOrDefault("workers.heartbeat_interval", cfg.Workers.HeartbeatInterval, 15*time.Second)
	if err != nil {
		return worker.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("workers.idle_poll", cfg.Workers.IdlePoll, 2*time.Second)
	if err != nil {
		return worker.Config{}, err
	}
	rlDelay, err := config.ParseDurationOrDefault("queue.rate_limit_delay", cfg.Queue.RateLimitDelay, 5*time.Second)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Count:             cfg.Workers.Count,
		DefaultTimeout:    timeout,
		HeartbeatInterval: heartbeat,
		IdlePoll:          idle,
		RateLimitDelay:    rlDelay,
	}, nil
}

func mapDrainTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("workers.drain_timeout", cfg.Workers.DrainTimeout, 30*time.Second)
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	check, err := config.ParseDurationOrDefault("health.check_interval", cfg.Health.CheckInterval, 30*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	hbTimeout, err := config.ParseDurationOrDefault("health.heartbeat_timeout", cfg.Health.HeartbeatTimeout, 2*time.Minute)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		CheckInterval:       check,
		HeartbeatTimeout:    hbTimeout,
		MaxRecoveryAttempts: cfg.Health.MaxRecoveryAttempts,
	}, nil
}

// mapNotifyConfig returns the pipeline config and whether the notifier is
// enabled. An omitted section means enabled with defaults.
func mapNotifyConfig(cfg *config.Config) (notify.Config, bool, error) {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, true, nil
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, false, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, false, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 0)
	if err != nil {
		return notify.Config{}, false, err
	}
	return notify.Config{
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}, n.Enabled, nil
}

type httpConfig struct {
	enabled      bool
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

func mapHTTPConfig(cfg *config.Config) (httpConfig, error) {
	h := cfg.HTTP
	if h == nil || !h.Enabled {
		return httpConfig{}, nil
	}
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpConfig{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, time.Minute)
	if err != nil {
		return httpConfig{}, err
	}
	addr := h.Addr
	if addr == "" {
		addr = "127.0.0.1:8700"
	}
	return httpConfig{
		enabled:      true,
		addr:         addr,
		readTimeout:  read,
		writeTimeout: write,
		idleTimeout:  idle,
	}, nil
}
