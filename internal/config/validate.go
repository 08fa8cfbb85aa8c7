package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate performs structural checks that don't need other packages.
// Trigger specs are validated by the scheduler through the manager's
// validation hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("queue.rate_limit_delay", cfg.Queue.RateLimitDelay); err != nil {
		return err
	}
	if cfg.Queue.DefaultMaxAttempts < 0 {
		return fmt.Errorf("queue.default_max_attempts: must be >= 0")
	}

	for _, f := range []struct{ path, raw string }{
		{"scheduler.tick_interval", cfg.Scheduler.TickInterval},
		{"scheduler.maintenance_interval", cfg.Scheduler.MaintenanceInterval},
		{"workers.default_timeout", cfg.Workers.DefaultTimeout},
		{"workers.heartbeat_interval", cfg.Workers.HeartbeatInterval},
		{"workers.idle_poll", cfg.Workers.IdlePoll},
		{"workers.drain_timeout", cfg.Workers.DrainTimeout},
		{"health.check_interval", cfg.Health.CheckInterval},
		{"health.heartbeat_timeout", cfg.Health.HeartbeatTimeout},
		{"retention.job_ttl", cfg.Retention.JobTTL},
		{"retention.event_ttl", cfg.Retention.EventTTL},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Scheduler.Schedules))
	for i, s := range cfg.Scheduler.Schedules {
		at := fmt.Sprintf("scheduler.schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%s: name is required", at)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s: duplicate schedule name %q", at, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(s.BotType) == "" {
			return fmt.Errorf("%s: bot_type is required", at)
		}
		if strings.TrimSpace(s.Trigger) == "" {
			return fmt.Errorf("%s: trigger is required", at)
		}
		switch strings.ToLower(strings.TrimSpace(s.Priority)) {
		case "", "hot", "high", "normal", "low":
		default:
			return fmt.Errorf("%s: unknown priority %q", at, s.Priority)
		}
		if s.DailyCap < 0 {
			return fmt.Errorf("%s: daily_cap must be >= 0", at)
		}
	}

	if cfg.Workers.Count < 0 {
		return fmt.Errorf("workers.count: must be >= 0")
	}
	if cfg.Health.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("health.max_recovery_attempts: must be >= 0")
	}

	if rl := cfg.RateLimits; rl != nil {
		for svc, b := range rl.Budgets {
			at := fmt.Sprintf("rate_limits.budgets[%s]", svc)
			if b.Limit <= 0 {
				return fmt.Errorf("%s: limit must be > 0", at)
			}
			w, err := ParseDurationField(at+".window", b.Window)
			if err != nil {
				return err
			}
			if w <= 0 {
				return fmt.Errorf("%s: window is required", at)
			}
		}
		for bt, svc := range rl.Services {
			if strings.TrimSpace(svc) == "" {
				return fmt.Errorf("rate_limits.services[%s]: service name is empty", bt)
			}
		}
	}

	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if n.Telegram != nil {
			if strings.TrimSpace(n.Telegram.Token) == "" {
				return fmt.Errorf("notifier.telegram.token: required when telegram is set")
			}
			if n.Telegram.ChatID == 0 {
				return fmt.Errorf("notifier.telegram.chat_id: required when telegram is set")
			}
		}
	}

	if h := cfg.HTTP; h != nil && h.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"http.read_timeout", h.ReadTimeout},
			{"http.write_timeout", h.WriteTimeout},
			{"http.idle_timeout", h.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	return nil
}
