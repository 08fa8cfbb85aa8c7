package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind is the normalized kind of a trigger string. We keep this
// small: either a cron expression (robfig/cron) or a fixed interval.
type TriggerKind int

const (
	TriggerCron TriggerKind = iota
	TriggerInterval
)

// Trigger is a parsed schedule trigger.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "0 9 * * 1-5", "@hourly"
//   - Interval duration: "45m", "2h30m"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Trigger struct {
	Kind  TriggerKind
	Expr  string
	Every time.Duration

	sched cron.Schedule
	loc   *time.Location
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseTrigger parses a trigger string. Cron expressions are evaluated in loc
// (nil means time.Local).
func ParseTrigger(raw string, loc *time.Location) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("trigger required")
	}
	if loc == nil {
		loc = time.Local
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc)
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]))
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s, loc)
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Trigger{}, fmt.Errorf("interval must be > 0")
		}
		return Trigger{Kind: TriggerInterval, Expr: s, Every: d}, nil
	}

	return Trigger{}, fmt.Errorf(
		"invalid trigger %q (use cron like '*/5 * * * *' or a duration like '45m')", raw)
}

func parseCron(expr string, loc *time.Location) (Trigger, error) {
	if expr == "" {
		return Trigger{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Trigger{Kind: TriggerCron, Expr: expr, sched: sched, loc: loc}, nil
}

func parseEvery(v string) (Trigger, error) {
	if v == "" {
		return Trigger{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Trigger{}, fmt.Errorf("interval must be > 0")
	}
	return Trigger{Kind: TriggerInterval, Expr: v, Every: d}, nil
}

// NextFire returns the first firing time strictly after last. The caller
// fires when the returned time is not after now.
func (t Trigger) NextFire(last time.Time) time.Time {
	switch t.Kind {
	case TriggerCron:
		return t.sched.Next(last.In(t.loc))
	case TriggerInterval:
		return last.Add(t.Every)
	}
	return time.Time{}
}

// Due reports whether the trigger has fired in (last, now].
func (t Trigger) Due(last, now time.Time) bool {
	next := t.NextFire(last)
	return !next.IsZero() && !next.After(now)
}

func (t Trigger) String() string {
	if t.Kind == TriggerCron {
		return "cron(" + t.Expr + ")"
	}
	return "every(" + t.Every.String() + ")"
}
