package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration knobs in the config file are Go duration strings ("500ms",
// "2m", "1h30m"). An absent field is zero; callers that want a fallback
// use ParseDurationOrDefault. Negative durations are rejected because no
// timeout, tick, window or TTL in botherd is meaningfully negative.

// ParseDurationField parses a duration knob. The path names the field in
// error messages ("workers.idle_poll").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault parses a duration knob, substituting def when the
// field is absent or zero. Parse errors still surface.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
