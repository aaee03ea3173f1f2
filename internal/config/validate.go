package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError marks an operator-supplied setting as invalid. Updates
// failing validation leave the committed config untouched.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the whole config. Working-hours semantics: start == end is
// "always on" (valid), start > end is an overnight window (valid).
func Validate(cfg *Config) error {
	if cfg == nil {
		return invalidf("config", "is nil")
	}

	wh := cfg.Runtime.WorkingHours
	if wh.Start < 0 || wh.Start > 23 {
		return invalidf("working_hours.start", "hour %d out of range 0-23", wh.Start)
	}
	if wh.End < 0 || wh.End > 23 {
		return invalidf("working_hours.end", "hour %d out of range 0-23", wh.End)
	}
	if wh.Timezone != "" {
		if _, err := time.LoadLocation(wh.Timezone); err != nil {
			return invalidf("working_hours.timezone", "unknown zone %q", wh.Timezone)
		}
	}

	if _, ok := pollIntervals[cfg.Runtime.PollPreset]; !ok {
		return invalidf("poll_preset", "unknown preset %q (want slow/normal/fast)", cfg.Runtime.PollPreset)
	}
	if _, ok := sourceDelays[cfg.Runtime.TimingPreset]; !ok {
		return invalidf("timing_preset", "unknown preset %q (want conservative/normal/aggressive)", cfg.Runtime.TimingPreset)
	}

	switch cfg.Runtime.AuthMode {
	case AuthModeCookie, AuthModeCredentials, AuthModeManual:
	default:
		return invalidf("auth_mode", "unknown mode %q (want cookie/credentials/manual)", cfg.Runtime.AuthMode)
	}

	if cfg.Runtime.MaxPostsPerSource < 1 {
		return invalidf("max_posts_per_source", "must be >= 1, got %d", cfg.Runtime.MaxPostsPerSource)
	}

	for i, src := range cfg.Runtime.Sources {
		if strings.TrimSpace(src) == "" {
			return invalidf("sources", "entry %d is empty", i)
		}
	}

	if cfg.Runtime.Digest.Enabled {
		if _, _, err := ParseClock(cfg.Runtime.Digest.At); err != nil {
			return invalidf("digest.at", "%v", err)
		}
	}

	if d, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return invalidf("telegram.poll_timeout", "%v", err)
	} else if d > 10*time.Minute {
		return invalidf("telegram.poll_timeout", "must be <= 10m")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return invalidf("storage.busy_timeout", "%v", err)
	}

	return nil
}

// ParseClock parses "HH:MM" wall time.
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %q out of range", s)
	}
	return hour, minute, nil
}
