package config

import "time"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Runtime holds everything operators can change at runtime via chat
	// commands. Mutations go through Manager.Update, which validates and
	// persists before publishing.
	Runtime RuntimeConfig `json:"runtime"`
}

type TelegramConfig struct {
	// Token may be empty here; the TELEGRAM_BOT_TOKEN environment variable
	// takes precedence so the token can stay out of the config file.
	Token string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	// Path is the sqlite database file. Default "./scrapius.db".
	Path string `json:"path,omitempty"`
	// CookieJarPath is where the session cookie jar is persisted.
	// Default "./cookies.json".
	CookieJarPath string `json:"cookie_jar_path,omitempty"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RuntimeConfig is the operator-mutable part of the configuration.
type RuntimeConfig struct {
	WorkingHours WorkingHours `json:"working_hours"`

	// PollPreset selects the scheduler tick interval: slow/normal/fast.
	PollPreset string `json:"poll_preset"`
	// TimingPreset selects the inter-source scrape delay:
	// conservative/normal/aggressive.
	TimingPreset string `json:"timing_preset"`

	// MaxPostsPerSource caps candidates extracted from one source per pass.
	MaxPostsPerSource int `json:"max_posts_per_source"`

	// Sources are the feed URLs scraped each pass, in order.
	Sources []string `json:"sources"`

	// Recipients is the chat allowlist. It gates both outbound delivery and
	// inbound command authorization.
	Recipients []int64 `json:"recipients"`

	Prompts Prompts `json:"prompts"`

	// AuthMode is the preferred login flow: cookie/credentials/manual.
	AuthMode string `json:"auth_mode"`

	Digest DigestConfig `json:"digest"`
}

// WorkingHours is the daily window during which scraping is permitted.
// Start == End means always on. Start > End wraps past midnight.
type WorkingHours struct {
	Enabled bool `json:"enabled"`
	Start   int  `json:"start"`
	End     int  `json:"end"`
	// Timezone is an IANA zone name (e.g. "Europe/Vilnius"). Empty means the
	// process-local zone.
	Timezone string `json:"timezone,omitempty"`
}

type Prompts struct {
	System string `json:"system"`
	User   string `json:"user"`
}

type DigestConfig struct {
	Enabled bool `json:"enabled"`
	// At is the local wall time "HH:MM" the daily digest goes out.
	At string `json:"at,omitempty"`
}

// Poll presets map to the scheduler base tick interval.
const (
	PollPresetSlow   = "slow"
	PollPresetNormal = "normal"
	PollPresetFast   = "fast"
)

var pollIntervals = map[string]time.Duration{
	PollPresetSlow:   1800 * time.Second,
	PollPresetNormal: 900 * time.Second,
	PollPresetFast:   240 * time.Second,
}

// PollInterval returns the tick interval for the configured preset.
// Unknown presets (which validation should have rejected) fall back to normal.
func (r RuntimeConfig) PollInterval() time.Duration {
	if d, ok := pollIntervals[r.PollPreset]; ok {
		return d
	}
	return pollIntervals[PollPresetNormal]
}

// Timing presets map to the delay between scraping consecutive sources.
const (
	TimingConservative = "conservative"
	TimingNormal       = "normal"
	TimingAggressive   = "aggressive"
)

var sourceDelays = map[string]time.Duration{
	TimingConservative: 60 * time.Second,
	TimingNormal:       30 * time.Second,
	TimingAggressive:   15 * time.Second,
}

// SourceDelay returns the inter-source pause for the configured timing preset.
func (r RuntimeConfig) SourceDelay() time.Duration {
	if d, ok := sourceDelays[r.TimingPreset]; ok {
		return d
	}
	return sourceDelays[TimingNormal]
}

// Auth modes.
const (
	AuthModeCookie      = "cookie"
	AuthModeCredentials = "credentials"
	AuthModeManual      = "manual"
)

// Location resolves the working-hours timezone, falling back to local time.
func (w WorkingHours) Location() *time.Location {
	if w.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Contains reports whether t falls inside the window. A disabled window
// contains every time, as does Start == End.
func (w WorkingHours) Contains(t time.Time) bool {
	if !w.Enabled || w.Start == w.End {
		return true
	}
	h := t.In(w.Location()).Hour()
	if w.Start < w.End {
		return h >= w.Start && h < w.End
	}
	// Overnight window, e.g. 22-6: inside when at or past start OR before end.
	return h >= w.Start || h < w.End
}

// IsAuthorized reports whether chatID is on the recipient allowlist.
func (r RuntimeConfig) IsAuthorized(chatID int64) bool {
	for _, id := range r.Recipients {
		if id == chatID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so Update mutators cannot alias published
// snapshots through the slice fields.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Runtime.Sources = append([]string(nil), c.Runtime.Sources...)
	cp.Runtime.Recipients = append([]int64(nil), c.Runtime.Recipients...)
	return &cp
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Runtime: RuntimeConfig{
			WorkingHours:      WorkingHours{Enabled: true, Start: 8, End: 22},
			PollPreset:        PollPresetNormal,
			TimingPreset:      TimingNormal,
			MaxPostsPerSource: 20,
			AuthMode:          AuthModeCookie,
			Digest:            DigestConfig{Enabled: false, At: "21:00"},
		},
	}
}
