package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	return m
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, PollPresetNormal, cfg.Runtime.PollPreset)

	// The default must have been persisted.
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestUpdatePersistsAndPublishes(t *testing.T) {
	m := newTestManager(t)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	updated, err := m.Update(func(c *Config) {
		c.Runtime.PollPreset = PollPresetFast
	})
	require.NoError(t, err)
	assert.Equal(t, PollPresetFast, updated.Runtime.PollPreset)
	assert.Equal(t, PollPresetFast, m.Get().Runtime.PollPreset)

	select {
	case got := <-sub:
		assert.Equal(t, PollPresetFast, got.Runtime.PollPreset)
	default:
		t.Fatal("update was not published to subscriber")
	}

	// A fresh manager reading the same file sees the change.
	m2 := NewManager(m.Path())
	cfg2, err := m2.Load()
	require.NoError(t, err)
	assert.Equal(t, PollPresetFast, cfg2.Runtime.PollPreset)
}

func TestUpdateRejectsUnknownPreset(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Update(func(c *Config) {
		c.Runtime.PollPreset = "warp-speed"
	})
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "poll_preset", verr.Field)

	// Previous value retained, in memory and on disk.
	assert.Equal(t, PollPresetNormal, m.Get().Runtime.PollPreset)
	m2 := NewManager(m.Path())
	cfg2, err := m2.Load()
	require.NoError(t, err)
	assert.Equal(t, PollPresetNormal, cfg2.Runtime.PollPreset)
}

func TestUpdateRejectsBadHours(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Update(func(c *Config) {
		c.Runtime.WorkingHours.Start = 25
	})
	require.Error(t, err)
	assert.Equal(t, 8, m.Get().Runtime.WorkingHours.Start)
}

func TestUpdateAcceptsOvernightWindow(t *testing.T) {
	m := newTestManager(t)

	updated, err := m.Update(func(c *Config) {
		c.Runtime.WorkingHours.Start = 22
		c.Runtime.WorkingHours.End = 6
	})
	require.NoError(t, err)
	assert.Equal(t, 22, updated.Runtime.WorkingHours.Start)
	assert.Equal(t, 6, updated.Runtime.WorkingHours.End)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := map[string]any{"runtime": map[string]any{"poll_preset": "normal", "typo_field": 1}}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = NewManager(path).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typo_field")
}

func TestYAMLConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
telegram: {}
storage: {}
runtime:
  working_hours:
    enabled: true
    start: 22
    end: 6
  poll_preset: fast
  timing_preset: aggressive
  max_posts_per_source: 5
  sources: []
  recipients: [42]
  prompts:
    system: sys
    user: usr
  auth_mode: cookie
  digest:
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, PollPresetFast, cfg.Runtime.PollPreset)
	assert.Equal(t, 22, cfg.Runtime.WorkingHours.Start)
	assert.Equal(t, []int64{42}, cfg.Runtime.Recipients)
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("21:30")
	require.NoError(t, err)
	assert.Equal(t, 21, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("25:00")
	assert.Error(t, err)
	_, _, err = ParseClock("evening")
	assert.Error(t, err)
}
