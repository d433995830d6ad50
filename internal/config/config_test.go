package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sunday", cfg.Calendar.WeekStart)
	assert.Equal(t, 30, cfg.Analytics.WindowDays)
	assert.Equal(t, 365, cfg.Analytics.StreakLookbackDays)
	assert.Equal(t, 1.2, cfg.Analytics.TrendImprovingRatio)
	assert.Equal(t, time.Sunday, cfg.CalendarSettings().WeekStart)

	opts := cfg.AnalyticsOptions()
	assert.Equal(t, 4, opts.TrendMinWindowDays)
	assert.Nil(t, opts.Location)
}

func TestFromYAMLMergesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("calendar:\n  week_start: Mon\nanalytics:\n  window_days: 14\n  timezone: UTC\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Monday, cfg.CalendarSettings().WeekStart)
	assert.Equal(t, 14, cfg.Analytics.WindowDays)
	assert.Equal(t, 365, cfg.Analytics.StreakLookbackDays)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.UTC, cfg.AnalyticsOptions().Location)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"week start":   "calendar:\n  week_start: someday\n",
		"window":       "analytics:\n  window_days: 0\n",
		"ratios":       "analytics:\n  trend_improving_ratio: 0.5\n  trend_declining_ratio: 0.9\n",
		"timezone":     "analytics:\n  timezone: Mars/Olympus\n",
		"log level":    "log:\n  level: loud\n",
		"invalid yaml": "calendar: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hl init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Analytics.WindowDays)

	require.NoError(t, os.WriteFile(Path(dir), []byte("ledger:\n  cascade_requires_due: true\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Ledger.CascadeRequiresDue)

	cfg, err = FromFile(filepath.Join(dir, "habitline.yml"))
	require.NoError(t, err)
	assert.True(t, cfg.Ledger.CascadeRequiresDue)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
