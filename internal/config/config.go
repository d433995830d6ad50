package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"habitline/internal/analytics"
	"habitline/internal/calendar"
)

// Config models habitline.yml.
type Config struct {
	Calendar struct {
		WeekStart string `yaml:"week_start"`
	} `yaml:"calendar"`
	Analytics struct {
		WindowDays          int     `yaml:"window_days"`
		StreakLookbackDays  int     `yaml:"streak_lookback_days"`
		TrendMinWindowDays  int     `yaml:"trend_min_window_days"`
		TrendImprovingRatio float64 `yaml:"trend_improving_ratio"`
		TrendDecliningRatio float64 `yaml:"trend_declining_ratio"`
		Timezone            string  `yaml:"timezone"`
	} `yaml:"analytics"`
	Ledger struct {
		CascadeRequiresDue bool `yaml:"cascade_requires_due"`
	} `yaml:"ledger"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with hl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := calendar.ParseWeekday(c.Calendar.WeekStart); err != nil {
		return fmt.Errorf("config.calendar.week_start: %w", err)
	}
	a := c.Analytics
	if a.WindowDays < 1 {
		return fmt.Errorf("config.analytics.window_days must be at least 1")
	}
	if a.StreakLookbackDays < 1 {
		return fmt.Errorf("config.analytics.streak_lookback_days must be at least 1")
	}
	if a.TrendMinWindowDays < 1 {
		return fmt.Errorf("config.analytics.trend_min_window_days must be at least 1")
	}
	if a.TrendImprovingRatio <= 0 || a.TrendDecliningRatio <= 0 {
		return fmt.Errorf("config.analytics trend ratios must be positive")
	}
	if a.TrendDecliningRatio > a.TrendImprovingRatio {
		return fmt.Errorf("config.analytics.trend_declining_ratio must not exceed trend_improving_ratio")
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("config.analytics.timezone: %w", err)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("config.log rotation limits must not be negative")
	}
	return nil
}

// CalendarSettings returns the calendar shared by the resolver and analytics.
func (c *Config) CalendarSettings() calendar.Calendar {
	wd, _ := calendar.ParseWeekday(c.Calendar.WeekStart)
	return calendar.Calendar{WeekStart: wd}
}

// AnalyticsOptions maps the analytics block onto engine options.
func (c *Config) AnalyticsOptions() analytics.Options {
	a := c.Analytics
	opts := analytics.Options{
		WindowDays:         a.WindowDays,
		StreakLookbackDays: a.StreakLookbackDays,
		TrendMinWindowDays: a.TrendMinWindowDays,
		ImprovingRatio:     a.TrendImprovingRatio,
		DecliningRatio:     a.TrendDecliningRatio,
	}
	if a.Timezone != "" {
		if loc, err := time.LoadLocation(a.Timezone); err == nil {
			opts.Location = loc
		}
	}
	return opts
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "habitline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `calendar:
  week_start: sunday

analytics:
  window_days: 30
  streak_lookback_days: 365
  trend_min_window_days: 4
  trend_improving_ratio: 1.2
  trend_declining_ratio: 0.8
  timezone: ""

ledger:
  # only cascade completions to dependents that are due that day
  cascade_requires_due: false

log:
  level: info
  file: ""
  max_size_mb: 10
  max_backups: 3
`
