// Package config handles loading and validating tokentally configuration.
// Supports a global YAML file, a per-directory override file and environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectConfigName is the per-directory override file name.
const ProjectConfigName = "tokentally.yaml"

// EnvPrefix prefixes environment overrides, e.g. TOKENTALLY_PATHS_DB_PATH.
const EnvPrefix = "TOKENTALLY"

// Defaults.
const (
	DefaultProjectsDir   = "~/.claude/projects"
	DefaultDBPath        = "~/.local/share/tokentally/tokentally.db"
	DefaultBatchSize     = 500
	DefaultTimezone      = "Local"
	DefaultDebounce      = "2s"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultLogPath       = "~/.local/share/tokentally/logs"
	DefaultRetentionDays = 7
)

// Validation errors.
var (
	ErrCronAndInterval  = errors.New("sync.schedule: cron and interval are mutually exclusive")
	ErrInvalidInterval  = errors.New("sync.schedule.interval: invalid duration")
	ErrInvalidBatchSize = errors.New("sync.batch_size must be positive")
	ErrInvalidTimezone  = errors.New("sync.timezone: unknown location")
	ErrInvalidDebounce  = errors.New("sync.watch.debounce: invalid duration")
	ErrInvalidLogLevel  = errors.New("logging.level must be debug, info, warn or error")
	ErrInvalidLogFormat = errors.New("logging.format must be json or text")
)

// Config holds all tokentally configuration.
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Pricing PricingConfig `mapstructure:"pricing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PathsConfig locates the log tree and the database.
type PathsConfig struct {
	ProjectsDir string `mapstructure:"projects_dir"`
	DBPath      string `mapstructure:"db_path"`
}

// SyncConfig controls ingestion.
type SyncConfig struct {
	BatchSize int            `mapstructure:"batch_size"`
	Timezone  string         `mapstructure:"timezone"`
	Schedule  ScheduleConfig `mapstructure:"schedule"`
	Watch     WatchConfig    `mapstructure:"watch"`
}

// ScheduleConfig drives daemon syncs. Cron and Interval are mutually exclusive.
type ScheduleConfig struct {
	Cron     string        `mapstructure:"cron"`
	Interval string        `mapstructure:"interval"`
	Window   *WindowConfig `mapstructure:"window"`
}

// WindowConfig limits scheduled syncs to a time-of-day range. End is
// exclusive; a window whose end precedes its start spans midnight.
type WindowConfig struct {
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// WatchConfig enables filesystem-triggered syncs in the daemon.
type WatchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Debounce string `mapstructure:"debounce"`
}

// PricingConfig points at an optional rate table merged over the built-in one.
type PricingConfig struct {
	TablePath string `mapstructure:"table_path"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// GlobalConfigPath returns ~/.config/tokentally/config.yaml.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "tokentally", "config.yaml")
	}
	return filepath.Join(home, ".config", "tokentally", "config.yaml")
}

// Load reads the global config and a tokentally.yaml in the working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFromPaths loads globalPath, merges projectDir/tokentally.yaml over it,
// then applies environment overrides. Missing files are not an error.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := newViper()

	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config %s: %w", globalPath, err)
		}
	}

	projectPath := filepath.Join(projectDir, ProjectConfigName)
	if fileExists(projectPath) && projectPath != globalPath {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no files or env overrides exist.
func Default() *Config {
	cfg := &Config{}
	_ = newViper().Unmarshal(cfg)
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.projects_dir", DefaultProjectsDir)
	v.SetDefault("paths.db_path", DefaultDBPath)
	v.SetDefault("sync.batch_size", DefaultBatchSize)
	v.SetDefault("sync.timezone", DefaultTimezone)
	v.SetDefault("sync.schedule.cron", "")
	v.SetDefault("sync.schedule.interval", "")
	v.SetDefault("sync.watch.enabled", false)
	v.SetDefault("sync.watch.debounce", DefaultDebounce)
	v.SetDefault("pricing.table_path", "")
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.path", DefaultLogPath)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.retention_days", DefaultRetentionDays)
}

// Validate checks cfg for invalid combinations. Empty fields are allowed and
// take defaults at use sites.
func Validate(cfg *Config) error {
	if cfg.Sync.Schedule.Cron != "" && cfg.Sync.Schedule.Interval != "" {
		return ErrCronAndInterval
	}
	if cfg.Sync.Schedule.Interval != "" {
		d, err := time.ParseDuration(cfg.Sync.Schedule.Interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidInterval, cfg.Sync.Schedule.Interval)
		}
	}
	if cfg.Sync.BatchSize < 0 {
		return ErrInvalidBatchSize
	}
	if cfg.Sync.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Sync.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimezone, cfg.Sync.Timezone)
		}
	}
	if cfg.Sync.Watch.Debounce != "" {
		d, err := time.ParseDuration(cfg.Sync.Watch.Debounce)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: %q", ErrInvalidDebounce, cfg.Sync.Watch.Debounce)
		}
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	return nil
}

// ExpandedDBPath returns the database path with ~ expanded.
func (c *Config) ExpandedDBPath() string {
	if c.Paths.DBPath == "" {
		return expandPath(DefaultDBPath)
	}
	return expandPath(c.Paths.DBPath)
}

// ExpandedProjectsDir returns the log root with ~ expanded.
func (c *Config) ExpandedProjectsDir() string {
	if c.Paths.ProjectsDir == "" {
		return expandPath(DefaultProjectsDir)
	}
	return expandPath(c.Paths.ProjectsDir)
}

// ExpandedPricingPath returns the override table path, or "" when unset.
func (c *Config) ExpandedPricingPath() string {
	if c.Pricing.TablePath == "" {
		return ""
	}
	return expandPath(c.Pricing.TablePath)
}

// ExpandedLogPath returns the log directory with ~ expanded.
func (c *Config) ExpandedLogPath() string {
	if c.Logging.Path == "" {
		return expandPath(DefaultLogPath)
	}
	return expandPath(c.Logging.Path)
}

// Location returns the timezone used for derived date strings.
func (c *Config) Location() *time.Location {
	if c.Sync.Timezone == "" || c.Sync.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// BatchSize returns the insert batch size.
func (c *Config) BatchSize() int {
	if c.Sync.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.Sync.BatchSize
}

// DebounceDuration returns the watcher quiet period.
func (c *Config) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(c.Sync.Watch.Debounce)
	if err != nil || c.Sync.Watch.Debounce == "" {
		d, _ = time.ParseDuration(DefaultDebounce)
	}
	return d
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
