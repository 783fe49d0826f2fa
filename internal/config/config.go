// Package config handles configuration loading, validation, and management for slidegate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"slidegate/internal/challenge"
	"slidegate/internal/classifier"
	"slidegate/internal/logging"
	"slidegate/internal/session"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SLIDEGATE_"

// Config holds the complete gate configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Gate describes the widget and its default difficulty.
	Gate GateConfig `toml:"gate" json:"gate" yaml:"gate"`

	// Thresholds tunes the bot heuristics.
	Thresholds ThresholdsConfig `toml:"thresholds" json:"thresholds" yaml:"thresholds"`

	// Presets is the difficulty table, keyed by preset name.
	Presets map[string]ProfileConfig `toml:"presets" json:"presets" yaml:"presets"`

	// Storage configures the attempt audit store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// GateConfig holds the widget layout and session behaviour.
type GateConfig struct {
	// TrackWidth is the slider track width in pixels.
	TrackWidth int `toml:"track_width" json:"track_width" yaml:"track_width"`

	// SliderWidth is the handle width in pixels.
	SliderWidth int `toml:"slider_width" json:"slider_width" yaml:"slider_width"`

	// Difficulty names the preset challenges are issued with.
	Difficulty string `toml:"difficulty" json:"difficulty" yaml:"difficulty"`

	// ResetDelayMs is how long a rejection is shown before a new challenge.
	ResetDelayMs int `toml:"reset_delay_ms" json:"reset_delay_ms" yaml:"reset_delay_ms"`

	// Seed fixes the target RNG. Zero seeds from the clock.
	Seed int64 `toml:"seed" json:"seed" yaml:"seed"`

	// RejectReplays rejects gestures whose telemetry fingerprint was seen before.
	RejectReplays bool `toml:"reject_replays" json:"reject_replays" yaml:"reject_replays"`
}

// ThresholdsConfig holds the heuristic tuning values.
type ThresholdsConfig struct {
	// MinVelocityVariance in px²/ms².
	MinVelocityVariance float64 `toml:"min_velocity_variance" json:"min_velocity_variance" yaml:"min_velocity_variance"`

	// MinPathRatio is the minimum path length over chord length.
	MinPathRatio float64 `toml:"min_path_ratio" json:"min_path_ratio" yaml:"min_path_ratio"`

	// MinIntervalVariance in ms².
	MinIntervalVariance float64 `toml:"min_interval_variance" json:"min_interval_variance" yaml:"min_interval_variance"`
}

// ProfileConfig is one difficulty preset.
type ProfileConfig struct {
	TolerancePx    int   `toml:"tolerance_px" json:"tolerance_px" yaml:"tolerance_px"`
	MinDurationMs  int64 `toml:"min_duration_ms" json:"min_duration_ms" yaml:"min_duration_ms"`
	MaxDurationMs  int64 `toml:"max_duration_ms" json:"max_duration_ms" yaml:"max_duration_ms"`
	MinPathSamples int   `toml:"min_path_samples" json:"min_path_samples" yaml:"min_path_samples"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite", "memory" or "none".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// RetentionDays prunes attempts older than this. Zero keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path, when set, receives a metrics snapshot on shutdown.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Format is "prometheus" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := SlidegateDir()

	presets := make(map[string]ProfileConfig)
	for name, p := range challenge.DefaultPresets() {
		presets[name] = profileConfigFrom(p)
	}
	th := classifier.DefaultThresholds()

	return &Config{
		Version: Version,
		Gate: GateConfig{
			TrackWidth:    300,
			SliderWidth:   40,
			Difficulty:    challenge.Medium,
			ResetDelayMs:  int(session.DefaultResetDelay / time.Millisecond),
			RejectReplays: true,
		},
		Thresholds: ThresholdsConfig{
			MinVelocityVariance: th.MinVelocityVariance,
			MinPathRatio:        th.MinPathRatio,
			MinIntervalVariance: th.MinIntervalVariance,
		},
		Presets: presets,
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dataDir, "attempts.db"),
			BusyTimeoutMs: 5000,
			RetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dataDir, "logs", "slidegate.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Format:  "prometheus",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied but the result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Metrics.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Metrics.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SlidegateDir returns the base data directory.
// Uses platform-specific paths or the SLIDEGATE_DATA_DIR override.
func SlidegateDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SLIDEGATE_. Malformed numbers are
// reported as validation errors and leave the field unchanged.
func (c *Config) ApplyEnvOverrides() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs ValidationErrors
	envInt := func(name string, dst *int) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: fmt.Sprintf("not an integer: %q", v)})
			return
		}
		*dst = n
	}
	envString := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	// Gate
	envInt("TRACK_WIDTH", &c.Gate.TrackWidth)
	envInt("SLIDER_WIDTH", &c.Gate.SliderWidth)
	envInt("RESET_DELAY_MS", &c.Gate.ResetDelayMs)
	envString("DIFFICULTY", &c.Gate.Difficulty)
	if v := os.Getenv(EnvPrefix + "SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "SEED", Message: fmt.Sprintf("not an integer: %q", v)})
		} else {
			c.Gate.Seed = n
		}
	}

	// Storage
	envString("STORAGE_TYPE", &c.Storage.Type)
	envString("STORAGE_PATH", &c.Storage.Path)

	// Logging
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("LOG_OUTPUT", &c.Logging.Output)
	envString("LOG_PATH", &c.Logging.FilePath)

	// Metrics
	envString("METRICS_PATH", &c.Metrics.Path)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Gate:       c.Gate,
		Thresholds: c.Thresholds,
		Storage:    c.Storage,
		Logging:    c.Logging,
		Metrics:    c.Metrics,
	}
	if c.Presets != nil {
		clone.Presets = make(map[string]ProfileConfig, len(c.Presets))
		for k, v := range c.Presets {
			clone.Presets[k] = v
		}
	}
	return clone
}

// assign copies every section of o into c.
func (c *Config) assign(o *Config) {
	src := o.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Version = src.Version
	c.Gate = src.Gate
	c.Thresholds = src.Thresholds
	c.Presets = src.Presets
	c.Storage = src.Storage
	c.Logging = src.Logging
	c.Metrics = src.Metrics
}

// ChallengePresets converts the preset table for the challenge generator.
func (c *Config) ChallengePresets() challenge.Presets {
	out := make(challenge.Presets, len(c.Presets))
	for name, p := range c.Presets {
		key := strings.ToLower(name)
		out[key] = challenge.DifficultyProfile{
			Name:              key,
			ToleranceDistance: p.TolerancePx,
			MinDurationMs:     p.MinDurationMs,
			MaxDurationMs:     p.MaxDurationMs,
			MinPathSamples:    p.MinPathSamples,
		}
	}
	return out
}

// PresetNames returns the configured preset names in sorted order.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for name := range c.Presets {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)
	return names
}

// ClassifierThresholds converts the thresholds section for the classifier.
func (c *Config) ClassifierThresholds() classifier.Thresholds {
	return classifier.Thresholds{
		MinVelocityVariance: c.Thresholds.MinVelocityVariance,
		MinPathRatio:        c.Thresholds.MinPathRatio,
		MinIntervalVariance: c.Thresholds.MinIntervalVariance,
	}
}

// SessionConfig builds the controller configuration for the gate widget.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		TrackWidth:  c.Gate.TrackWidth,
		SliderWidth: c.Gate.SliderWidth,
		Profile:     c.Gate.Difficulty,
		ResetDelay:  time.Duration(c.Gate.ResetDelayMs) * time.Millisecond,
	}
}

// LoggerConfig builds the logging configuration. The section is expected to
// have passed validation; unknown values fall back to logging defaults.
func (c *Config) LoggerConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = level
	}
	if format, err := logging.ParseFormat(c.Logging.Format); err == nil {
		lc.Format = format
	}
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	lc.MaxSizeMB = c.Logging.MaxSizeMB
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAgeDays = c.Logging.MaxAgeDays
	return lc
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func profileConfigFrom(p challenge.DifficultyProfile) ProfileConfig {
	return ProfileConfig{
		TolerancePx:    p.ToleranceDistance,
		MinDurationMs:  p.MinDurationMs,
		MaxDurationMs:  p.MaxDurationMs,
		MinPathSamples: p.MinPathSamples,
	}
}
