package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validatePresets(c.Presets)...)
	errs = append(errs, validateGate(&c.Gate, c.Presets)...)
	errs = append(errs, validateThresholds(&c.Thresholds)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateGate(g *GateConfig, presets map[string]ProfileConfig) ValidationErrors {
	var errs ValidationErrors

	if g.TrackWidth <= 0 {
		errs = append(errs, *RangeError("gate.track_width", 1, "any"))
	}
	if g.SliderWidth <= 0 {
		errs = append(errs, *RangeError("gate.slider_width", 1, "any"))
	}
	if g.TrackWidth > 0 && g.SliderWidth > g.TrackWidth {
		errs = append(errs, ValidationError{
			Field:   "gate.slider_width",
			Message: fmt.Sprintf("slider width %d exceeds track width %d", g.SliderWidth, g.TrackWidth),
		})
	}
	if g.ResetDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "gate.reset_delay_ms",
			Message: "reset delay cannot be negative",
		})
	}

	if g.Difficulty == "" {
		errs = append(errs, *RequiredFieldError("gate.difficulty"))
	} else if _, ok := lookupPreset(presets, g.Difficulty); !ok {
		errs = append(errs, ValidationError{
			Field:   "gate.difficulty",
			Message: fmt.Sprintf("unknown preset %q (available: %s)", g.Difficulty, strings.Join(presetNames(presets), ", ")),
		})
	}

	return errs
}

func validateThresholds(t *ThresholdsConfig) ValidationErrors {
	var errs ValidationErrors

	if t.MinVelocityVariance <= 0 {
		errs = append(errs, ValidationError{
			Field:   "thresholds.min_velocity_variance",
			Message: "must be positive",
		})
	}
	if t.MinPathRatio < 1 {
		errs = append(errs, ValidationError{
			Field:   "thresholds.min_path_ratio",
			Message: "must be at least 1 (a path is never shorter than its chord)",
		})
	}
	if t.MinIntervalVariance <= 0 {
		errs = append(errs, ValidationError{
			Field:   "thresholds.min_interval_variance",
			Message: "must be positive",
		})
	}

	return errs
}

func validatePresets(presets map[string]ProfileConfig) ValidationErrors {
	var errs ValidationErrors

	if len(presets) == 0 {
		return append(errs, ValidationError{
			Field:   "presets",
			Message: "at least one difficulty preset is required",
		})
	}

	seen := make(map[string]string)
	for _, name := range presetNames(presets) {
		p := presets[name]
		field := "presets." + name
		if prev, dup := seen[strings.ToLower(name)]; dup {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicates preset %q (names are case-insensitive)", prev),
			})
		}
		seen[strings.ToLower(name)] = name

		if p.TolerancePx <= 0 {
			errs = append(errs, ValidationError{Field: field + ".tolerance_px", Message: "must be positive"})
		}
		if p.MinDurationMs <= 0 {
			errs = append(errs, ValidationError{Field: field + ".min_duration_ms", Message: "must be positive"})
		}
		if p.MaxDurationMs <= p.MinDurationMs {
			errs = append(errs, ValidationError{
				Field:   field + ".max_duration_ms",
				Message: fmt.Sprintf("must exceed min_duration_ms (%d)", p.MinDurationMs),
			})
		}
		if p.MinPathSamples <= 0 {
			errs = append(errs, ValidationError{Field: field + ".min_path_samples", Message: "must be positive"})
		}
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		}
	case "memory", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory, none)", s.Type),
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	if s.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.retention_days",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	switch m.Format {
	case "prometheus", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "metrics.format",
			Message: fmt.Sprintf("invalid metrics format: %s (valid: prometheus, json)", m.Format),
		})
	}

	return errs
}

func lookupPreset(presets map[string]ProfileConfig, name string) (ProfileConfig, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for k, p := range presets {
		if strings.ToLower(k) == want {
			return p, true
		}
	}
	return ProfileConfig{}, false
}

func presetNames(presets map[string]ProfileConfig) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
