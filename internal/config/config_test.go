package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegate/internal/challenge"
	"slidegate/internal/logging"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SLIDEGATE_DATA_DIR", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// =============================================================================
// Defaults
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, 300, cfg.Gate.TrackWidth)
	assert.Equal(t, 40, cfg.Gate.SliderWidth)
	assert.Equal(t, "medium", cfg.Gate.Difficulty)
	assert.Equal(t, 1500, cfg.Gate.ResetDelayMs)
	assert.Equal(t, []string{"easy", "hard", "medium"}, cfg.PresetNames())
	assert.Equal(t, filepath.Join(dir, "attempts.db"), cfg.Storage.Path)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultPresetsRoundTrip(t *testing.T) {
	isolate(t)
	assert.Equal(t, challenge.DefaultPresets(), DefaultConfig().ChallengePresets())
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	assert.True(t, strings.HasSuffix(path, "config.toml"), path)
	assert.Contains(t, path, "slidegate")
}

func TestFindConfigFile(t *testing.T) {
	dir := isolate(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	assert.Empty(t, FindConfigFile())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "xdg", "slidegate"), 0o700))
	inConfigDir := filepath.Join(dir, "xdg", "slidegate", "config.json")
	require.NoError(t, os.WriteFile(inConfigDir, []byte("{}"), 0o600))
	if PlatformConfigDir() == filepath.Join(dir, "xdg", "slidegate") {
		assert.Equal(t, inConfigDir, FindConfigFile())
	}

	// The working directory wins over the config directory.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("version: 1\n"), 0o600))
	assert.Equal(t, "config.yaml", FindConfigFile())
}

func TestConversions(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Gate.ResetDelayMs = 250
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	sc := cfg.SessionConfig()
	assert.Equal(t, 250*time.Millisecond, sc.ResetDelay)
	assert.Equal(t, "medium", sc.Profile)

	th := cfg.ClassifierThresholds()
	assert.Equal(t, 1.1, th.MinPathRatio)

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, cfg.Logging.FilePath, lc.FilePath)
}

// =============================================================================
// Loading
// =============================================================================

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load("/nonexistent/path/config.toml")
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Gate.TrackWidth)
}

func TestLoadTOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `
version = 1

[gate]
track_width = 360
slider_width = 48
difficulty = "strict"
reset_delay_ms = 2000

[thresholds]
min_velocity_variance = 0.2
min_path_ratio = 1.15
min_interval_variance = 12.5

[presets.strict]
tolerance_px = 2
min_duration_ms = 500
max_duration_ms = 4000
min_path_samples = 15

[logging]
level = "debug"
format = "json"
output = "stdout"
max_size_mb = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 360, cfg.Gate.TrackWidth)
	assert.Equal(t, "strict", cfg.Gate.Difficulty)
	assert.Equal(t, 1.15, cfg.Thresholds.MinPathRatio)
	// File presets are merged over the built-in table.
	assert.Equal(t, []string{"easy", "hard", "medium", "strict"}, cfg.PresetNames())

	strict, err := cfg.ChallengePresets().Lookup("strict")
	require.NoError(t, err)
	assert.Equal(t, 2, strict.ToleranceDistance)
	assert.Equal(t, 15, strict.MinPathSamples)
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := isolate(t)

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "gate:\n  track_width: 320\n  slider_width: 40\n  difficulty: hard\n")
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Gate.TrackWidth)
	assert.Equal(t, "hard", cfg.Gate.Difficulty)

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"gate": {"track_width": 280, "slider_width": 30, "difficulty": "easy"}}`)
	cfg, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 280, cfg.Gate.TrackWidth)
	assert.Equal(t, "easy", cfg.Gate.Difficulty)
}

func TestLoadAutoDetect(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "slidegate.conf")
	writeFile(t, path, `{"gate": {"track_width": 250, "slider_width": 30, "difficulty": "easy"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Gate.TrackWidth)
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[gate\ntrack_width = ")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	for _, ext := range []string{"toml", "json", "yaml"} {
		t.Run(ext, func(t *testing.T) {
			dir := isolate(t)
			path := filepath.Join(dir, "nested", "config."+ext)

			cfg := DefaultConfig()
			cfg.Gate.TrackWidth = 512
			cfg.Presets["custom"] = ProfileConfig{TolerancePx: 4, MinDurationMs: 100, MaxDurationMs: 900, MinPathSamples: 3}
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := NewLoader(path).Load()
			require.NoError(t, err)
			assert.Equal(t, 512, loaded.Gate.TrackWidth)
			assert.Equal(t, cfg.Presets["custom"], loaded.Presets["custom"])
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)
	assert.Equal(t, 300, cfg.Gate.TrackWidth)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

// =============================================================================
// Environment
// =============================================================================

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SLIDEGATE_TRACK_WIDTH", "420")
	t.Setenv("SLIDEGATE_DIFFICULTY", "hard")
	t.Setenv("SLIDEGATE_SEED", "99")
	t.Setenv("SLIDEGATE_LOG_LEVEL", "warn")
	t.Setenv("SLIDEGATE_STORAGE_TYPE", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 420, cfg.Gate.TrackWidth)
	assert.Equal(t, "hard", cfg.Gate.Difficulty)
	assert.Equal(t, int64(99), cfg.Gate.Seed)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Storage.Type)
}

func TestEnvOverrideMalformed(t *testing.T) {
	isolate(t)
	t.Setenv("SLIDEGATE_SLIDER_WIDTH", "wide")

	cfg := DefaultConfig()
	err := cfg.ApplyEnvOverrides()
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{"SLIDEGATE_SLIDER_WIDTH"}, verrs.Fields())
	assert.Equal(t, 40, cfg.Gate.SliderWidth)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := isolate(t)
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "SLIDEGATE_TRACK_WIDTH=480\nSLIDEGATE_LOG_FORMAT=json\n")

	// Variables already in the environment win over the file.
	t.Setenv("SLIDEGATE_LOG_FORMAT", "text")
	t.Setenv("SLIDEGATE_TRACK_WIDTH", "")
	require.NoError(t, os.Unsetenv("SLIDEGATE_TRACK_WIDTH"))

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), envPath))
	assert.Equal(t, "480", os.Getenv("SLIDEGATE_TRACK_WIDTH"))
	assert.Equal(t, "text", os.Getenv("SLIDEGATE_LOG_FORMAT"))
}

// =============================================================================
// Validation
// =============================================================================

func TestValidateAggregatesErrors(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Gate.TrackWidth = 0
	cfg.Gate.Difficulty = "nightmare"
	cfg.Thresholds.MinPathRatio = 0.9
	cfg.Storage.Type = "postgres"
	cfg.Logging.Level = "verbose"
	cfg.Metrics.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{
		"gate.track_width",
		"gate.difficulty",
		"thresholds.min_path_ratio",
		"storage.type",
		"logging.level",
		"metrics.format",
	}, verrs.Fields())
}

func TestValidatePresets(t *testing.T) {
	tests := []struct {
		name   string
		preset ProfileConfig
		field  string
	}{
		{"zero tolerance", ProfileConfig{0, 100, 200, 3}, "presets.bad.tolerance_px"},
		{"zero min duration", ProfileConfig{3, 0, 200, 3}, "presets.bad.min_duration_ms"},
		{"inverted durations", ProfileConfig{3, 300, 300, 3}, "presets.bad.max_duration_ms"},
		{"zero samples", ProfileConfig{3, 100, 200, 0}, "presets.bad.min_path_samples"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := validatePresets(map[string]ProfileConfig{"bad": tt.preset})
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}

	assert.Len(t, validatePresets(nil), 1)
}

func TestValidateSliderWiderThanTrack(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Gate.SliderWidth = 400
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate.slider_width")
}

func TestValidateDifficultyCaseInsensitive(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Gate.Difficulty = "HARD"
	assert.NoError(t, cfg.Validate())
}

func TestEnsureDirectories(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "db", "attempts.db")
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "x.log")
	cfg.Metrics.Path = filepath.Join(dir, "metrics", "gate.prom")

	require.NoError(t, cfg.EnsureDirectories())
	for _, sub := range []string{"db", "logs", "metrics"} {
		assert.DirExists(t, filepath.Join(dir, sub))
	}
}

func TestCloneIsDeep(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Presets["easy"] = ProfileConfig{TolerancePx: 1, MinDurationMs: 1, MaxDurationMs: 2, MinPathSamples: 1}
	assert.Equal(t, 8, cfg.Presets["easy"].TolerancePx)
}

// =============================================================================
// Hot reload
// =============================================================================

func TestLoaderHotReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[gate]\ntrack_width = 300\nslider_width = 40\ndifficulty = \"easy\"\n")

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	loader.OnChange(func(old, new *Config) {
		select {
		case changed <- new:
		default:
		}
	})
	require.NoError(t, loader.Watch())
	defer loader.Close()

	writeFile(t, path, "[gate]\ntrack_width = 300\nslider_width = 40\ndifficulty = \"hard\"\n")

	select {
	case cfg := <-changed:
		assert.Equal(t, "hard", cfg.Gate.Difficulty)
		assert.Equal(t, "hard", loader.Config().Gate.Difficulty)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[gate]\ndifficulty = \"easy\"\n")

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)
	defer loader.Close()

	calls := 0
	loader.OnChange(func(old, new *Config) { calls++ })

	writeFile(t, path, "[gate]\ndifficulty = \"nightmare\"\n")
	loader.Reload()

	assert.Zero(t, calls)
	assert.Equal(t, "easy", loader.Config().Gate.Difficulty)
	select {
	case err := <-loader.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	default:
		t.Fatal("expected a reload error")
	}
}

func TestReloadRunsCallbacksInOrder(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[gate]\ndifficulty = \"easy\"\n")

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)
	defer loader.Close()

	var seen []string
	late := 0
	loader.OnChange(func(old, new *Config) {
		seen = append(seen, "first:"+old.Gate.Difficulty+"->"+new.Gate.Difficulty)
		// Registering from inside a callback must not deadlock and only
		// takes effect on the next reload.
		loader.OnChange(func(_, _ *Config) { late++ })
	})
	loader.OnChange(func(old, new *Config) {
		seen = append(seen, "second:"+new.Gate.Difficulty)
	})

	writeFile(t, path, "[gate]\ndifficulty = \"medium\"\n")
	loader.Reload()

	assert.Equal(t, []string{"first:easy->medium", "second:medium"}, seen)
	assert.Zero(t, late)
	assert.Equal(t, "medium", loader.Config().Gate.Difficulty)

	writeFile(t, path, "[gate]\ndifficulty = \"hard\"\n")
	loader.Reload()
	assert.Equal(t, 1, late)
}
