package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "cohortgen.db", cfg.Database)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers)
	assert.Equal(t, 3, cfg.MaxTriggerDepth)
	assert.Equal(t, 12, cfg.MaxOccurrences)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsFile)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cohortgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: from-file.db\nworkers: 2\nmax_trigger_depth: 5\n"), 0o644))
	t.Setenv("COHORTGEN_WORKERS", "7")

	v := New()
	v.Set(KeyMaxTriggerDepth, 9) // stands in for a bound flag

	cfg, err := Load(v, path)
	require.NoError(t, err)

	assert.Equal(t, "from-file.db", cfg.Database, "file over default")
	assert.Equal(t, 7, cfg.Workers, "env over file")
	assert.Equal(t, 9, cfg.MaxTriggerDepth, "flag over file")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Database: "x.db", Workers: 1, MaxTriggerDepth: 1, MaxOccurrences: 1, LogLevel: "debug"}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty database", func(c *Config) { c.Database = "" }, "database must not be empty"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers must be at least 1"},
		{"zero depth", func(c *Config) { c.MaxTriggerDepth = 0 }, "max_trigger_depth"},
		{"zero occurrences", func(c *Config) { c.MaxOccurrences = -1 }, "max_occurrences"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, `unknown level "loud"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	err := (&Config{LogLevel: "info"}).Validate()
	require.Error(t, err)

	assert.Contains(t, err.Error(), KeyDatabase)
	assert.Contains(t, err.Error(), KeyWorkers)
	assert.Contains(t, err.Error(), KeyMaxTriggerDepth)
	assert.Contains(t, err.Error(), KeyMaxOccurrences)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
