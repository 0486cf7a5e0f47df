// Package config loads cohortgen settings with viper.
//
// Precedence, lowest first: defaults, the config file named by --config,
// COHORTGEN_* environment variables, command-line flags bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/roach88/cohortgen/internal/coordinator"
	"github.com/roach88/cohortgen/internal/journey"
)

// EnvPrefix prefixes every environment variable, e.g. COHORTGEN_DATABASE.
const EnvPrefix = "COHORTGEN"

// Keys shared by the config file, environment and flags.
const (
	KeyDatabase        = "database"
	KeyWorkers         = "workers"
	KeyMaxTriggerDepth = "max_trigger_depth"
	KeyMaxOccurrences  = "max_occurrences"
	KeyLogLevel        = "log_level"
	KeyMetricsFile     = "metrics_file"
)

// Config holds the resolved settings.
type Config struct {
	Database        string `mapstructure:"database"`
	Workers         int    `mapstructure:"workers"`
	MaxTriggerDepth int    `mapstructure:"max_trigger_depth"`
	MaxOccurrences  int    `mapstructure:"max_occurrences"`
	LogLevel        string `mapstructure:"log_level"`
	MetricsFile     string `mapstructure:"metrics_file"`
}

// New returns a viper instance with defaults and environment binding set
// up. The CLI binds its flags on top before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDatabase, "cohortgen.db")
	v.SetDefault(KeyWorkers, runtime.NumCPU())
	v.SetDefault(KeyMaxTriggerDepth, coordinator.DefaultMaxDepth)
	v.SetDefault(KeyMaxOccurrences, journey.DefaultMaxOccurrences)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsFile, "")

	// AutomaticEnv only applies to keys viper already knows about, and
	// Unmarshal only sees bound keys.
	for _, key := range []string{KeyDatabase, KeyWorkers, KeyMaxTriggerDepth, KeyMaxOccurrences, KeyLogLevel, KeyMetricsFile} {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the optional config file and resolves v into a validated
// Config. An empty file means no config file.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyDatabase))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyWorkers, c.Workers))
	}
	if c.MaxTriggerDepth < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyMaxTriggerDepth, c.MaxTriggerDepth))
	}
	if c.MaxOccurrences < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyMaxOccurrences, c.MaxOccurrences))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a log_level setting to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%s: unknown level %q (want debug, info, warn or error)", KeyLogLevel, s)
	}
	return level, nil
}
