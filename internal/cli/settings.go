package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/config"
	"github.com/roach88/cohortgen/internal/coordinator"
	"github.com/roach88/cohortgen/internal/journey"
	"github.com/roach88/cohortgen/internal/pipeline"
)

// settingFlags maps config keys to the flag that overrides them. Commands
// only declare the flags that matter to them.
var settingFlags = map[string]string{
	config.KeyDatabase:        "db",
	config.KeyWorkers:         "workers",
	config.KeyMaxTriggerDepth: "max-depth",
	config.KeyMaxOccurrences:  "max-occurrences",
	config.KeyLogLevel:        "log-level",
	config.KeyMetricsFile:     "metrics-file",
}

// settings is the resolved configuration of one command invocation.
type settings struct {
	*config.Config
	Logger *slog.Logger
}

// loadSettings resolves configuration for cmd and builds its logger.
// Only flags the user set override the lower layers.
func loadSettings(cmd *cobra.Command, opts *RootOptions) (*settings, error) {
	v := config.New()
	for key, name := range settingFlags {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to bind flag --"+name, err)
		}
	}

	cfg, err := config.Load(v, opts.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel) // validated by Load
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})

	return &settings{Config: cfg, Logger: slog.New(handler)}, nil
}

// pipelineOptions turns settings into generation options.
func (s *settings) pipelineOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithWorkers(s.Workers),
		pipeline.WithMaxDepth(s.MaxTriggerDepth),
		pipeline.WithMaxOccurrences(s.MaxOccurrences),
		pipeline.WithLogger(s.Logger),
	}
}

func addDatabaseFlag(cmd *cobra.Command) {
	cmd.Flags().String("db", "", "path to SQLite database (default from config: cohortgen.db)")
}

func addGenerationFlags(cmd *cobra.Command) {
	cmd.Flags().Int("workers", 0, "entities generated in parallel (default from config: number of CPUs)")
	cmd.Flags().Int("max-depth", 0, fmt.Sprintf("maximum trigger propagation depth (default from config: %d)", coordinator.DefaultMaxDepth))
	cmd.Flags().Int("max-occurrences", 0, fmt.Sprintf("maximum occurrences of a recurring event (default from config: %d)", journey.DefaultMaxOccurrences))
}

func addMetricsFlag(cmd *cobra.Command) {
	cmd.Flags().String("metrics-file", "", "write Prometheus metrics in textfile format to this path")
}

// newFormatter builds the output formatter for cmd.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}
