package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Cohort string
	Cutoff string
	RunID  string
}

// StoredRun is the JSON result of the run command.
type StoredRun struct {
	RunSummary
	Database string             `json:"database"`
	Inserted bool               `json:"inserted"`
	Events   []store.EventCount `json:"events"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <specs-dir>",
		Short: "Generate a cohort and store it",
		Long: `Generate a cohort and write it to the SQLite database, creating the
database if it doesn't exist.

Writing is idempotent: storing a run ID that is already present leaves the
database unchanged. Stored runs can be inspected with runs, timeline,
trace and query, and checked with replay.

Examples:
  cohortgen run ./specs --db ./cohorts.db
  cohortgen run ./specs --cohort t2d-2025 --metrics-file ./cohortgen.prom
  COHORTGEN_WORKERS=8 cohortgen run ./specs --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCohort(opts, args[0], cmd)
		},
	}

	addCohortFlags(cmd, &opts.Cohort, &opts.Cutoff, &opts.RunID)
	addDatabaseFlag(cmd)
	addGenerationFlags(cmd)
	addMetricsFlag(cmd)

	return cmd
}

func runCohort(opts *RunOptions, specsDir string, cmd *cobra.Command) error {
	s, err := loadSettings(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	// Interrupts cancel generation; nothing is stored for a cancelled run.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := generateCohort(ctx, s, specsDir, opts.Cohort, opts.Cutoff, opts.RunID)
	if err != nil {
		return err
	}

	s.Logger.Info("opening database", "path", s.Database)
	st, err := store.Open(s.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	inserted, err := st.WriteRun(ctx, run)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to store run", err)
	}
	if !inserted {
		s.Logger.Warn("run already stored, database unchanged", "run_id", run.ID)
	}

	counts, err := st.CountEvents(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count stored events", err)
	}
	summary, err := summarize(run)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize run", err)
	}

	result := StoredRun{RunSummary: summary, Database: s.Database, Inserted: inserted, Events: counts}
	return outputStoredRun(formatter, result)
}

func outputStoredRun(formatter *OutputFormatter, r StoredRun) error {
	if formatter.Format == "json" {
		return formatter.SuccessFor(r.RunID, r)
	}

	outputSummaryText(formatter, r.RunSummary, r.Events)
	if r.Inserted {
		fmt.Fprintf(formatter.Writer, "Stored run %s in %s\n", r.RunID, r.Database)
	} else {
		fmt.Fprintf(formatter.Writer, "Run %s already stored in %s\n", r.RunID, r.Database)
	}
	return nil
}
