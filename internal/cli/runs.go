package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/store"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored cohort runs",
		Long: `List every run stored in the database, oldest first.

Examples:
  cohortgen runs --db ./cohorts.db
  cohortgen runs --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListRuns(rootOpts, cmd)
		},
	}

	addDatabaseFlag(cmd)

	return cmd
}

func runListRuns(opts *RootOptions, cmd *cobra.Command) error {
	s, err := loadSettings(cmd, opts)
	if err != nil {
		return err
	}
	formatter := newFormatter(opts, cmd)

	st, err := openExistingStore(s.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if opts.Format == "json" {
		return formatter.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs found in database.")
		return nil
	}

	rows := make([]table.Row, len(runs))
	for i, r := range runs {
		rows[i] = table.Row{r.ID, r.Cohort, r.Population, r.MemberCount, r.Cutoff.Format(ir.DateLayout), short(r.SpecHash)}
	}
	formatter.Table(table.Row{"Run", "Cohort", "Population", "Members", "Cutoff", "Spec"}, rows)
	return nil
}

// openExistingStore opens the database at path, failing rather than
// creating it when it doesn't exist.
func openExistingStore(path string) (*store.Store, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// resolveRun reads the run header for id, or for the most recent run when
// id is empty.
func resolveRun(ctx context.Context, st *store.Store, id string) (store.Run, error) {
	if id == "" {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return store.Run{}, WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		if len(runs) == 0 {
			return store.Run{}, NewExitError(ExitCommandError, "no runs found in database")
		}
		return runs[len(runs)-1], nil
	}

	run, err := st.ReadRun(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", id))
	}
	if err != nil {
		return store.Run{}, WrapExitError(ExitCommandError, "failed to read run", err)
	}
	return run, nil
}

func addRunFlag(cmd *cobra.Command, runID *string) {
	cmd.Flags().StringVar(runID, "run", "", "run ID (default: the most recent run)")
}

// short abbreviates a hash or ID for tables.
func short(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
