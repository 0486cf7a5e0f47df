package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/compiler"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/store"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	RunID string
	Count bool // only report the number of matches
}

// QueryResult holds the entities matching a predicate.
type QueryResult struct {
	RunID    string         `json:"run_id"`
	Where    string         `json:"where"`
	Count    int            `json:"count"`
	Entities []store.Entity `json:"entities,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <predicate>",
		Short: "Select members of a run by attribute",
		Long: `Select the members of a stored run whose attributes satisfy a predicate.

The predicate is written in CUE with the same syntax as trigger conditions
and is evaluated by the database. Event state predicates are not
supported: a stored member's attributes carry no journey state.

Examples:
  cohortgen query '{attr: "age", op: "ge", value: 65}'
  cohortgen query --count '{all: [{attr: "sex", op: "eq", value: "F"}, {exists: "hba1c"}]}'
  cohortgen query --run 0193... '{attr: "payer", op: "in", value: ["medicare", "medicaid"]}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	addDatabaseFlag(cmd)
	addRunFlag(cmd, &opts.RunID)
	cmd.Flags().BoolVar(&opts.Count, "count", false, "only print the number of matching members")

	return cmd
}

func runQuery(opts *QueryOptions, where string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := loadSettings(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	pred, err := compiler.CompilePredicateSource(where)
	if err != nil {
		_ = formatter.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid predicate", err)
	}

	st, err := openExistingStore(s.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := resolveRun(ctx, st, opts.RunID)
	if err != nil {
		return err
	}

	entities, err := st.QueryEntities(ctx, run.ID, pred)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}
	s.Logger.Debug("query evaluated", "run_id", run.ID, "matches", len(entities))

	result := QueryResult{RunID: run.ID, Where: where, Count: len(entities)}
	if !opts.Count {
		result.Entities = entities
	}

	if opts.Format == "json" {
		return formatter.SuccessFor(run.ID, result)
	}
	return outputQueryText(formatter, result)
}

func outputQueryText(formatter *OutputFormatter, r QueryResult) error {
	if r.Entities == nil {
		fmt.Fprintf(formatter.Writer, "%d member(s) match\n", r.Count)
		return nil
	}

	rows := make([]table.Row, len(r.Entities))
	for i, e := range r.Entities {
		attrs, err := ir.MarshalCanonical(e.Attributes)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to render attributes", err)
		}
		rows[i] = table.Row{e.Index, e.ID, e.Start.Format(ir.DateLayout), string(attrs)}
	}
	formatter.Table(table.Row{"Index", "Entity", "Start", "Attributes"}, rows)
	fmt.Fprintf(formatter.Writer, "%d member(s) match\n", r.Count)
	return nil
}
