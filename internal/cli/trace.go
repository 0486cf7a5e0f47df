package cli

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	RunID  string
	Rule   string // optional - filter to specific rule
	Entity string // optional - filter to one member
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RunID   string         `json:"run_id"`
	Firings []store.Firing `json:"firings"`
	Stats   TraceStats     `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Firings  int            `json:"firings"`
	Members  int            `json:"members"`
	MaxDepth int            `json:"max_depth"`
	ByRule   map[string]int `json:"by_rule"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show trigger provenance for a run",
		Long: `Show which trigger rules fired in a stored run.

Every synthesized event records the event and rule that produced it.
trace lists those firings per member in application order: the source
event, the rule, the event it created and its propagation depth.

Examples:
  cohortgen trace --db ./cohorts.db
  cohortgen trace --run 0193... --rule rx-fill
  cohortgen trace --entity 5f1c2a9e-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	addDatabaseFlag(cmd)
	addRunFlag(cmd, &opts.RunID)
	cmd.Flags().StringVar(&opts.Rule, "rule", "", "filter to specific trigger rule")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "filter to one member by entity ID")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := loadSettings(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := openExistingStore(s.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := resolveRun(ctx, st, opts.RunID)
	if err != nil {
		return err
	}

	firings, err := st.ReadFirings(ctx, run.ID, opts.Rule)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read firings", err)
	}
	if opts.Entity != "" {
		filtered := firings[:0]
		for _, f := range firings {
			if f.CoreID == opts.Entity {
				filtered = append(filtered, f)
			}
		}
		firings = filtered
	}

	result := TraceResult{RunID: run.ID, Firings: firings, Stats: traceStats(firings)}
	if opts.Format == "json" {
		return formatter.SuccessFor(run.ID, result)
	}
	return outputTraceText(formatter, result)
}

func traceStats(firings []store.Firing) TraceStats {
	stats := TraceStats{Firings: len(firings), ByRule: map[string]int{}}
	members := map[string]bool{}
	for _, f := range firings {
		members[f.CoreID] = true
		stats.ByRule[f.RuleID]++
		stats.MaxDepth = max(stats.MaxDepth, f.Depth)
	}
	stats.Members = len(members)
	return stats
}

func outputTraceText(formatter *OutputFormatter, r TraceResult) error {
	w := formatter.Writer
	if len(r.Firings) == 0 {
		fmt.Fprintf(w, "No trigger firings in run %s.\n", r.RunID)
		return nil
	}

	fmt.Fprintf(w, "Trace: run %s\n\n", r.RunID)
	rows := make([]table.Row, len(r.Firings))
	for i, f := range r.Firings {
		rows[i] = table.Row{
			f.CoreID,
			f.SourceDomain + ":" + short(f.SourceEventID),
			f.RuleID,
			f.TargetDomain + ":" + short(f.TargetEventID),
			f.Depth,
		}
	}
	formatter.Table(table.Row{"Entity", "Source", "Rule", "Target", "Depth"}, rows)

	rules := make([]string, 0, len(r.Stats.ByRule))
	for rule := range r.Stats.ByRule {
		rules = append(rules, rule)
	}
	sort.Strings(rules)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Stats: %d firing(s) across %d member(s), max depth %d\n",
		r.Stats.Firings, r.Stats.Members, r.Stats.MaxDepth)
	for _, rule := range rules {
		fmt.Fprintf(w, "  %s: %d\n", rule, r.Stats.ByRule[rule])
	}
	return nil
}
