package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
)

// TimelineOptions holds flags for the timeline command.
type TimelineOptions struct {
	*RootOptions
	RunID  string
	Entity string
	Index  int
	Domain string // optional - only this domain's timeline
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TimelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show one member's timelines",
		Long: `Show the attributes and coordinated timelines of one member of a stored
run, selected by entity ID or by index.

Skipped events are listed with their reason; events synthesized by a
trigger show the rule that created them.

Examples:
  cohortgen timeline --db ./cohorts.db --index 0
  cohortgen timeline --run 0193... --entity 5f1c2a9e-... --domain claims`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeline(opts, cmd)
		},
	}

	addDatabaseFlag(cmd)
	addRunFlag(cmd, &opts.RunID)
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity ID (overrides --index)")
	cmd.Flags().IntVar(&opts.Index, "index", 0, "entity index within the run")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "only show this domain")

	return cmd
}

func runTimeline(opts *TimelineOptions, cmd *cobra.Command) error {
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

	var m pipeline.Member
	var what string
	if opts.Entity != "" {
		what = "entity " + opts.Entity
		m, err = st.ReadMember(ctx, run.ID, opts.Entity)
	} else {
		what = fmt.Sprintf("index %d", opts.Index)
		m, err = st.ReadMemberAt(ctx, run.ID, opts.Index)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run %s has no member with %s", run.ID, what))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read member", err)
	}

	if opts.Domain != "" {
		tl, ok := m.Timeline(opts.Domain)
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("member has no %s timeline", opts.Domain))
		}
		m.Timelines = []*ir.Timeline{tl}
	}

	if opts.Format == "json" {
		return formatter.SuccessFor(run.ID, m)
	}
	return outputTimelineText(formatter, &m)
}

func outputTimelineText(formatter *OutputFormatter, m *pipeline.Member) error {
	w := formatter.Writer
	attrs, err := ir.MarshalCanonical(m.Entity.Attributes)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render attributes", err)
	}

	fmt.Fprintf(w, "Entity %s (index %d, %s)\n", m.Entity.ID, m.Entity.Index, m.Entity.Population)
	fmt.Fprintf(w, "Start:      %s\n", m.Start.Format(ir.DateLayout))
	fmt.Fprintf(w, "Attributes: %s\n", attrs)
	for _, warning := range m.Warnings {
		fmt.Fprintf(w, "⚠ %s\n", warning)
	}
	fmt.Fprintln(w)

	var rows []table.Row
	for _, tl := range m.Timelines {
		for _, e := range tl.Events {
			rows = append(rows, table.Row{tl.Domain, eventDate(e), e.Type, eventSource(e), e.Status, e.SkipReason})
		}
	}
	formatter.Table(table.Row{"Domain", "Date", "Type", "From", "Status", "Reason"}, rows)
	return nil
}

func eventDate(e ir.TimelineEvent) string {
	if !e.Scheduled() {
		return "-"
	}
	return e.Date.Format(ir.DateLayout)
}

// eventSource names what produced e: its template, occurrence included
// for recurring events, or the trigger rule.
func eventSource(e ir.TimelineEvent) string {
	if e.Origin != nil {
		return "rule " + e.Origin.RuleID
	}
	parts := []string{e.JourneyID, e.TemplateID}
	src := strings.Join(parts, "/")
	if e.Occurrence > 0 {
		src += fmt.Sprintf("#%d", e.Occurrence)
	}
	return src
}
