package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/metrics"
	"github.com/roach88/cohortgen/internal/pipeline"
	"github.com/roach88/cohortgen/internal/store"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	*RootOptions
	Cohort string
	Cutoff string // overrides the cohort's cutoff, YYYY-MM-DD
	RunID  string // fixed run ID instead of a fresh UUIDv7
	Output string // snapshot file path
}

// RunSummary describes a generated cohort run.
type RunSummary struct {
	RunID        string `json:"run_id"`
	Cohort       string `json:"cohort"`
	Population   string `json:"population"`
	Seed         int64  `json:"seed"`
	SpecHash     string `json:"spec_hash"`
	Cutoff       string `json:"cutoff"`
	Members      int    `json:"members"`
	Scheduled    int    `json:"scheduled"`
	Skipped      int    `json:"skipped"`
	Synthesized  int    `json:"synthesized"`
	Firings      int    `json:"firings"`
	Warnings     int    `json:"warnings"`
	SnapshotHash string `json:"snapshot_hash"`
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate <specs-dir>",
		Short: "Generate a cohort without storing it",
		Long: `Generate a cohort and print a summary, or its canonical snapshot with
--format json. Nothing is written to the database; use run for that.

The snapshot depends only on the specs, the cohort, the cutoff and the run
ID, so two invocations with the same --run-id produce identical output.

Examples:
  cohortgen generate ./specs
  cohortgen generate ./specs --cohort t2d-2025 --cutoff 2025-06-30
  cohortgen generate ./specs --run-id fixed -o snapshot.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(opts, args[0], cmd)
		},
	}

	addCohortFlags(cmd, &opts.Cohort, &opts.Cutoff, &opts.RunID)
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the canonical snapshot to this file")
	addGenerationFlags(cmd)
	addMetricsFlag(cmd)

	return cmd
}

func addCohortFlags(cmd *cobra.Command, cohort, cutoff, runID *string) {
	cmd.Flags().StringVar(cohort, "cohort", "", "cohort to generate (default: the only cohort in the specs)")
	cmd.Flags().StringVar(cutoff, "cutoff", "", "override the cohort cutoff date (YYYY-MM-DD)")
	cmd.Flags().StringVar(runID, "run-id", "", "fixed run ID (default: a new UUIDv7)")
}

func runGenerate(opts *GenerateOptions, specsDir string, cmd *cobra.Command) error {
	s, err := loadSettings(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	run, err := generateCohort(cmd.Context(), s, specsDir, opts.Cohort, opts.Cutoff, opts.RunID)
	if err != nil {
		return err
	}

	snapshot, err := run.Snapshot()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to snapshot run", err)
	}
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, snapshot, 0644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write snapshot", err)
		}
	}

	if opts.Format == "json" {
		return formatter.SuccessFor(run.ID, json.RawMessage(snapshot))
	}

	summary, err := summarize(run)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize run", err)
	}
	outputSummaryText(formatter, summary, countEvents(run))
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "Wrote snapshot to %s\n", opts.Output)
	}
	return nil
}

// generateCohort loads specsDir and generates a cohort with the given
// settings, writing metrics when configured.
func generateCohort(ctx context.Context, s *settings, specsDir, cohort, cutoff, runID string) (*pipeline.CohortRun, error) {
	s.Logger.Debug("loading specs", "dir", specsDir)
	bundle, err := loadBundle(specsDir)
	if err != nil {
		return nil, err
	}

	if cohort == "" {
		if len(bundle.Cohorts) != 1 {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("--cohort is required: specs declare %d cohorts", len(bundle.Cohorts)))
		}
		cohort = bundle.Cohorts[0].Name
	}

	m := metrics.New()
	pipeOpts := append(s.pipelineOptions(), pipeline.WithMetrics(m))
	if cutoff != "" {
		t, err := ir.ParseDate(cutoff)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid --cutoff", err)
		}
		pipeOpts = append(pipeOpts, pipeline.WithCutoff(t))
	}
	if runID != "" {
		pipeOpts = append(pipeOpts, pipeline.WithRunIDGenerator(pipeline.NewFixedGenerator(runID)))
	}

	s.Logger.Info("generating cohort", "cohort", cohort, "spec_hash", bundle.SpecHash, "workers", s.Workers)
	run, err := pipeline.Run(ctx, bundle, cohort, pipeOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to generate cohort", err)
	}
	s.Logger.Info("cohort generated", "run_id", run.ID, "members", len(run.Members))

	if s.MetricsFile != "" {
		if err := m.WriteTextfile(s.MetricsFile); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to write metrics", err)
		}
		s.Logger.Debug("metrics written", "path", s.MetricsFile)
	}
	return run, nil
}

// summarize counts what a run produced.
func summarize(run *pipeline.CohortRun) (RunSummary, error) {
	hash, err := run.SnapshotHash()
	if err != nil {
		return RunSummary{}, err
	}
	s := RunSummary{
		RunID:        run.ID,
		Cohort:       run.Cohort.Name,
		Population:   run.Population,
		Seed:         run.Seed,
		SpecHash:     run.SpecHash,
		Cutoff:       run.Cutoff.Format(ir.DateLayout),
		Members:      len(run.Members),
		SnapshotHash: hash,
	}
	for _, m := range run.Members {
		s.Firings += len(m.Firings)
		s.Warnings += len(m.Warnings)
		for _, tl := range m.Timelines {
			for _, e := range tl.Events {
				if e.Scheduled() {
					s.Scheduled++
				} else {
					s.Skipped++
				}
				if e.Origin != nil {
					s.Synthesized++
				}
			}
		}
	}
	return s, nil
}

// countEvents tallies a run's events the way the store's CountEvents
// does, ordered by domain, type and status.
func countEvents(run *pipeline.CohortRun) []store.EventCount {
	type key struct {
		domain, typ string
		status      ir.EventStatus
	}
	counts := map[key]int{}
	for _, m := range run.Members {
		for _, tl := range m.Timelines {
			for _, e := range tl.Events {
				counts[key{e.Domain, e.Type, e.Status}]++
			}
		}
	}

	out := make([]store.EventCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, store.EventCount{Domain: k.domain, Type: k.typ, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Status < b.Status
	})
	return out
}

func outputSummaryText(formatter *OutputFormatter, s RunSummary, counts []store.EventCount) {
	w := formatter.Writer
	fmt.Fprintf(w, "✓ Generated %d member(s) of cohort %s\n\n", s.Members, s.Cohort)
	fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "Population: %s (seed %d)\n", s.Population, s.Seed)
	fmt.Fprintf(w, "Cutoff:     %s\n", s.Cutoff)
	fmt.Fprintf(w, "Spec hash:  %s\n", s.SpecHash)
	fmt.Fprintf(w, "Snapshot:   %s\n", s.SnapshotHash)
	fmt.Fprintf(w, "Events:     %d scheduled, %d skipped, %d synthesized by %d firing(s)\n",
		s.Scheduled, s.Skipped, s.Synthesized, s.Firings)
	if s.Warnings > 0 {
		fmt.Fprintf(w, "Warnings:   %d (see timeline --entity for details)\n", s.Warnings)
	}
	fmt.Fprintln(w)

	rows := make([]table.Row, len(counts))
	for i, c := range counts {
		rows[i] = table.Row{c.Domain, c.Type, c.Status, c.Count}
	}
	formatter.Table(table.Row{"Domain", "Type", "Status", "Count"}, rows)
}
