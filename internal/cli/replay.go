package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
	"github.com/roach88/cohortgen/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	RunID string // optional - specific run only
}

// ReplayRunResult holds the replay result for a single run.
type ReplayRunResult struct {
	RunID         string              `json:"run_id"`
	Cohort        string              `json:"cohort"`
	Members       int                 `json:"members"`
	Intact        bool                `json:"intact"`
	SpecDrift     bool                `json:"spec_drift"`
	Deterministic bool                `json:"deterministic"`
	Verification  *store.Verification `json:"verification,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runs             []ReplayRunResult `json:"runs"`
	TotalRuns        int               `json:"total_runs"`
	AllDeterministic bool              `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <specs-dir>",
		Short: "Regenerate stored runs and verify determinism",
		Long: `Regenerate stored runs from the specs and verify they reproduce exactly.

Each run is regenerated with its own run ID, cohort and cutoff, and its
snapshot hash is compared with the one stored. The stored tables are also
checked against that hash, so edits to the database are caught too. When
the hashes differ the first diverging member or event is reported.

Runs stored from different specs are flagged as spec drift; they are still
compared, and usually diverge.

Exit codes:
  0 - All runs are deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (database not found, invalid specs, etc.)

Examples:
  cohortgen replay ./specs --db ./cohorts.db
  cohortgen replay ./specs --run 0193...
  cohortgen replay ./specs --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	addDatabaseFlag(cmd)
	cmd.Flags().StringVar(&opts.RunID, "run", "", "replay specific run only")
	addGenerationFlags(cmd)

	return cmd
}

func runReplay(opts *ReplayOptions, specsDir string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := loadSettings(cmd, opts.RootOptions)
	if err != nil {
		return err
	}

	st, err := openExistingStore(s.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var runs []store.Run
	if opts.RunID != "" {
		run, err := resolveRun(ctx, st, opts.RunID)
		if err != nil {
			return err
		}
		runs = []store.Run{run}
	} else {
		runs, err = st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
	}

	if len(runs) == 0 {
		if opts.Format == "json" {
			return outputReplayJSON(cmd, ReplayResult{Runs: []ReplayRunResult{}, AllDeterministic: true})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found in database.")
		return nil
	}

	bundle, err := loadBundle(specsDir)
	if err != nil {
		return err
	}

	result := ReplayResult{
		Runs:             make([]ReplayRunResult, 0, len(runs)),
		TotalRuns:        len(runs),
		AllDeterministic: true,
	}
	for _, run := range runs {
		rr, err := replayAndVerifyRun(ctx, s, st, bundle, run)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay run %s", run.ID), err)
		}
		result.Runs = append(result.Runs, rr)
		if !rr.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// replayAndVerifyRun regenerates run from bundle and compares it with the
// stored copy. A run that can no longer be generated, e.g. because its
// cohort was removed from the specs, is a failed replay rather than a
// command error.
func replayAndVerifyRun(ctx context.Context, s *settings, st *store.Store, bundle *ir.Bundle, run store.Run) (ReplayRunResult, error) {
	rr := ReplayRunResult{RunID: run.ID, Cohort: run.Cohort, Members: run.MemberCount}
	s.Logger.Debug("replaying run", "run_id", run.ID, "cohort", run.Cohort)

	pipeOpts := append(s.pipelineOptions(),
		pipeline.WithRunIDGenerator(pipeline.NewFixedGenerator(run.ID)),
		pipeline.WithCutoff(run.Cutoff),
	)
	regenerated, err := pipeline.Run(ctx, bundle, run.Cohort, pipeOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return rr, err
		}
		rr.Error = err.Error()
		rr.SpecDrift = run.SpecHash != bundle.SpecHash
		return rr, nil
	}

	v, err := st.VerifyRun(ctx, run.ID, regenerated)
	if err != nil {
		return rr, err
	}
	rr.Verification = &v
	rr.Intact = v.Intact()
	rr.SpecDrift = v.SpecDrift
	rr.Deterministic = v.Deterministic()
	if !rr.Deterministic {
		s.Logger.Warn("replay diverged", "run_id", run.ID, "stored", v.StoredHash, "regenerated", v.RegeneratedHash)
	}
	return rr, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	f := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
	if result.AllDeterministic {
		return f.Report("", result, nil)
	}
	const msg = "determinism verification failed"
	if err := f.Report("", result, &CLIError{Code: "E_DETERMINISM", Message: msg}); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d run(s)\n", result.TotalRuns)
	fmt.Fprintln(w)

	for _, run := range result.Runs {
		status := "✓"
		if !run.Deterministic {
			status = "✗"
		}

		fmt.Fprintf(w, "%s Run: %s\n", status, run.RunID)
		fmt.Fprintf(w, "  Cohort: %s, %d member(s)\n", run.Cohort, run.Members)

		if v := run.Verification; v != nil && verbose {
			fmt.Fprintf(w, "  Stored:      %s\n", v.StoredHash)
			fmt.Fprintf(w, "  Read back:   %s\n", v.ReadBackHash)
			fmt.Fprintf(w, "  Regenerated: %s\n", v.RegeneratedHash)
		}
		if run.SpecDrift {
			fmt.Fprintln(w, "  Warning: specs changed since this run was stored")
		}
		if run.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", run.Error)
		}
		if v := run.Verification; v != nil {
			if !v.Intact() {
				fmt.Fprintln(w, "  Warning: stored tables no longer match the stored hash!")
			}
			if v.Divergence != nil {
				fmt.Fprintf(w, "  Diverged at %s\n", v.Divergence)
			}
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All runs verified deterministic")
		return nil
	}

	fmt.Fprintln(w, "✗ Determinism verification failed")
	// Determinism failure = exit code 1
	return NewExitError(ExitFailure, "determinism verification failed")
}
