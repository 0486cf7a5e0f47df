package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cohortgen/internal/compiler"
	"github.com/roach88/cohortgen/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	Files       int `json:"files"`
	Populations int `json:"populations"`
	Journeys    int `json:"journeys"`
	Domains     int `json:"domains"`
	Triggers    int `json:"triggers"`
	Cohorts     int `json:"cohorts"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <specs-dir>",
		Short: "Compile CUE specs to canonical IR",
		Long: `Compile a directory of CUE specs to the IR bundle.

The compiler parses CUE files, checks them against the generators' rules
and outputs the bundle as JSON, including the spec hash that identifies
the exact sources a run was generated from.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	res, errs, _ := loadSpecs(specsDir)
	if len(errs) > 0 {
		return outputCompileErrors(formatter, errs)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", len(res.Files), specsDir)
	for _, f := range res.Files {
		formatter.VerboseLog("  %s", f)
	}

	if verrs := compiler.Validate(res.Bundle); len(verrs) > 0 {
		return outputCompileErrors(formatter, validationErrors(verrs))
	}

	if opts.Output != "" {
		if err := writeIRToFile(res.Bundle, opts.Output); err != nil {
			return outputCompileErrors(formatter, []SpecError{{Code: ErrCodeWriteFailed, Message: fmt.Sprintf("writing output file: %v", err)}})
		}
	}

	stats := calculateStats(res)
	return outputCompileSuccess(formatter, res.Bundle, stats, opts.Output)
}

// calculateStats computes summary statistics from a load result.
func calculateStats(res *compiler.LoadResult) CompilationStats {
	b := res.Bundle
	return CompilationStats{
		Files:       len(res.Files),
		Populations: len(b.Populations),
		Journeys:    len(b.Journeys),
		Domains:     len(b.Domains),
		Triggers:    len(b.Triggers),
		Cohorts:     len(b.Cohorts),
	}
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, bundle *ir.Bundle, stats CompilationStats, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(bundle)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d population(s), %d journey(s), %d domain(s), %d trigger(s), %d cohort(s)\n\n",
		stats.Populations, stats.Journeys, stats.Domains, stats.Triggers, stats.Cohorts)

	if len(bundle.Populations) > 0 {
		fmt.Fprintln(w, "Populations:")
		for _, p := range bundle.Populations {
			fmt.Fprintf(w, "  %s: %d entities, seed %d, attributes %s\n",
				p.Name, p.Count, p.Seed, strings.Join(p.Attributes.Names(), ", "))
		}
		fmt.Fprintln(w)
	}

	if len(bundle.Journeys) > 0 {
		fmt.Fprintln(w, "Journeys:")
		for _, j := range bundle.Journeys {
			fmt.Fprintf(w, "  %s (%s): %d event(s)\n", j.ID, j.Domain, len(j.Events))
		}
		fmt.Fprintln(w)
	}

	if len(bundle.Triggers) > 0 {
		fmt.Fprintln(w, "Triggers:")
		for _, r := range bundle.Triggers {
			fmt.Fprintf(w, "  %s: %s → %s (%s)\n", r.ID, r.Source, r.Target, r.Delay)
		}
		fmt.Fprintln(w)
	}

	if len(bundle.Cohorts) > 0 {
		fmt.Fprintln(w, "Cohorts:")
		for _, c := range bundle.Cohorts {
			fmt.Fprintf(w, "  %s: %s on %s, %s to %s\n", c.Name, c.Population,
				strings.Join(c.Journeys, ", "), c.Start.Format(ir.DateLayout), c.Cutoff.Format(ir.DateLayout))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Spec hash: %s\n", bundle.SpecHash)
	if outputFile != "" {
		fmt.Fprintf(w, "Wrote IR bundle to %s\n", outputFile)
	}

	return nil
}

// outputCompileErrors outputs compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []SpecError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: errs[0].Code, Message: errs[0].Message, Details: errs[0].Field},
			Data:   errs, // Include all errors in data
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
		fmt.Fprintln(formatter.Writer)
		for _, e := range errs {
			if e.Pos != "" {
				fmt.Fprintln(formatter.Writer, e.Pos)
			}
			fmt.Fprintf(formatter.Writer, "  %s\n\n", e)
		}
	}

	// Compilation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

// writeIRToFile writes the bundle to a file as indented JSON.
func writeIRToFile(bundle *ir.Bundle, filename string) error {
	// Indented for readability; canonical JSON is used only for hashing.
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling IR: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}

	return nil
}
