package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/cohortgen/internal/compiler"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
	"github.com/roach88/cohortgen/internal/store"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// Run is the cohort as read back from the store.
	Run *pipeline.CohortRun `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot returns the canonical JSON snapshot of the generated cohort,
// the content of the scenario's golden file.
func (r *Result) Snapshot() ([]byte, error) {
	if r.Run == nil {
		return nil, fmt.Errorf("result has no run")
	}
	return r.Run.Snapshot()
}

// RunID is the fixed run ID the harness gives a scenario's run.
func RunID(s *Scenario) string {
	return "scenario-" + s.Name
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger  *slog.Logger
	workers int
}

// WithLogger sets the logger passed to the pipeline. Defaults to a logger
// that discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithWorkers sets pipeline parallelism. The result does not depend on it.
func WithWorkers(n int) Option {
	return func(c *runConfig) { c.workers = n }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
//  1. Load and compile the spec directory
//  2. Generate the cohort with a fixed run ID
//  3. Write it to the store, read it back and verify the round trip
//  4. Evaluate assertions against the stored cohort
//
// The returned error covers failures to execute at all; failed assertions
// are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := &runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(cfg)
	}

	loaded, err := compiler.LoadDir(scenario.Specs)
	if err != nil {
		return nil, fmt.Errorf("failed to load specs: %w", err)
	}
	if errs := compiler.Validate(loaded.Bundle); len(errs) > 0 {
		return nil, fmt.Errorf("invalid specs: %w", errs[0])
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithRunIDGenerator(pipeline.NewFixedGenerator(RunID(scenario))),
		pipeline.WithLogger(cfg.logger),
	}
	if cfg.workers > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithWorkers(cfg.workers))
	}
	if scenario.Cutoff != "" {
		cutoff, err := ir.ParseDate(scenario.Cutoff)
		if err != nil {
			return nil, fmt.Errorf("cutoff: %w", err)
		}
		pipeOpts = append(pipeOpts, pipeline.WithCutoff(cutoff))
	}
	if scenario.MaxTriggerDepth > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithMaxDepth(scenario.MaxTriggerDepth))
	}

	run, err := pipeline.Run(ctx, loaded.Bundle, scenario.Cohort, pipeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cohort: %w", err)
	}

	stored, err := roundTrip(ctx, run)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	result.Run = stored
	actx := &AssertionContext{Bundle: loaded.Bundle, Run: stored}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// roundTrip writes run to a private in-memory store and returns what the
// store gives back, failing if it differs from run.
func roundTrip(ctx context.Context, run *pipeline.CohortRun) (*pipeline.CohortRun, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	if _, err := st.WriteRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to store run: %w", err)
	}
	v, err := st.VerifyRun(ctx, run.ID, run)
	if err != nil {
		return nil, fmt.Errorf("failed to verify stored run: %w", err)
	}
	if !v.Deterministic() {
		msg := "stored run differs from generated run"
		if v.Divergence != nil {
			msg += ": " + v.Divergence.String()
		}
		return nil, errors.New(msg)
	}
	return st.ReadCohortRun(ctx, run.ID)
}
