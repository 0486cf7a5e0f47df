package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
)

// WriteRun stores a complete cohort run in a single transaction.
// Returns whether the run was new.
//
// Uses ON CONFLICT DO NOTHING throughout: writing a run whose ID is already
// stored changes nothing and reports inserted=false. The run's snapshot
// hash is computed here and stored with it for replay verification.
func (s *Store) WriteRun(ctx context.Context, run *pipeline.CohortRun) (inserted bool, err error) {
	hash, err := run.SnapshotHash()
	if err != nil {
		return false, fmt.Errorf("write run: %w", err)
	}
	cohortJSON, err := marshalCohort(run.Cohort)
	if err != nil {
		return false, fmt.Errorf("write run: %w", err)
	}
	cycles, err := marshalStringList(run.RuleCycles)
	if err != nil {
		return false, fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("write run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, cohort, population, seed, spec_hash, cutoff, cohort_spec, snapshot_hash,
		 member_count, rule_cycles, generator_version, ir_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Cohort.Name,
		run.Population,
		run.Seed,
		run.SpecHash,
		formatDate(run.Cutoff),
		cohortJSON,
		hash,
		len(run.Members),
		cycles,
		ir.GeneratorVersion,
		ir.IRVersion,
	)
	if err != nil {
		return false, fmt.Errorf("write run: insert run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write run: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Already stored; runs are immutable.
		return false, nil
	}

	w, err := newRunWriter(ctx, tx, run.ID)
	if err != nil {
		return false, fmt.Errorf("write run: %w", err)
	}
	defer w.close()

	for i := range run.Members {
		if err := w.member(ctx, &run.Members[i]); err != nil {
			return false, fmt.Errorf("write run: member %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("write run: commit: %w", err)
	}
	return true, nil
}

// runWriter holds the prepared member statements of one run transaction.
type runWriter struct {
	runID    string
	entity   *sql.Stmt
	timeline *sql.Stmt
	event    *sql.Stmt
	firing   *sql.Stmt
}

func newRunWriter(ctx context.Context, tx *sql.Tx, runID string) (*runWriter, error) {
	w := &runWriter{runID: runID}
	var err error
	prepare := func(query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = tx.PrepareContext(ctx, query)
		return stmt
	}

	w.entity = prepare(`
		INSERT INTO entities
		(run_id, id, idx, population, seed, start, attributes, origins, domain_ids, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	w.timeline = prepare(`
		INSERT INTO timelines
		(run_id, core_id, domain, entity_id, journey_ids, start, pos)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	w.event = prepare(`
		INSERT INTO timeline_events
		(run_id, id, core_id, domain, entity_id, journey_id, template_id, event_type, occurrence,
		 date, status, skip_reason, params, source_event_id, source_domain, rule_id, depth, seq, pos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	w.firing = prepare(`
		INSERT INTO trigger_firings
		(run_id, core_id, source_event_id, source_domain, rule_id, target_event_id, target_domain, depth, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, source_event_id, rule_id) DO NOTHING
	`)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("prepare: %w", err)
	}
	return w, nil
}

func (w *runWriter) close() {
	for _, stmt := range []*sql.Stmt{w.entity, w.timeline, w.event, w.firing} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (w *runWriter) member(ctx context.Context, m *pipeline.Member) error {
	e := m.Entity
	attrs, err := marshalObject(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	origins, err := marshalStringMap(e.Origins)
	if err != nil {
		return fmt.Errorf("marshal origins: %w", err)
	}
	domainIDs, err := marshalStringMap(m.DomainIDs)
	if err != nil {
		return fmt.Errorf("marshal domain ids: %w", err)
	}
	warnings, err := marshalStringList(m.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	if _, err := w.entity.ExecContext(ctx,
		w.runID, e.ID, e.Index, e.Population, strconv.FormatUint(e.Seed, 10),
		formatDate(m.Start), attrs, origins, domainIDs, warnings,
	); err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}

	for pos, tl := range m.Timelines {
		if err := w.timelineRows(ctx, e.ID, pos, tl); err != nil {
			return err
		}
	}

	for seq, f := range m.Firings {
		if _, err := w.firing.ExecContext(ctx,
			w.runID, e.ID, f.SourceEventID, f.SourceDomain, f.RuleID,
			f.TargetEventID, f.TargetDomain, f.Depth, seq,
		); err != nil {
			return fmt.Errorf("insert firing %s: %w", f, err)
		}
	}
	return nil
}

func (w *runWriter) timelineRows(ctx context.Context, coreID string, pos int, tl *ir.Timeline) error {
	journeys, err := marshalStringList(tl.JourneyIDs)
	if err != nil {
		return fmt.Errorf("marshal journey ids: %w", err)
	}
	if _, err := w.timeline.ExecContext(ctx,
		w.runID, coreID, tl.Domain, tl.EntityID, journeys, formatDate(tl.Start), pos,
	); err != nil {
		return fmt.Errorf("insert %s timeline: %w", tl.Domain, err)
	}

	for i, ev := range tl.Events {
		params, err := marshalObject(ev.Params)
		if err != nil {
			return fmt.Errorf("marshal params of %s: %w", ev.ID, err)
		}
		var sourceID, sourceDomain, ruleID, depth any
		if o := ev.Origin; o != nil {
			sourceID, sourceDomain, ruleID, depth = o.SourceEventID, o.SourceDomain, o.RuleID, o.Depth
		}
		if _, err := w.event.ExecContext(ctx,
			w.runID, ev.ID, coreID, tl.Domain, ev.EntityID, ev.JourneyID, ev.TemplateID, ev.Type,
			ev.Occurrence, formatOptionalDate(ev.Date), string(ev.Status), ev.SkipReason, params,
			sourceID, sourceDomain, ruleID, depth, ev.Seq, i,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return nil
}
