package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/cohortgen/internal/coordinator"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
	"github.com/roach88/cohortgen/internal/querysql"
)

// Run is the stored header of a cohort run.
type Run struct {
	ID               string        `json:"id"`
	Cohort           string        `json:"cohort"`
	Population       string        `json:"population"`
	Seed             int64         `json:"seed"`
	SpecHash         string        `json:"spec_hash"`
	Cutoff           time.Time     `json:"cutoff"`
	CohortSpec       ir.CohortSpec `json:"cohort_spec"`
	SnapshotHash     string        `json:"snapshot_hash"`
	MemberCount      int           `json:"member_count"`
	RuleCycles       []string      `json:"rule_cycles"`
	GeneratorVersion string        `json:"generator_version"`
	IRVersion        string        `json:"ir_version"`
}

// Entity is a stored cohort member without its timelines.
type Entity struct {
	ir.Entity
	Start     time.Time         `json:"start"`
	DomainIDs map[string]string `json:"domain_ids"`
	Warnings  []string          `json:"warnings"`
}

// Firing is a stored trigger firing with the member it belongs to.
type Firing struct {
	CoreID string `json:"core_id"`
	coordinator.Firing
}

// EventCount is the number of events of one type and status in a run.
type EventCount struct {
	Domain string         `json:"domain"`
	Type   string         `json:"type"`
	Status ir.EventStatus `json:"status"`
	Count  int            `json:"count"`
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, cohort, population, seed, spec_hash, cutoff, cohort_spec, snapshot_hash,
	member_count, rule_cycles, generator_version, ir_version`

// ListRuns returns every stored run. Run IDs are UUIDv7, so binary order is
// creation order.
//
// Returns empty slice (not nil) if no runs are stored.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun retrieves a single run header by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE id = ?
	`, id)
	return scanRun(row)
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var cutoff, cohortJSON, cycles string
	if err := row.Scan(
		&run.ID, &run.Cohort, &run.Population, &run.Seed, &run.SpecHash, &cutoff,
		&cohortJSON, &run.SnapshotHash, &run.MemberCount, &cycles,
		&run.GeneratorVersion, &run.IRVersion,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	var err error
	if run.Cutoff, err = ir.ParseDate(cutoff); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	if run.CohortSpec, err = unmarshalCohort(cohortJSON); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	if run.RuleCycles, err = unmarshalStringList(cycles); err != nil {
		return Run{}, fmt.Errorf("run %s: rule cycles: %w", run.ID, err)
	}
	return run, nil
}

// ReadCohortRun reconstructs a complete run: header, members, timelines
// and firings. Its snapshot hash equals the one stored with the run unless
// the tables were modified.
func (s *Store) ReadCohortRun(ctx context.Context, id string) (*pipeline.CohortRun, error) {
	run, err := s.ReadRun(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := s.readMembers(ctx, id, "")
	if err != nil {
		return nil, err
	}
	return &pipeline.CohortRun{
		ID:         run.ID,
		Cohort:     run.CohortSpec,
		Population: run.Population,
		Seed:       run.Seed,
		SpecHash:   run.SpecHash,
		Cutoff:     run.Cutoff,
		Members:    members,
		RuleCycles: run.RuleCycles,
	}, nil
}

// ReadMember returns one member of a run by entity ID.
// Returns sql.ErrNoRows if the run has no such entity.
func (s *Store) ReadMember(ctx context.Context, runID, entityID string) (pipeline.Member, error) {
	members, err := s.readMembers(ctx, runID, entityID)
	if err != nil {
		return pipeline.Member{}, err
	}
	if len(members) == 0 {
		return pipeline.Member{}, sql.ErrNoRows
	}
	return members[0], nil
}

// ReadMemberAt returns the member at entity index idx.
// Returns sql.ErrNoRows if the run has no such entity.
func (s *Store) ReadMemberAt(ctx context.Context, runID string, idx int) (pipeline.Member, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM entities WHERE run_id = ? AND idx = ?
	`, runID, idx).Scan(&id)
	if err != nil {
		return pipeline.Member{}, err
	}
	return s.ReadMember(ctx, runID, id)
}

const entityColumns = "id, idx, population, seed, start, attributes, origins, domain_ids, warnings"

// ReadEntities returns the entities of a run ordered by index.
func (s *Store) ReadEntities(ctx context.Context, runID string) ([]Entity, error) {
	return s.QueryEntities(ctx, runID, nil)
}

// QueryEntities returns the entities of a run whose attributes satisfy
// pred, ordered by index. A nil pred selects every entity.
//
// Event state predicates are rejected: they have no meaning outside a
// journey expansion.
func (s *Store) QueryEntities(ctx context.Context, runID string, pred ir.Predicate) ([]Entity, error) {
	query, params, err := querysql.NewSQLCompiler().Compile(querysql.Query{
		From:    "entities",
		Columns: []string{entityColumns},
		RunID:   runID,
		Filter:  pred,
		OrderBy: []string{"idx"},
	})
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := []Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

func scanEntity(row rowScanner) (Entity, error) {
	var e Entity
	var seed, start, attrs, origins, domainIDs, warnings string
	if err := row.Scan(
		&e.ID, &e.Index, &e.Population, &seed, &start, &attrs, &origins, &domainIDs, &warnings,
	); err != nil {
		return Entity{}, fmt.Errorf("scan entity: %w", err)
	}

	var err error
	if e.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return Entity{}, fmt.Errorf("entity %s: seed: %w", e.ID, err)
	}
	if e.Start, err = ir.ParseDate(start); err != nil {
		return Entity{}, fmt.Errorf("entity %s: %w", e.ID, err)
	}
	if e.Attributes, err = unmarshalObject(attrs); err != nil {
		return Entity{}, fmt.Errorf("entity %s: attributes: %w", e.ID, err)
	}
	rawOrigins, err := unmarshalStringMap(origins)
	if err != nil {
		return Entity{}, fmt.Errorf("entity %s: origins: %w", e.ID, err)
	}
	e.Origins = make(map[string]ir.AttributeOrigin, len(rawOrigins))
	for k, v := range rawOrigins {
		e.Origins[k] = ir.AttributeOrigin(v)
	}
	if e.DomainIDs, err = unmarshalStringMap(domainIDs); err != nil {
		return Entity{}, fmt.Errorf("entity %s: domain ids: %w", e.ID, err)
	}
	if e.Warnings, err = unmarshalStringList(warnings); err != nil {
		return Entity{}, fmt.Errorf("entity %s: warnings: %w", e.ID, err)
	}
	return e, nil
}

// readMembers rebuilds the members of a run, or only coreID when it is
// not empty.
func (s *Store) readMembers(ctx context.Context, runID, coreID string) ([]pipeline.Member, error) {
	var entities []Entity
	var err error
	if coreID == "" {
		entities, err = s.ReadEntities(ctx, runID)
	} else {
		entities, err = s.readEntity(ctx, runID, coreID)
	}
	if err != nil {
		return nil, err
	}

	timelines, err := s.readTimelines(ctx, runID, coreID)
	if err != nil {
		return nil, err
	}
	firings, err := s.readFirings(ctx, runID, coreID, "")
	if err != nil {
		return nil, err
	}
	byCore := make(map[string][]coordinator.Firing)
	for _, f := range firings {
		byCore[f.CoreID] = append(byCore[f.CoreID], f.Firing)
	}

	members := make([]pipeline.Member, 0, len(entities))
	for _, e := range entities {
		members = append(members, pipeline.Member{
			Entity:    e.Entity,
			DomainIDs: e.DomainIDs,
			Start:     e.Start,
			Timelines: timelines[e.ID],
			Firings:   byCore[e.ID],
			Warnings:  e.Warnings,
		})
	}
	return members, nil
}

func (s *Store) readEntity(ctx context.Context, runID, coreID string) ([]Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE run_id = ? AND id = ?
	`, runID, coreID)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []Entity{}, nil
		}
		return nil, err
	}
	return []Entity{e}, nil
}

// readTimelines returns each member's timelines in stored order, keyed by
// core ID.
func (s *Store) readTimelines(ctx context.Context, runID, coreID string) (map[string][]*ir.Timeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT core_id, domain, entity_id, journey_ids, start
		FROM timelines
		WHERE run_id = ? AND (? = '' OR core_id = ?)
		ORDER BY core_id COLLATE BINARY ASC, pos ASC
	`, runID, coreID, coreID)
	if err != nil {
		return nil, fmt.Errorf("query timelines: %w", err)
	}
	defer rows.Close()

	type key struct{ core, domain string }
	out := make(map[string][]*ir.Timeline)
	index := make(map[key]*ir.Timeline)
	for rows.Next() {
		var core, journeys, start string
		tl := &ir.Timeline{Events: []ir.TimelineEvent{}}
		if err := rows.Scan(&core, &tl.Domain, &tl.EntityID, &journeys, &start); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		if tl.JourneyIDs, err = unmarshalStringList(journeys); err != nil {
			return nil, fmt.Errorf("timeline %s/%s: journey ids: %w", core, tl.Domain, err)
		}
		if tl.Start, err = ir.ParseDate(start); err != nil {
			return nil, fmt.Errorf("timeline %s/%s: %w", core, tl.Domain, err)
		}
		out[core] = append(out[core], tl)
		index[key{core, tl.Domain}] = tl
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timelines: %w", err)
	}
	rows.Close()

	events, err := s.db.QueryContext(ctx, `
		SELECT core_id, domain, id, entity_id, journey_id, template_id, event_type, occurrence,
		       date, status, skip_reason, params, source_event_id, source_domain, rule_id, depth, seq
		FROM timeline_events
		WHERE run_id = ? AND (? = '' OR core_id = ?)
		ORDER BY core_id COLLATE BINARY ASC, domain COLLATE BINARY ASC, pos ASC, id COLLATE BINARY ASC
	`, runID, coreID, coreID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer events.Close()

	for events.Next() {
		var core string
		ev, err := scanEvent(events, &core)
		if err != nil {
			return nil, err
		}
		tl, ok := index[key{core, ev.Domain}]
		if !ok {
			return nil, fmt.Errorf("event %s: no %s timeline for %s", ev.ID, ev.Domain, core)
		}
		tl.Events = append(tl.Events, ev)
	}
	if err := events.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(row rowScanner, core *string) (ir.TimelineEvent, error) {
	var ev ir.TimelineEvent
	var date, sourceID, sourceDomain, ruleID sql.NullString
	var depth sql.NullInt64
	var status, params string
	if err := row.Scan(
		core, &ev.Domain, &ev.ID, &ev.EntityID, &ev.JourneyID, &ev.TemplateID, &ev.Type, &ev.Occurrence,
		&date, &status, &ev.SkipReason, &params, &sourceID, &sourceDomain, &ruleID, &depth, &ev.Seq,
	); err != nil {
		return ir.TimelineEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Status = ir.EventStatus(status)

	var err error
	if date.Valid {
		if ev.Date, err = ir.ParseDate(date.String); err != nil {
			return ir.TimelineEvent{}, fmt.Errorf("event %s: %w", ev.ID, err)
		}
	}
	if params != "{}" {
		if ev.Params, err = unmarshalObject(params); err != nil {
			return ir.TimelineEvent{}, fmt.Errorf("event %s: params: %w", ev.ID, err)
		}
	}
	if sourceID.Valid {
		ev.Origin = &ir.TriggerOrigin{
			SourceEventID: sourceID.String,
			SourceDomain:  sourceDomain.String,
			RuleID:        ruleID.String,
			Depth:         int(depth.Int64),
		}
	}
	return ev, nil
}

// ReadFirings returns the trigger firings of a run in member order, then
// application order. A non-empty ruleID restricts the result to that rule.
//
// Returns empty slice (not nil) if nothing fired.
func (s *Store) ReadFirings(ctx context.Context, runID, ruleID string) ([]Firing, error) {
	return s.readFirings(ctx, runID, "", ruleID)
}

func (s *Store) readFirings(ctx context.Context, runID, coreID, ruleID string) ([]Firing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.core_id, f.source_event_id, f.source_domain, f.rule_id,
		       f.target_event_id, f.target_domain, f.depth
		FROM trigger_firings f
		JOIN entities e ON e.run_id = f.run_id AND e.id = f.core_id
		WHERE f.run_id = ?
		  AND (? = '' OR f.core_id = ?)
		  AND (? = '' OR f.rule_id = ?)
		ORDER BY e.idx ASC, f.seq ASC, f.id ASC
	`, runID, coreID, coreID, ruleID, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	defer rows.Close()

	firings := []Firing{}
	for rows.Next() {
		var f Firing
		if err := rows.Scan(
			&f.CoreID, &f.SourceEventID, &f.SourceDomain, &f.RuleID,
			&f.TargetEventID, &f.TargetDomain, &f.Depth,
		); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		firings = append(firings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return firings, nil
}

// CountEvents returns per (domain, type, status) event counts of a run.
func (s *Store) CountEvents(ctx context.Context, runID string) ([]EventCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, event_type, status, COUNT(*)
		FROM timeline_events
		WHERE run_id = ?
		GROUP BY domain, event_type, status
		ORDER BY domain COLLATE BINARY ASC, event_type COLLATE BINARY ASC, status COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := []EventCount{}
	for rows.Next() {
		var c EventCount
		var status string
		if err := rows.Scan(&c.Domain, &c.Type, &status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		c.Status = ir.EventStatus(status)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event counts: %w", err)
	}
	return counts, nil
}
