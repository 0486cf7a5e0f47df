package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent    = "cohortgen/event/v1"
	DomainTrigger  = "cohortgen/trigger/v1"
	DomainSpec     = "cohortgen/spec/v1"
	DomainSnapshot = "cohortgen/snapshot/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed ID of a journey event occurrence.
// The ID depends only on its logical address, so regenerating the same
// entity yields the same event IDs.
func EventID(entityID, journeyID, templateID string, occurrence int) (string, error) {
	obj := IRObject{
		"entity_id":   IRString(entityID),
		"journey_id":  IRString(journeyID),
		"template_id": IRString(templateID),
		"occurrence":  IRInt(occurrence),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainEvent, canonical), nil
}

// TriggeredEventID computes the ID of an event synthesized by a trigger rule.
// One (source event, rule) pair can only ever produce one event, which is
// what makes coordinated execution idempotent.
func TriggeredEventID(sourceEventID, ruleID string) (string, error) {
	obj := IRObject{
		"source_event_id": IRString(sourceEventID),
		"rule_id":         IRString(ruleID),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("TriggeredEventID: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainTrigger, canonical), nil
}

// SpecHash hashes the source bytes a bundle was compiled from.
// Stored with each run so replay can detect spec drift.
func SpecHash(source []byte) string {
	return hashWithDomain(DomainSpec, source)
}

// SnapshotHash hashes arbitrary canonical bytes, e.g. a rendered timeline.
func SnapshotHash(canonical []byte) string {
	return hashWithDomain(DomainSnapshot, canonical)
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(entityID, journeyID, templateID string, occurrence int) string {
	id, err := EventID(entityID, journeyID, templateID, occurrence)
	if err != nil {
		panic(err)
	}
	return id
}

// MustTriggeredEventID is like TriggeredEventID but panics on error.
func MustTriggeredEventID(sourceEventID, ruleID string) string {
	id, err := TriggeredEventID(sourceEventID, ruleID)
	if err != nil {
		panic(err)
	}
	return id
}
