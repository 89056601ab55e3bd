package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddReference records that an external subsystem (memory, event, claim,
// timeline) names an entity. Only the extraction producer creates references;
// only the merge executor and reversal manager ever move them.
func (s *Store) AddReference(ctx context.Context, r *Reference) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_references (id, kind, entity_id, source_doc, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.EntityID, nullIfEmpty(r.SourceDoc), r.OccurredAt)
	if err != nil {
		return fmt.Errorf("inserting reference: %w", err)
	}
	return nil
}

// ReferencesFor returns all references naming an entity, oldest first.
func (s *Store) ReferencesFor(ctx context.Context, entityID string) ([]*Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, COALESCE(source_doc, ''), occurred_at
		FROM entity_references
		WHERE entity_id = ?
		ORDER BY occurred_at ASC, id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("listing references for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []*Reference
	for rows.Next() {
		r := &Reference{}
		if err := rows.Scan(&r.ID, &r.Kind, &r.EntityID, &r.SourceDoc, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning reference: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReferenceCountsByKind returns per-kind reference counts for an entity.
func (s *Store) ReferenceCountsByKind(ctx context.Context, entityID string) (map[ReferenceKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM entity_references
		WHERE entity_id = ? GROUP BY kind`, entityID)
	if err != nil {
		return nil, fmt.Errorf("counting references for %s: %w", entityID, err)
	}
	defer rows.Close()

	out := map[ReferenceKind]int{}
	for rows.Next() {
		var kind ReferenceKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning reference count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// DanglingReferenceCount returns how many references point at a tombstoned
// entity whose forward pointer does not resolve. Should always be zero after
// a committed merge.
func (s *Store) DanglingReferenceCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM entity_references r
		JOIN entities e ON e.id = r.entity_id
		WHERE e.merged_into IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM entities t WHERE t.id = e.merged_into)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting dangling references: %w", err)
	}
	return n, nil
}

// SourceDocs returns the distinct source documents an entity appears in.
func (s *Store) SourceDocs(ctx context.Context, entityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT source_doc FROM entity_references
		WHERE entity_id = ? AND source_doc IS NOT NULL AND source_doc != ''
		ORDER BY source_doc`, entityID)
	if err != nil {
		return nil, fmt.Errorf("listing source docs for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning source doc: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// RecordCorefSignal stores a coreference hint from the upstream extractor.
// Canonical ordering, highest score wins on repeat delivery.
func (s *Store) RecordCorefSignal(ctx context.Context, sig *CorefSignal) error {
	if sig.EntityA == sig.EntityB {
		return nil // no self-coreference
	}
	a, b := canonicalPair(sig.EntityA, sig.EntityB)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coref_signals (entity_a_id, entity_b_id, score, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_a_id, entity_b_id) DO UPDATE SET
			score = MAX(score, excluded.score),
			source = excluded.source`,
		a, b, sig.Score, nullIfEmpty(sig.Source))
	if err != nil {
		return fmt.Errorf("recording coref signal: %w", err)
	}
	return nil
}

// CorefScore returns the extractor-supplied coreference score for a pair,
// or 0 when none was delivered.
func (s *Store) CorefScore(ctx context.Context, idA, idB string) (float64, error) {
	a, b := canonicalPair(idA, idB)
	var score float64
	err := s.db.QueryRowContext(ctx, `
		SELECT score FROM coref_signals
		WHERE entity_a_id = ? AND entity_b_id = ?`, a, b).Scan(&score)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("loading coref score: %w", err)
	}
	return score, nil
}
