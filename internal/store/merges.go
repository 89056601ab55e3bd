package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MergedBy records who triggered a merge.
const (
	MergedBySystem = "system"
	MergedByUser   = "user"
)

// MergeMetadata is the structured payload persisted with each merge record.
// It captures everything the reversal manager needs to replay the merge
// backwards exactly, without re-running detection or heuristics.
type MergeMetadata struct {
	MovedRefs              map[ReferenceKind][]string `json:"moved_refs"`
	AliasesAdded           []string                   `json:"aliases_added"`
	UsageAdded             int64                      `json:"usage_added"`
	TargetConfidenceBefore float64                    `json:"target_confidence_before"`
	TargetLastSeenBefore   time.Time                  `json:"target_last_seen_before"`
	ConflictID             string                     `json:"conflict_id,omitempty"`
}

// RefsMoved returns the total number of moved references across kinds.
func (m MergeMetadata) RefsMoved() int {
	n := 0
	for _, ids := range m.MovedRefs {
		n += len(ids)
	}
	return n
}

// MergeRecord is an audit/undo log entry for one merge.
type MergeRecord struct {
	ID         string        `json:"id"`
	SourceID   string        `json:"source_entity_id"`
	TargetID   string        `json:"target_entity_id"`
	SourceType EntityType    `json:"source_type"`
	TargetType EntityType    `json:"target_type"`
	MergedBy   string        `json:"merged_by"`
	Reason     string        `json:"reason,omitempty"`
	Reversible bool          `json:"reversible"`
	Metadata   MergeMetadata `json:"metadata"`
	MergedAt   time.Time     `json:"merged_at"`
	RevertedAt *time.Time    `json:"reverted_at,omitempty"`
}

// ApplyMerge commits a prepared merge in a single transaction: union aliases
// into the target, re-point the recorded references, fold usage/confidence/
// last_seen into the target, tombstone the source, consume the triggering
// conflict, and persist the merge record. All-or-nothing.
func (s *Store) ApplyMerge(ctx context.Context, rec *MergeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.MergedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning merge: %v", ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	// Capture both sides' live signals inside the transaction so the record's
	// metadata reflects exactly what was committed, not what was previewed.
	var srcUsage int64
	var srcConfidence float64
	var srcLastSeen time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT usage_count, confidence, last_seen FROM entities
		WHERE id = ? AND merged_into IS NULL`, rec.SourceID).
		Scan(&srcUsage, &srcConfidence, &srcLastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("source %s no longer live: %w", rec.SourceID, ErrStaleReference)
		}
		return fmt.Errorf("%w: reading source signals: %v", ErrTransactionFailed, err)
	}

	var tgtConfidence float64
	var tgtLastSeen time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT confidence, last_seen FROM entities
		WHERE id = ? AND merged_into IS NULL`, rec.TargetID).
		Scan(&tgtConfidence, &tgtLastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("target %s no longer live: %w", rec.TargetID, ErrStaleReference)
		}
		return fmt.Errorf("%w: reading target signals: %v", ErrTransactionFailed, err)
	}

	rec.Metadata.UsageAdded = srcUsage
	rec.Metadata.TargetConfidenceBefore = tgtConfidence
	rec.Metadata.TargetLastSeenBefore = tgtLastSeen

	for _, alias := range rec.Metadata.AliasesAdded {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_aliases (entity_id, alias) VALUES (?, ?)
			 ON CONFLICT(entity_id, alias) DO NOTHING`, rec.TargetID, alias); err != nil {
			return fmt.Errorf("%w: adding alias %q: %v", ErrTransactionFailed, alias, err)
		}
	}

	for kind, ids := range rec.Metadata.MovedRefs {
		if err := moveReferences(ctx, tx, ids, rec.SourceID, rec.TargetID); err != nil {
			return fmt.Errorf("%w: moving %s references: %v", ErrTransactionFailed, kind, err)
		}
	}

	// usage sums, confidence and last_seen take the max of the two sides:
	// a merge never lowers either.
	newConfidence := tgtConfidence
	if srcConfidence > newConfidence {
		newConfidence = srcConfidence
	}
	newLastSeen := tgtLastSeen
	if srcLastSeen.After(newLastSeen) {
		newLastSeen = srcLastSeen
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET usage_count = usage_count + ?,
		    confidence = ?,
		    last_seen = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		srcUsage, newConfidence, newLastSeen, rec.TargetID); err != nil {
		return fmt.Errorf("%w: folding target signals: %v", ErrTransactionFailed, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET merged_into = ?, merged_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND merged_into IS NULL`,
		rec.TargetID, now, rec.SourceID)
	if err != nil {
		return fmt.Errorf("%w: tombstoning source: %v", ErrTransactionFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s no longer live: %w", rec.SourceID, ErrStaleReference)
	}

	if rec.Metadata.ConflictID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conflicts SET status = 'merged', resolved_at = ?
			WHERE id = ? AND status = 'open'`,
			now, rec.Metadata.ConflictID); err != nil {
			return fmt.Errorf("%w: consuming conflict %s: %v", ErrTransactionFailed, rec.Metadata.ConflictID, err)
		}
	}

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding merge metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merge_records (id, source_id, target_id, source_type, target_type,
			merged_by, reason, reversible, metadata, merged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceID, rec.TargetID, rec.SourceType, rec.TargetType,
		rec.MergedBy, nullIfEmpty(rec.Reason), rec.Reversible, string(metaJSON), now); err != nil {
		return fmt.Errorf("%w: persisting merge record: %v", ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing merge: %v", ErrTransactionFailed, err)
	}
	return nil
}

// ApplyRevert replays a merge backwards in a single transaction: restore the
// source from tombstone, move the recorded references back, subtract the
// merge's contribution from the target, drop the aliases the merge added,
// mark the record reverted, and (when reopen is non-nil) insert a fresh OPEN
// conflict so the user is re-prompted.
func (s *Store) ApplyRevert(ctx context.Context, rec *MergeRecord, reopen *Conflict) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning revert: %v", ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET merged_into = NULL, merged_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND merged_into = ?`,
		rec.SourceID, rec.TargetID)
	if err != nil {
		return fmt.Errorf("%w: restoring source: %v", ErrTransactionFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s is not tombstoned into %s: %w", rec.SourceID, rec.TargetID, ErrStaleReference)
	}

	for kind, ids := range rec.Metadata.MovedRefs {
		if err := moveReferences(ctx, tx, ids, rec.TargetID, rec.SourceID); err != nil {
			return fmt.Errorf("%w: moving %s references back: %v", ErrTransactionFailed, kind, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET usage_count = MAX(0, usage_count - ?),
		    confidence = ?,
		    last_seen = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		rec.Metadata.UsageAdded, rec.Metadata.TargetConfidenceBefore,
		rec.Metadata.TargetLastSeenBefore, rec.TargetID); err != nil {
		return fmt.Errorf("%w: restoring target signals: %v", ErrTransactionFailed, err)
	}

	for _, alias := range rec.Metadata.AliasesAdded {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_aliases WHERE entity_id = ? AND alias = ?`,
			rec.TargetID, alias); err != nil {
			return fmt.Errorf("%w: removing alias %q: %v", ErrTransactionFailed, alias, err)
		}
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE merge_records SET reverted_at = ? WHERE id = ? AND reverted_at IS NULL`,
		now, rec.ID)
	if err != nil {
		return fmt.Errorf("%w: marking record reverted: %v", ErrTransactionFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("merge record %s: %w", rec.ID, ErrNotReversible)
	}

	if reopen != nil {
		if reopen.ID == "" {
			reopen.ID = uuid.NewString()
		}
		a, b := canonicalPair(reopen.EntityA, reopen.EntityB)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (id, entity_a_id, entity_b_id, entity_a_type, entity_b_type,
				similarity, reason, status, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?)`,
			reopen.ID, a, b, reopen.EntityAType, reopen.EntityBType,
			reopen.Similarity, reopen.Reason, now); err != nil {
			return fmt.Errorf("%w: reopening conflict: %v", ErrTransactionFailed, err)
		}
	}

	rec.RevertedAt = &now
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing revert: %v", ErrTransactionFailed, err)
	}
	return nil
}

// moveReferences re-points the given reference ids from one entity to
// another, verifying every id actually moved.
func moveReferences(ctx context.Context, tx *sql.Tx, ids []string, from, to string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, to, from)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE entity_references SET entity_id = ?
		WHERE entity_id = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if int(n) != len(ids) {
		return fmt.Errorf("expected to move %d references, moved %d", len(ids), n)
	}
	return nil
}

// GetMergeRecord loads one merge record by id.
func (s *Store) GetMergeRecord(ctx context.Context, id string) (*MergeRecord, error) {
	row := s.db.QueryRowContext(ctx, mergeSelect+` WHERE id = ?`, id)
	rec, err := scanMergeRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("merge record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading merge record %s: %w", id, err)
	}
	return rec, nil
}

// ListMergeRecords returns merge history, newest first.
func (s *Store) ListMergeRecords(ctx context.Context, limit int) ([]*MergeRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		mergeSelect+` ORDER BY merged_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing merge records: %w", err)
	}
	defer rows.Close()

	var out []*MergeRecord
	for rows.Next() {
		rec, err := scanMergeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning merge record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TargetMergedSince reports whether the record's target was itself absorbed
// into another entity after this merge committed. Reverting such a record is
// rejected (ChainedMergeConflict): later merges must be reverted first.
func (s *Store) TargetMergedSince(ctx context.Context, rec *MergeRecord) (bool, error) {
	var mergedInto sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT merged_into FROM entities WHERE id = ?`, rec.TargetID).Scan(&mergedInto)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("target %s: %w", rec.TargetID, ErrNotFound)
		}
		return false, fmt.Errorf("checking target liveness: %w", err)
	}
	return mergedInto.Valid, nil
}

const mergeSelect = `
	SELECT id, source_id, target_id, source_type, target_type, merged_by,
	       COALESCE(reason, ''), reversible, metadata, merged_at, reverted_at
	FROM merge_records`

func scanMergeRecord(row rowScanner) (*MergeRecord, error) {
	rec := &MergeRecord{}
	var metaJSON string
	var revertedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.SourceID, &rec.TargetID, &rec.SourceType,
		&rec.TargetType, &rec.MergedBy, &rec.Reason, &rec.Reversible,
		&metaJSON, &rec.MergedAt, &revertedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decoding merge metadata: %w", err)
	}
	if revertedAt.Valid {
		t := revertedAt.Time
		rec.RevertedAt = &t
	}
	return rec, nil
}
