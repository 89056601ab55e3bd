package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// canonicalPair returns the unordered pair in storage order (a < b).
func canonicalPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// UpsertOpenConflict records a detected duplicate pair. If an OPEN conflict
// already exists for the same unordered pair it is refreshed in place (score
// and reason updated, detected_at kept) so re-running detection is idempotent.
// Returns the conflict id and whether a new row was created.
func (s *Store) UpsertOpenConflict(ctx context.Context, c *Conflict) (string, bool, error) {
	if c.EntityA == c.EntityB {
		return "", false, fmt.Errorf("conflict requires distinct entities: %w", ErrInvalidPair)
	}
	a, b := canonicalPair(c.EntityA, c.EntityB)
	if a != c.EntityA {
		c.EntityA, c.EntityB = a, b
		c.EntityAType, c.EntityBType = c.EntityBType, c.EntityAType
	}

	var existingID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM conflicts
		WHERE entity_a_id = ? AND entity_b_id = ? AND status = 'open'`,
		a, b).Scan(&existingID)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx, `
			UPDATE conflicts SET similarity = ?, reason = ? WHERE id = ?`,
			c.Similarity, c.Reason, existingID)
		if err != nil {
			return "", false, fmt.Errorf("refreshing conflict %s: %w", existingID, err)
		}
		c.ID = existingID
		return existingID, false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return "", false, fmt.Errorf("checking open conflict: %w", err)
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, entity_a_id, entity_b_id, entity_a_type, entity_b_type,
			similarity, reason, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'open')`,
		c.ID, a, b, c.EntityAType, c.EntityBType, c.Similarity, c.Reason)
	if err != nil {
		return "", false, fmt.Errorf("inserting conflict: %w", err)
	}
	return c.ID, true, nil
}

// GetConflict loads a single conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading conflict %s: %w", id, err)
	}
	return c, nil
}

// OpenConflictForPair returns the OPEN conflict for an unordered pair, or
// ErrNotFound.
func (s *Store) OpenConflictForPair(ctx context.Context, idA, idB string) (*Conflict, error) {
	a, b := canonicalPair(idA, idB)
	row := s.db.QueryRowContext(ctx,
		conflictSelect+` WHERE entity_a_id = ? AND entity_b_id = ? AND status = 'open'`, a, b)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading conflict for pair: %w", err)
	}
	return c, nil
}

// HasDismissedConflict reports whether the user already dismissed this pair.
// Detection skips such pairs; only a reversal re-prompts.
func (s *Store) HasDismissedConflict(ctx context.Context, idA, idB string) (bool, error) {
	a, b := canonicalPair(idA, idB)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts
		WHERE entity_a_id = ? AND entity_b_id = ? AND status = 'dismissed'`,
		a, b).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking dismissed pair: %w", err)
	}
	return n > 0, nil
}

// ListOpenConflicts returns OPEN conflicts, highest similarity first.
func (s *Store) ListOpenConflicts(ctx context.Context, limit int) ([]*Conflict, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		conflictSelect+` WHERE status = 'open' ORDER BY similarity DESC, detected_at ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing open conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DismissConflict transitions an OPEN conflict to DISMISSED. Resolved
// conflicts are immutable; touching one fails with ErrAlreadyResolved.
func (s *Store) DismissConflict(ctx context.Context, id string) error {
	return s.closeConflict(ctx, id, StatusDismissed)
}

func (s *Store) closeConflict(ctx context.Context, id string, status ConflictStatus) error {
	c, err := s.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusOpen {
		return fmt.Errorf("conflict %s is %s: %w", id, c.Status, ErrAlreadyResolved)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conflicts SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'open'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("closing conflict %s: %w", id, err)
	}
	return nil
}

const conflictSelect = `
	SELECT id, entity_a_id, entity_b_id, entity_a_type, entity_b_type,
	       similarity, reason, status, detected_at, resolved_at
	FROM conflicts`

func scanConflict(row rowScanner) (*Conflict, error) {
	c := &Conflict{}
	var resolvedAt sql.NullTime
	err := row.Scan(&c.ID, &c.EntityA, &c.EntityB, &c.EntityAType, &c.EntityBType,
		&c.Similarity, &c.Reason, &c.Status, &c.DetectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}
