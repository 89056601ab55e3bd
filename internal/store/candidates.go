package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ListOpts controls filtering for ListEntities.
type ListOpts struct {
	IncludeSecondary  bool
	IncludeTertiary   bool
	IncludeTombstones bool
	EntityType        EntityType // empty = all types
	Limit             int
}

// EntityUpdates is a partial edit applied outside the merge machinery.
// Nil fields are left untouched.
type EntityUpdates struct {
	PrimaryName *string         `json:"name,omitempty"`
	Aliases     []string        `json:"aliases,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Visible     *bool           `json:"visible,omitempty"`
}

// CreateEntity inserts a new candidate. The caller sets the tier (see the
// tier package); an empty ID is assigned a fresh uuid.
func (s *Store) CreateEntity(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if !ValidEntityType(e.EntityType) {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidPair, e.EntityType)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", e.Confidence)
	}
	now := time.Now().UTC()
	if e.FirstSeen.IsZero() {
		e.FirstSeen = now
	}
	if e.LastSeen.IsZero() {
		e.LastSeen = e.FirstSeen
	}
	if e.SourceTable == "" {
		e.SourceTable = "entities"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, primary_name, entity_type, source_table, confidence,
			usage_count, first_seen, last_seen, resolution_tier, visibility_override, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PrimaryName, e.EntityType, e.SourceTable, e.Confidence,
		e.UsageCount, e.FirstSeen, e.LastSeen, e.Tier, boolPtrToInt(e.VisibilityOverride),
		nullIfEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("inserting entity: %w", err)
	}

	for _, alias := range dedupeAliases(e.Aliases, e.PrimaryName) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_aliases (entity_id, alias) VALUES (?, ?)
			 ON CONFLICT(entity_id, alias) DO NOTHING`, e.ID, alias); err != nil {
			return fmt.Errorf("inserting alias %q: %w", alias, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing create: %w", err)
	}
	e.Aliases = dedupeAliases(e.Aliases, e.PrimaryName)
	e.UserVisible = visible(e.Tier, e.VisibilityOverride)
	return nil
}

// GetEntity loads one entity with aliases and its open-conflict summary.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, entitySelect+` WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading entity %s: %w", id, err)
	}
	if err := s.attachAliases(ctx, e); err != nil {
		return nil, err
	}
	if err := s.attachConflictSummary(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveEntity follows tombstone forward pointers from id to the live
// entity. Returns the live entity and the number of hops taken.
func (s *Store) ResolveEntity(ctx context.Context, id string) (*Entity, int, error) {
	hops := 0
	for {
		e, err := s.GetEntity(ctx, id)
		if err != nil {
			return nil, hops, err
		}
		if e.Live() {
			return e, hops, nil
		}
		id = e.MergedInto
		hops++
		if hops > 32 {
			return nil, hops, fmt.Errorf("tombstone chain too deep at %s: %w", id, ErrStaleReference)
		}
	}
}

// ListEntities returns live candidates, tier-gated. PRIMARY is always
// included; SECONDARY and TERTIARY only when requested.
func (s *Store) ListEntities(ctx context.Context, opts ListOpts) ([]*Entity, error) {
	if opts.Limit <= 0 {
		opts.Limit = 500
	}

	tiers := []any{string(TierPrimary)}
	if opts.IncludeSecondary {
		tiers = append(tiers, string(TierSecondary))
	}
	if opts.IncludeTertiary {
		tiers = append(tiers, string(TierTertiary))
	}

	query := entitySelect + ` WHERE resolution_tier IN (?` + strings.Repeat(",?", len(tiers)-1) + `)`
	args := tiers
	if !opts.IncludeTombstones {
		query += ` AND merged_into IS NULL`
	}
	if opts.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, string(opts.EntityType))
	}
	query += ` ORDER BY usage_count DESC, primary_name ASC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}

	for _, e := range out {
		if err := s.attachAliases(ctx, e); err != nil {
			return nil, err
		}
		if err := s.attachConflictSummary(ctx, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RecordMention is the extraction producer's write path: bump usage, advance
// last_seen, and optionally add a surface form as an alias.
func (s *Store) RecordMention(ctx context.Context, id, alias string, seenAt time.Time) error {
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mention: %w", err)
	}
	defer tx.Rollback()

	var lastSeen time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT last_seen FROM entities WHERE id = ? AND merged_into IS NULL`, id).
		Scan(&lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("reading last_seen: %w", err)
	}
	if seenAt.Before(lastSeen) {
		seenAt = lastSeen
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET usage_count = usage_count + 1,
		    last_seen = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, seenAt, id); err != nil {
		return fmt.Errorf("recording mention: %w", err)
	}

	alias = strings.TrimSpace(alias)
	if alias != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_aliases (entity_id, alias) VALUES (?, ?)
			 ON CONFLICT(entity_id, alias) DO NOTHING`, id, alias); err != nil {
			return fmt.Errorf("adding mention alias: %w", err)
		}
	}

	return tx.Commit()
}

// UpdateEntity applies a direct user edit, bypassing the merge machinery.
// Tombstoned entities cannot be edited.
func (s *Store) UpdateEntity(ctx context.Context, id string, u EntityUpdates) (*Entity, error) {
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Live() {
		return nil, fmt.Errorf("entity %s: %w", id, ErrStaleReference)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning edit: %w", err)
	}
	defer tx.Rollback()

	if u.PrimaryName != nil {
		name := strings.TrimSpace(*u.PrimaryName)
		if name == "" {
			return nil, fmt.Errorf("primary name cannot be empty")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET primary_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			name, id); err != nil {
			return nil, fmt.Errorf("renaming entity: %w", err)
		}
	}

	if u.Aliases != nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_aliases WHERE entity_id = ?`, id); err != nil {
			return nil, fmt.Errorf("clearing aliases: %w", err)
		}
		for _, alias := range dedupeAliases(u.Aliases, "") {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entity_aliases (entity_id, alias) VALUES (?, ?)`, id, alias); err != nil {
				return nil, fmt.Errorf("replacing alias %q: %w", alias, err)
			}
		}
	}

	if u.Metadata != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(u.Metadata), id); err != nil {
			return nil, fmt.Errorf("updating metadata: %w", err)
		}
	}

	if u.Visible != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET visibility_override = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			boolPtrToInt(u.Visible), id); err != nil {
			return nil, fmt.Errorf("updating visibility override: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing edit: %w", err)
	}
	return s.GetEntity(ctx, id)
}

// --- scanning helpers ---

const entitySelect = `
	SELECT id, primary_name, entity_type, source_table, confidence, usage_count,
	       first_seen, last_seen, resolution_tier, visibility_override,
	       merged_into, merged_at, COALESCE(metadata, ''), created_at, updated_at
	FROM entities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	e := &Entity{}
	var override sql.NullInt64
	var mergedInto sql.NullString
	var mergedAt sql.NullTime
	err := row.Scan(&e.ID, &e.PrimaryName, &e.EntityType, &e.SourceTable,
		&e.Confidence, &e.UsageCount, &e.FirstSeen, &e.LastSeen, &e.Tier,
		&override, &mergedInto, &mergedAt, &e.Metadata, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if override.Valid {
		v := override.Int64 != 0
		e.VisibilityOverride = &v
	}
	if mergedInto.Valid {
		e.MergedInto = mergedInto.String
	}
	if mergedAt.Valid {
		t := mergedAt.Time
		e.MergedAt = &t
	}
	e.UserVisible = visible(e.Tier, e.VisibilityOverride)
	return e, nil
}

func (s *Store) attachAliases(ctx context.Context, e *Entity) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alias FROM entity_aliases WHERE entity_id = ? ORDER BY alias`, e.ID)
	if err != nil {
		return fmt.Errorf("loading aliases for %s: %w", e.ID, err)
	}
	defer rows.Close()

	e.Aliases = e.Aliases[:0]
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return fmt.Errorf("scanning alias: %w", err)
		}
		e.Aliases = append(e.Aliases, alias)
	}
	return rows.Err()
}

func (s *Store) attachConflictSummary(ctx context.Context, e *Entity) error {
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts
		WHERE status = 'open' AND (entity_a_id = ? OR entity_b_id = ?)`,
		e.ID, e.ID).Scan(&e.ConflictCount)
	if err != nil {
		return fmt.Errorf("counting conflicts for %s: %w", e.ID, err)
	}
	e.HasConflicts = e.ConflictCount > 0
	return nil
}

// visible applies the tier gate: PRIMARY entities are user-visible by default,
// and an explicit override always wins.
func visible(t ResolutionTier, override *bool) bool {
	if override != nil {
		return *override
	}
	return t == TierPrimary
}

func dedupeAliases(aliases []string, primaryName string) []string {
	seen := map[string]struct{}{}
	primary := strings.ToLower(strings.TrimSpace(primaryName))
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		key := strings.ToLower(a)
		if a == "" || key == primary {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
