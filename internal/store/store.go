// Package store provides the SQLite storage layer for lorekeeper's
// entity-resolution core.
//
// All resolution data lives in a single SQLite database file, including:
// - Entity candidates with alias sets, usage signals, and visibility tiers
// - Detected conflicts between possible-duplicate pairs
// - Merge records with enough metadata to replay a merge in reverse
// - External references (memories, events, claims, timeline entries) that
//   name an entity and move between entities during merge/revert
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.lorekeeper/lorekeeper.db"

// EntityType classifies what kind of real-world thing a candidate names.
type EntityType string

const (
	TypeCharacter EntityType = "character"
	TypeLocation  EntityType = "location"
	TypeOrg       EntityType = "org"
	TypeConcept   EntityType = "concept"
	TypePerson    EntityType = "person"
	TypeEntity    EntityType = "entity" // generic, from broad extraction
)

// ValidEntityType reports whether t is one of the known entity types.
func ValidEntityType(t EntityType) bool {
	switch t {
	case TypeCharacter, TypeLocation, TypeOrg, TypeConcept, TypePerson, TypeEntity:
		return true
	}
	return false
}

// ResolutionTier controls default exposure of a candidate to the UI.
type ResolutionTier string

const (
	TierPrimary   ResolutionTier = "primary"
	TierSecondary ResolutionTier = "secondary"
	TierTertiary  ResolutionTier = "tertiary"
)

// ConflictReason names the highest-scoring signal behind a conflict.
type ConflictReason string

const (
	ReasonNameSimilarity  ConflictReason = "name_similarity"
	ReasonContextOverlap  ConflictReason = "context_overlap"
	ReasonCoreference     ConflictReason = "coreference"
	ReasonTemporalOverlap ConflictReason = "temporal_overlap"
)

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	StatusOpen      ConflictStatus = "open"
	StatusMerged    ConflictStatus = "merged"
	StatusDismissed ConflictStatus = "dismissed"
)

// ReferenceKind names which external subsystem holds a reference.
type ReferenceKind string

const (
	RefMemory   ReferenceKind = "memory"
	RefEvent    ReferenceKind = "event"
	RefClaim    ReferenceKind = "claim"
	RefTimeline ReferenceKind = "timeline"
)

// Typed failures surfaced by the merge executor and reversal manager.
// Callers match with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidPair          = errors.New("invalid entity pair")
	ErrStaleReference       = errors.New("stale reference: entity is tombstoned")
	ErrAlreadyResolved      = errors.New("conflict already resolved")
	ErrNotReversible        = errors.New("merge record is not reversible")
	ErrChainedMergeConflict = errors.New("target was merged again; revert later merges first")
	ErrTransactionFailed    = errors.New("transaction failed")
)

// Entity is a single resolved-or-candidate entity.
// A non-empty MergedInto marks a tombstone: the row is retained and forwards
// to its merge target, never physically deleted.
type Entity struct {
	ID          string         `json:"id"`
	PrimaryName string         `json:"primary_name"`
	Aliases     []string       `json:"aliases"`
	EntityType  EntityType     `json:"entity_type"`
	SourceTable string         `json:"source_table"`
	Confidence  float64        `json:"confidence"`
	UsageCount  int64          `json:"usage_count"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Tier        ResolutionTier `json:"resolution_tier"`

	// VisibilityOverride, when non-nil, wins over the tier-derived default.
	VisibilityOverride *bool `json:"visibility_override,omitempty"`
	UserVisible        bool  `json:"is_user_visible"`

	// Derived from open conflicts, not stored authoritatively.
	HasConflicts  bool `json:"has_conflicts"`
	ConflictCount int  `json:"conflict_count"`

	MergedInto string     `json:"merged_into,omitempty"`
	MergedAt   *time.Time `json:"merged_at,omitempty"`
	Metadata   string     `json:"metadata,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Live reports whether the entity is not a tombstone.
func (e *Entity) Live() bool { return e.MergedInto == "" }

// Conflict is a detected possible-duplicate pair. The pair is unordered and
// stored canonically with EntityA < EntityB.
type Conflict struct {
	ID          string         `json:"id"`
	EntityA     string         `json:"entity_a_id"`
	EntityB     string         `json:"entity_b_id"`
	EntityAType EntityType     `json:"entity_a_type"`
	EntityBType EntityType     `json:"entity_b_type"`
	Similarity  float64        `json:"similarity_score"`
	Reason      ConflictReason `json:"conflict_reason"`
	Status      ConflictStatus `json:"status"`
	DetectedAt  time.Time      `json:"detected_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Reference is one external record (memory, event, claim, timeline entry)
// that names an entity. SourceDoc and OccurredAt feed context and temporal
// overlap scoring in the conflict detector.
type Reference struct {
	ID         string        `json:"id"`
	Kind       ReferenceKind `json:"kind"`
	EntityID   string        `json:"entity_id"`
	SourceDoc  string        `json:"source_doc,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// CorefSignal is a precomputed coreference hint supplied by the upstream
// extractor. The detector trusts it and never computes or mutates it.
type CorefSignal struct {
	EntityA string  `json:"entity_a_id"`
	EntityB string  `json:"entity_b_id"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// Stats holds aggregate counts for observability surfaces.
type Stats struct {
	LiveEntities   int64 `json:"entities"`
	Tombstones     int64 `json:"tombstones"`
	OpenConflicts  int64 `json:"open_conflicts"`
	MergeRecords   int64 `json:"merge_records"`
	RevertedMerges int64 `json:"reverted_merges"`
	References     int64 `json:"references"`
	DBSizeBytes    int64 `json:"db_size_bytes"`
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// Store is the SQLite-backed persistence layer. All engines (detector, merge
// executor, reversal manager, HTTP/MCP surfaces) share one Store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (and if needed bootstraps) the resolution database.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own database.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBPath returns the path the store was opened with.
func (s *Store) DBPath() string { return s.dbPath }

// Stats returns aggregate counts across all resolution tables.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	queries := []struct {
		dst *int64
		sql string
	}{
		{&st.LiveEntities, "SELECT COUNT(*) FROM entities WHERE merged_into IS NULL"},
		{&st.Tombstones, "SELECT COUNT(*) FROM entities WHERE merged_into IS NOT NULL"},
		{&st.OpenConflicts, "SELECT COUNT(*) FROM conflicts WHERE status = 'open'"},
		{&st.MergeRecords, "SELECT COUNT(*) FROM merge_records"},
		{&st.RevertedMerges, "SELECT COUNT(*) FROM merge_records WHERE reverted_at IS NOT NULL"},
		{&st.References, "SELECT COUNT(*) FROM entity_references"},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
	}
	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
