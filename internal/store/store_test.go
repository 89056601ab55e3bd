package store

import (
	"context"
	"testing"
	"time"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustCreate inserts an entity and fails the test on error.
func mustCreate(t *testing.T, s *Store, e *Entity) *Entity {
	t.Helper()
	if e.Confidence == 0 {
		e.Confidence = 0.8
	}
	if e.Tier == "" {
		e.Tier = TierPrimary
	}
	if err := s.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("creating entity %q: %v", e.PrimaryName, err)
	}
	return e
}

// --- Database Initialization ---

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer s.Close()

	// Verify tables exist by querying sqlite_master
	tables := []string{"entities", "entity_aliases", "conflicts",
		"merge_records", "entity_references", "coref_signals", "meta"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	// Partial unique index guards one OPEN conflict per pair
	var idx string
	err = s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_conflicts_open_pair'",
	).Scan(&idx)
	if err != nil {
		t.Error("idx_conflicts_open_pair index not found")
	}
}

func TestMetadataColumnExists(t *testing.T) {
	s := newTestStore(t)

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('entities') WHERE name='metadata'").Scan(&count)
	if err != nil {
		t.Fatalf("checking metadata column: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected metadata column to exist, count=%d", count)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	s := newTestStore(t)

	// Re-running the migration against an initialized database is a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	s := newTestStore(t)

	var fk int
	s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk)
	if fk != 1 {
		t.Errorf("expected foreign_keys=1, got %d", fk)
	}
}

// --- Stats ---

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, &Entity{PrimaryName: "Marisol", EntityType: TypeCharacter})
	b := mustCreate(t, s, &Entity{PrimaryName: "Mari", EntityType: TypeCharacter})
	mustCreate(t, s, &Entity{PrimaryName: "The Lake House", EntityType: TypeLocation})

	if _, _, err := s.UpsertOpenConflict(ctx, &Conflict{
		EntityA: a.ID, EntityB: b.ID,
		EntityAType: TypeCharacter, EntityBType: TypeCharacter,
		Similarity: 0.9, Reason: ReasonNameSimilarity,
	}); err != nil {
		t.Fatalf("upserting conflict: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.LiveEntities != 3 {
		t.Errorf("expected 3 live entities, got %d", stats.LiveEntities)
	}
	if stats.Tombstones != 0 {
		t.Errorf("expected 0 tombstones, got %d", stats.Tombstones)
	}
	if stats.OpenConflicts != 1 {
		t.Errorf("expected 1 open conflict, got %d", stats.OpenConflicts)
	}
}

func TestStatsCountsTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, &Entity{PrimaryName: "Jon", EntityType: TypeCharacter})
	b := mustCreate(t, s, &Entity{PrimaryName: "John", EntityType: TypeCharacter})

	rec := &MergeRecord{
		SourceID: a.ID, TargetID: b.ID,
		SourceType: TypeCharacter, TargetType: TypeCharacter,
		MergedBy: MergedByUser, Reversible: true,
	}
	if err := s.ApplyMerge(ctx, rec); err != nil {
		t.Fatalf("applying merge: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.LiveEntities != 1 {
		t.Errorf("expected 1 live entity, got %d", stats.LiveEntities)
	}
	if stats.Tombstones != 1 {
		t.Errorf("expected 1 tombstone, got %d", stats.Tombstones)
	}
	if stats.MergeRecords != 1 {
		t.Errorf("expected 1 merge record, got %d", stats.MergeRecords)
	}
}

// --- Timestamps ---

func TestCreateEntityDefaultsTimestamps(t *testing.T) {
	s := newTestStore(t)

	e := mustCreate(t, s, &Entity{PrimaryName: "Ember", EntityType: TypeCharacter})
	if e.FirstSeen.IsZero() || e.LastSeen.IsZero() {
		t.Fatal("expected first_seen/last_seen to be defaulted")
	}
	if e.LastSeen.Before(e.FirstSeen) {
		t.Errorf("last_seen %v before first_seen %v", e.LastSeen, e.FirstSeen)
	}

	got, err := s.GetEntity(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set by the database")
	}
	if time.Since(got.CreatedAt) > time.Minute {
		t.Errorf("created_at %v not recent", got.CreatedAt)
	}
}
