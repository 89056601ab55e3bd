package detect

import (
	"context"
	"testing"
	"time"

	"github.com/lorekeeper/lorekeeper/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, 0), s
}

func seed(t *testing.T, s *store.Store, e *store.Entity) *store.Entity {
	t.Helper()
	if e.Confidence == 0 {
		e.Confidence = 0.8
	}
	if e.Tier == "" {
		e.Tier = store.TierPrimary
	}
	if err := s.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("creating entity %q: %v", e.PrimaryName, err)
	}
	return e
}

func TestSweepFlagsNearDuplicateNames(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	a := seed(t, s, &store.Entity{PrimaryName: "John Smith", EntityType: store.TypeCharacter})
	b := seed(t, s, &store.Entity{PrimaryName: "Jon Smith", EntityType: store.TypeCharacter})

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected 1 conflict created, got %+v", report)
	}

	c, err := s.OpenConflictForPair(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("expected an open conflict: %v", err)
	}
	if c.Reason != store.ReasonNameSimilarity {
		t.Errorf("reason = %s, want name_similarity", c.Reason)
	}
	if c.Similarity < 0.75 {
		t.Errorf("similarity = %v, below threshold", c.Similarity)
	}
}

func TestSweepIdempotent(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	seed(t, s, &store.Entity{PrimaryName: "John Smith", EntityType: store.TypeCharacter})
	seed(t, s, &store.Entity{PrimaryName: "Jon Smith", EntityType: store.TypeCharacter})

	if _, err := engine.Sweep(ctx); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if report.Created != 0 || report.Refreshed != 1 {
		t.Errorf("second sweep should refresh, not duplicate: %+v", report)
	}

	open, err := s.ListOpenConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpenConflicts failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one conflict after repeat sweeps, got %d", len(open))
	}
}

func TestSweepSkipsDismissedPairs(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	a := seed(t, s, &store.Entity{PrimaryName: "John Smith", EntityType: store.TypeCharacter})
	b := seed(t, s, &store.Entity{PrimaryName: "Jon Smith", EntityType: store.TypeCharacter})

	if _, err := engine.Sweep(ctx); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	c, err := s.OpenConflictForPair(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("expected an open conflict: %v", err)
	}
	if err := s.DismissConflict(ctx, c.ID); err != nil {
		t.Fatalf("DismissConflict failed: %v", err)
	}

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if report.Created != 0 {
		t.Errorf("dismissed pair re-flagged: %+v", report)
	}
	if report.SkippedDismissed != 1 {
		t.Errorf("skipped_dismissed = %d, want 1", report.SkippedDismissed)
	}
}

func TestSweepBelowThresholdNotFlagged(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	seed(t, s, &store.Entity{PrimaryName: "Marisol", EntityType: store.TypeCharacter})
	seed(t, s, &store.Entity{PrimaryName: "The Lighthouse", EntityType: store.TypeConcept, Tier: store.TierSecondary})

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Created != 0 {
		t.Errorf("unrelated entities flagged: %+v", report)
	}
}

func TestSweepContextOverlapSignal(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	// Unrelated names, but every document mentioning one mentions the other:
	// a nickname referring to the same person.
	a := seed(t, s, &store.Entity{PrimaryName: "Ember", EntityType: store.TypeCharacter})
	b := seed(t, s, &store.Entity{PrimaryName: "Scout", EntityType: store.TypeCharacter})
	for _, doc := range []string{"2026-02-01.md", "2026-02-02.md"} {
		for _, id := range []string{a.ID, b.ID} {
			if err := s.AddReference(ctx, &store.Reference{
				Kind: store.RefMemory, EntityID: id, SourceDoc: doc,
			}); err != nil {
				t.Fatalf("AddReference failed: %v", err)
			}
		}
	}

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected 1 conflict, got %+v", report)
	}
	c, err := s.OpenConflictForPair(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("expected an open conflict: %v", err)
	}
	if c.Reason != store.ReasonContextOverlap {
		t.Errorf("reason = %s, want context_overlap", c.Reason)
	}
	if c.Similarity != 1 {
		t.Errorf("similarity = %v, want 1 (full containment)", c.Similarity)
	}
}

func TestSweepCoreferenceSignal(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	a := seed(t, s, &store.Entity{PrimaryName: "Mom", EntityType: store.TypePerson, Tier: store.TierSecondary})
	b := seed(t, s, &store.Entity{PrimaryName: "Carol", EntityType: store.TypePerson, Tier: store.TierSecondary})

	if err := s.RecordCorefSignal(ctx, &store.CorefSignal{
		EntityA: a.ID, EntityB: b.ID, Score: 0.9, Source: "extractor-v2",
	}); err != nil {
		t.Fatalf("RecordCorefSignal failed: %v", err)
	}

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected 1 conflict, got %+v", report)
	}
	c, err := s.OpenConflictForPair(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("expected an open conflict: %v", err)
	}
	if c.Reason != store.ReasonCoreference {
		t.Errorf("reason = %s, want coreference", c.Reason)
	}
}

func TestSweepTemporalOverlapForLocations(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	a := seed(t, s, &store.Entity{
		PrimaryName: "Lakeside Cabin", EntityType: store.TypeLocation,
		FirstSeen: start, LastSeen: end,
	})
	b := seed(t, s, &store.Entity{
		PrimaryName: "The Mill", EntityType: store.TypeLocation,
		FirstSeen: start, LastSeen: end,
	})

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected 1 conflict, got %+v", report)
	}
	c, err := s.OpenConflictForPair(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("expected an open conflict: %v", err)
	}
	if c.Reason != store.ReasonTemporalOverlap {
		t.Errorf("reason = %s, want temporal_overlap", c.Reason)
	}
}

func TestSweepTemporalOverlapIgnoresOtherTypes(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	// Same window, but characters are not singular identities: two people can
	// be active at the same time.
	seed(t, s, &store.Entity{
		PrimaryName: "Ember", EntityType: store.TypeCharacter,
		FirstSeen: start, LastSeen: end,
	})
	seed(t, s, &store.Entity{
		PrimaryName: "Scout", EntityType: store.TypeCharacter,
		FirstSeen: start, LastSeen: end,
	})

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Created != 0 {
		t.Errorf("temporal overlap should not flag characters: %+v", report)
	}
}

func TestSweepSkipsTombstones(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	a := seed(t, s, &store.Entity{PrimaryName: "John Smith", EntityType: store.TypeCharacter})
	b := seed(t, s, &store.Entity{PrimaryName: "Jon Smith", EntityType: store.TypeCharacter})

	rec := &store.MergeRecord{
		SourceID: a.ID, TargetID: b.ID,
		SourceType: store.TypeCharacter, TargetType: store.TypeCharacter,
		MergedBy: store.MergedByUser, Reversible: true,
	}
	if err := s.ApplyMerge(ctx, rec); err != nil {
		t.Fatalf("ApplyMerge failed: %v", err)
	}

	report, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Created != 0 {
		t.Errorf("tombstoned pair flagged: %+v", report)
	}
}
