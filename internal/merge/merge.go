// Package merge executes entity merges and their reversals.
//
// A merge absorbs a source candidate into a target: alias sets union, every
// external reference re-points to the target, usage sums, and the source
// becomes a tombstone forwarding to the target. The full list of moved
// reference ids is captured in the merge record so the reversal manager can
// replay the operation backwards exactly.
//
// Only this package moves references between entity ids; every other
// component treats entity ids as stable once issued.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lorekeeper/lorekeeper/internal/store"
)

// Request describes one merge: absorb source into target.
type Request struct {
	SourceID   string           `json:"source_id"`
	TargetID   string           `json:"target_id"`
	SourceType store.EntityType `json:"source_type"`
	TargetType store.EntityType `json:"target_type"`
	MergedBy   string           `json:"merged_by,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Executor performs merges and reversals with per-entity mutual exclusion.
// At most one in-flight transaction holds a given entity id; merges on
// disjoint pairs run in parallel.
type Executor struct {
	store *store.Store
	locks *lockTable
}

// NewExecutor creates a merge executor over the given store.
func NewExecutor(s *store.Store) *Executor {
	return &Executor{store: s, locks: newLockTable()}
}

// Merge absorbs the source entity into the target as a single atomic
// transaction and returns the persisted merge record. On any failure the
// transaction is rolled back in full before the error is returned.
func (x *Executor) Merge(ctx context.Context, req Request) (*store.MergeRecord, error) {
	if req.SourceID == req.TargetID {
		return nil, fmt.Errorf("source and target are the same entity: %w", store.ErrInvalidPair)
	}
	if req.SourceID == "" || req.TargetID == "" {
		return nil, fmt.Errorf("source and target ids are required: %w", store.ErrInvalidPair)
	}
	if req.MergedBy == "" {
		req.MergedBy = store.MergedByUser
	}

	release := x.locks.acquire(req.SourceID, req.TargetID)
	defer release()

	source, target, err := x.loadPair(ctx, req)
	if err != nil {
		return nil, err
	}

	conflictID := ""
	if c, err := x.store.OpenConflictForPair(ctx, source.ID, target.ID); err == nil {
		conflictID = c.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	movedRefs, err := x.collectReferences(ctx, source.ID)
	if err != nil {
		return nil, err
	}

	rec := &store.MergeRecord{
		SourceID:   source.ID,
		TargetID:   target.ID,
		SourceType: source.EntityType,
		TargetType: target.EntityType,
		MergedBy:   req.MergedBy,
		Reason:     req.Reason,
		Reversible: reversible(source.EntityType, target.EntityType),
		Metadata: store.MergeMetadata{
			MovedRefs:    movedRefs,
			AliasesAdded: aliasesToAdd(source, target),
			ConflictID:   conflictID,
		},
	}

	if err := x.store.ApplyMerge(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// loadPair fetches both entities and validates liveness and declared types.
func (x *Executor) loadPair(ctx context.Context, req Request) (*store.Entity, *store.Entity, error) {
	source, err := x.store.GetEntity(ctx, req.SourceID)
	if err != nil {
		return nil, nil, err
	}
	target, err := x.store.GetEntity(ctx, req.TargetID)
	if err != nil {
		return nil, nil, err
	}

	// No chained merges on the write path: a tombstoned participant fails
	// with StaleReference and the caller retries against the live id.
	if !source.Live() {
		return nil, nil, fmt.Errorf("source %s already merged into %s: %w",
			source.ID, source.MergedInto, store.ErrStaleReference)
	}
	if !target.Live() {
		return nil, nil, fmt.Errorf("target %s already merged into %s: %w",
			target.ID, target.MergedInto, store.ErrStaleReference)
	}

	if req.SourceType != "" && req.SourceType != source.EntityType {
		return nil, nil, fmt.Errorf("declared source type %s does not match %s: %w",
			req.SourceType, source.EntityType, store.ErrInvalidPair)
	}
	if req.TargetType != "" && req.TargetType != target.EntityType {
		return nil, nil, fmt.Errorf("declared target type %s does not match %s: %w",
			req.TargetType, target.EntityType, store.ErrInvalidPair)
	}
	return source, target, nil
}

func (x *Executor) collectReferences(ctx context.Context, entityID string) (map[store.ReferenceKind][]string, error) {
	refs, err := x.store.ReferencesFor(ctx, entityID)
	if err != nil {
		return nil, err
	}
	out := map[store.ReferenceKind][]string{}
	for _, r := range refs {
		out[r.Kind] = append(out[r.Kind], r.ID)
	}
	return out, nil
}

// aliasesToAdd is the source's alias set plus its primary name, minus
// whatever the target already carries (case-insensitive).
func aliasesToAdd(source, target *store.Entity) []string {
	existing := map[string]struct{}{
		strings.ToLower(strings.TrimSpace(target.PrimaryName)): {},
	}
	for _, a := range target.Aliases {
		existing[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}

	var out []string
	for _, a := range append(append([]string{}, source.Aliases...), source.PrimaryName) {
		a = strings.TrimSpace(a)
		key := strings.ToLower(a)
		if a == "" {
			continue
		}
		if _, ok := existing[key]; ok {
			continue
		}
		existing[key] = struct{}{}
		out = append(out, a)
	}
	return out
}

// reversible encodes the merge-reversibility policy: cross-type merges
// between a person and an organization cannot be cleanly undone (their
// reference semantics differ), so they are recorded non-reversible.
func reversible(a, b store.EntityType) bool {
	if (a == store.TypePerson && b == store.TypeOrg) ||
		(a == store.TypeOrg && b == store.TypePerson) {
		return false
	}
	return true
}
