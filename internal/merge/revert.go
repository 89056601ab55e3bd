package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorekeeper/lorekeeper/internal/store"
)

// Revert undoes a committed merge by exact replay of its recorded metadata:
// the source comes back to life, every recorded reference id moves back, the
// target's signals return to their pre-merge values, and a fresh open
// conflict re-prompts the user if the ambiguity persists.
//
// Chained merges are rejected: if the target has itself been absorbed since
// this merge, the caller must revert the later merge first.
func (x *Executor) Revert(ctx context.Context, mergeID string) (*store.MergeRecord, error) {
	rec, err := x.store.GetMergeRecord(ctx, mergeID)
	if err != nil {
		return nil, err
	}
	if rec.RevertedAt != nil {
		return nil, fmt.Errorf("merge %s already reverted: %w", mergeID, store.ErrNotReversible)
	}
	if !rec.Reversible {
		return nil, fmt.Errorf("merge %s: %w", mergeID, store.ErrNotReversible)
	}

	release := x.locks.acquire(rec.SourceID, rec.TargetID)
	defer release()

	// Re-check under the lock: a concurrent revert may have won.
	rec, err = x.store.GetMergeRecord(ctx, mergeID)
	if err != nil {
		return nil, err
	}
	if rec.RevertedAt != nil {
		return nil, fmt.Errorf("merge %s already reverted: %w", mergeID, store.ErrNotReversible)
	}

	chained, err := x.store.TargetMergedSince(ctx, rec)
	if err != nil {
		return nil, err
	}
	if chained {
		return nil, fmt.Errorf("merge %s: %w", mergeID, store.ErrChainedMergeConflict)
	}

	reopen, err := x.reopenedConflict(ctx, rec)
	if err != nil {
		return nil, err
	}

	if err := x.store.ApplyRevert(ctx, rec, reopen); err != nil {
		return nil, err
	}
	return rec, nil
}

// reopenedConflict builds the fresh OPEN conflict inserted on revert. It is
// a new record (new id, new detection timestamp) carrying the consumed
// conflict's score and reason; the old record stays immutable history. A
// merge that consumed no conflict reopens nothing — the next detection
// sweep re-evaluates the pair from scratch.
func (x *Executor) reopenedConflict(ctx context.Context, rec *store.MergeRecord) (*store.Conflict, error) {
	if rec.Metadata.ConflictID == "" {
		return nil, nil
	}
	old, err := x.store.GetConflict(ctx, rec.Metadata.ConflictID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &store.Conflict{
		EntityA:     old.EntityA,
		EntityB:     old.EntityB,
		EntityAType: old.EntityAType,
		EntityBType: old.EntityBType,
		Similarity:  old.Similarity,
		Reason:      old.Reason,
	}, nil
}
