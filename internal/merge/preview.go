package merge

import (
	"context"
	"sort"
	"strings"

	"github.com/lorekeeper/lorekeeper/internal/store"
)

// timelineSampleSize bounds the timeline preview.
const timelineSampleSize = 5

// Preview is a dry-run projection of a merge. Computed on demand, never
// persisted.
type Preview struct {
	AliasesUnion     []string `json:"aliases_union"`
	ReferencesToMove int      `json:"references_to_move"`
	MemoriesAffected int      `json:"memories_affected"`
	EventsAffected   int      `json:"events_affected"`
	ClaimsAffected   int      `json:"claims_affected"`
	TimelinePreview  []string `json:"timeline_preview"`
	Reversible       bool     `json:"reversible"`
}

// Preview runs the same computation as Merge steps 1-2 without committing:
// the alias union the target would end up with, how many references would
// move, and a bounded sample of affected timeline entries.
func (x *Executor) Preview(ctx context.Context, sourceID, targetID string) (*Preview, error) {
	req := Request{SourceID: sourceID, TargetID: targetID}
	if sourceID == targetID {
		return nil, store.ErrInvalidPair
	}

	source, target, err := x.loadPair(ctx, req)
	if err != nil {
		return nil, err
	}

	union := map[string]string{}
	for _, a := range append(append([]string{}, target.Aliases...), source.Aliases...) {
		a = strings.TrimSpace(a)
		if a != "" {
			union[strings.ToLower(a)] = a
		}
	}
	srcName := strings.TrimSpace(source.PrimaryName)
	if srcName != "" && !strings.EqualFold(srcName, target.PrimaryName) {
		union[strings.ToLower(srcName)] = srcName
	}
	aliases := make([]string, 0, len(union))
	for _, a := range union {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	refs, err := x.store.ReferencesFor(ctx, source.ID)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		AliasesUnion:     aliases,
		ReferencesToMove: len(refs),
		Reversible:       reversible(source.EntityType, target.EntityType),
	}
	for _, r := range refs {
		switch r.Kind {
		case store.RefMemory:
			p.MemoriesAffected++
		case store.RefEvent:
			p.EventsAffected++
		case store.RefClaim:
			p.ClaimsAffected++
		case store.RefTimeline:
			if len(p.TimelinePreview) < timelineSampleSize {
				p.TimelinePreview = append(p.TimelinePreview, r.ID)
			}
		}
	}
	return p, nil
}
