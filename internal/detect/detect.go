// Package detect finds possible-duplicate entity pairs and records them as
// open conflicts.
//
// Four signals feed each pair's score:
// - name similarity over primary names and aliases
// - context overlap (shared source documents)
// - coreference hints precomputed by the upstream extractor
// - temporal overlap for singular-identity types
//
// The highest-scoring signal becomes the conflict's reason; reasons are
// mutually exclusive per record. Re-running a sweep is idempotent: an
// existing open conflict for the same unordered pair is refreshed in place,
// never duplicated. The detector writes conflict rows only and never mutates
// candidates.
package detect

import (
	"context"
	"errors"
	"time"

	"github.com/lorekeeper/lorekeeper/internal/store"
)

// DefaultThreshold gates conflict creation. Pairs scoring below it are not
// recorded.
const DefaultThreshold = 0.75

// temporalWeight discounts the temporal signal: overlapping activity alone
// is weaker evidence than a shared name or document.
const temporalWeight = 0.8

// Engine runs detection sweeps against the candidate store.
type Engine struct {
	store     *store.Store
	threshold float64
}

// NewEngine creates a detection engine. threshold <= 0 uses the default.
func NewEngine(s *store.Store, threshold float64) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{store: s, threshold: threshold}
}

// Report summarizes one detection sweep.
type Report struct {
	Scanned          int `json:"scanned"`
	PairsCompared    int `json:"pairs_compared"`
	Created          int `json:"created"`
	Refreshed        int `json:"refreshed"`
	SkippedDismissed int `json:"skipped_dismissed"`
	Errors           int `json:"errors"`
}

// signal is one scored detection signal for a pair.
type signal struct {
	reason store.ConflictReason
	score  float64
}

// Sweep scores all live candidate pairs and upserts open conflicts for those
// above the threshold. A storage error on one pair is counted and skipped;
// the sweep itself does not fail (the next scheduled pass retries).
func (e *Engine) Sweep(ctx context.Context) (*Report, error) {
	entities, err := e.store.ListEntities(ctx, store.ListOpts{
		IncludeSecondary: true,
		IncludeTertiary:  true,
		Limit:            100000,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(entities)}

	// Source-document sets are fetched once per entity, not per pair.
	docs := make(map[string][]string, len(entities))
	for _, ent := range entities {
		d, err := e.store.SourceDocs(ctx, ent.ID)
		if err != nil {
			report.Errors++
			continue
		}
		docs[ent.ID] = d
	}

	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			report.PairsCompared++

			dismissed, err := e.store.HasDismissedConflict(ctx, a.ID, b.ID)
			if err != nil {
				report.Errors++
				continue
			}
			if dismissed {
				report.SkippedDismissed++
				continue
			}

			best, err := e.scorePair(ctx, a, b, docs[a.ID], docs[b.ID])
			if err != nil {
				report.Errors++
				continue
			}
			if best.score < e.threshold {
				continue
			}

			// Detection runs concurrently with merges: re-validate both
			// sides are still live before recording anything.
			if stale, err := e.anyTombstoned(ctx, a.ID, b.ID); err != nil {
				report.Errors++
				continue
			} else if stale {
				continue
			}

			_, created, err := e.store.UpsertOpenConflict(ctx, &store.Conflict{
				EntityA:     a.ID,
				EntityB:     b.ID,
				EntityAType: a.EntityType,
				EntityBType: b.EntityType,
				Similarity:  best.score,
				Reason:      best.reason,
			})
			if err != nil {
				report.Errors++
				continue
			}
			if created {
				report.Created++
			} else {
				report.Refreshed++
			}
		}
	}

	return report, nil
}

// scorePair evaluates all four signals and keeps the highest. On equal
// scores the earlier signal in (name, context, coreference, temporal) wins,
// keeping sweeps deterministic.
func (e *Engine) scorePair(ctx context.Context, a, b *store.Entity, docsA, docsB []string) (signal, error) {
	signals := []signal{
		{store.ReasonNameSimilarity, nameSimilarity(nameSet(a), nameSet(b))},
		{store.ReasonContextOverlap, overlapCoefficient(docsA, docsB)},
	}

	coref, err := e.store.CorefScore(ctx, a.ID, b.ID)
	if err != nil {
		return signal{}, err
	}
	signals = append(signals, signal{store.ReasonCoreference, coref})

	signals = append(signals, signal{store.ReasonTemporalOverlap, temporalOverlap(a, b)})

	best := signals[0]
	for _, s := range signals[1:] {
		if s.score > best.score {
			best = s
		}
	}
	return best, nil
}

func (e *Engine) anyTombstoned(ctx context.Context, ids ...string) (bool, error) {
	for _, id := range ids {
		ent, err := e.store.GetEntity(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		if !ent.Live() {
			return true, nil
		}
	}
	return false, nil
}

// nameSet returns an entity's names with the primary name first.
func nameSet(e *store.Entity) []string {
	out := make([]string, 0, len(e.Aliases)+1)
	out = append(out, e.PrimaryName)
	out = append(out, e.Aliases...)
	return out
}

// temporalOverlap scores overlapping activity for singular-identity types:
// two locations both active in the same period (e.g. both recorded as the
// residence) are likely the same place. Other type combinations score zero.
func temporalOverlap(a, b *store.Entity) float64 {
	if !singularIdentity(a.EntityType) || a.EntityType != b.EntityType {
		return 0
	}
	start := maxTime(a.FirstSeen, b.FirstSeen)
	end := minTime(a.LastSeen, b.LastSeen)
	if end.Before(start) {
		return 0
	}
	overlap := end.Sub(start)
	shorter := minDuration(a.LastSeen.Sub(a.FirstSeen), b.LastSeen.Sub(b.FirstSeen))
	if shorter <= 0 {
		// Point-in-time activity inside the other range still overlaps.
		return temporalWeight
	}
	frac := float64(overlap) / float64(shorter)
	if frac > 1 {
		frac = 1
	}
	return temporalWeight * frac
}

// singularIdentity reports whether the domain expects one live entity of
// this type per time period for a given role.
func singularIdentity(t store.EntityType) bool {
	return t == store.TypeLocation
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
