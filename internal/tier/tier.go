// Package tier assigns visibility tiers to entity candidates.
//
// The tier gates what the consuming UI shows by default: PRIMARY candidates
// (the main user-facing categories) are always visible, SECONDARY and
// TERTIARY only on request. Classification is pure; it never triggers merges
// or conflicts.
package tier

import "github.com/lorekeeper/lorekeeper/internal/store"

// SourceOmega is the broad low-precision extraction origin. Candidates from
// it are demoted one tier regardless of type.
const SourceOmega = "omega_entities"

// Classify assigns a resolution tier from the entity type and origin store.
// CHARACTER, LOCATION and ORG are the user-facing categories; PERSON and
// CONCEPT come from broader entity extraction and start lower.
func Classify(t store.EntityType, sourceTable string) store.ResolutionTier {
	base := store.TierTertiary
	switch t {
	case store.TypeCharacter, store.TypeLocation, store.TypeOrg:
		base = store.TierPrimary
	case store.TypePerson, store.TypeConcept:
		base = store.TierSecondary
	}
	if sourceTable == SourceOmega {
		base = demote(base)
	}
	return base
}

func demote(t store.ResolutionTier) store.ResolutionTier {
	switch t {
	case store.TierPrimary:
		return store.TierSecondary
	default:
		return store.TierTertiary
	}
}
