package suggest

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
)

// CreateErrorItem reports one failed row of a bulk suggestion create.
type CreateErrorItem struct {
	Index   int
	Message string
}

// SuggestionStore is the persistence surface the reconciler consumes.
type SuggestionStore interface {
	ListSuggestions(ctx context.Context, opportunityID uuid.UUID) ([]models.Suggestion, error)
	CreateSuggestions(ctx context.Context, suggestions []models.Suggestion) ([]CreateErrorItem, error)
	UpdateSuggestionData(ctx context.Context, id uuid.UUID, data map[string]interface{}) error
	BulkUpdateSuggestionStatus(ctx context.Context, ids []uuid.UUID, status string) error
}

// SyncParams drives one reconciliation pass.
type SyncParams struct {
	Opportunity *models.Opportunity

	// NewData is the full findings set for this run, aggregate record
	// included. The aggregate must be present even when its detail metrics
	// are empty, otherwise its key counts as unseen and it gets marked
	// OUTDATED merely because the detail count dropped to zero.
	NewData []Finding

	Strategy  Strategy
	UpdatedBy string
}

// SyncStats summarizes one reconciliation pass.
type SyncStats struct {
	Created  int
	Updated  int
	Outdated int
	Skipped  int // staleness transitions vetoed by the strategy
	Errors   int // malformed findings and per-item adapter failures
}

// pendingUpdate is a computed in-place data update, applied in step 4.
type pendingUpdate struct {
	id   uuid.UUID
	data map[string]interface{}
}

// SyncSuggestions reconciles the persisted suggestion set of one opportunity
// against a freshly computed findings list.
//
// The pass is bulk, not streaming: existing suggestions are loaded once,
// the diff is computed by reconciliation key, then writes are applied. A
// finding whose key matches an existing suggestion merges data in place and
// never touches status (status is owned by the review workflow, not by
// re-detection). A finding with no match is created via the strategy mapper.
// An existing suggestion whose key went unseen is marked OUTDATED unless the
// strategy vetoes the transition.
//
// Calling this twice with identical NewData is a no-op the second time: the
// match branch fires for everything and nothing is left unseen.
//
// Adapter errors are isolated per item; persistence errors abort the call.
// There is no rollback of writes already applied.
func SyncSuggestions(ctx context.Context, store SuggestionStore, p SyncParams) (SyncStats, error) {
	stats := SyncStats{}
	opp := p.Opportunity

	existing, err := store.ListSuggestions(ctx, opp.ID)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch suggestions for site %s: %w", opp.SiteID, err)
	}

	// 1. Index existing suggestions by key. A second record with the same
	// key can only come from a racing run; it is retired through the normal
	// staleness path instead of shadowing the first.
	index := make(map[string]*models.Suggestion, len(existing))
	var duplicates []*models.Suggestion
	for i := range existing {
		s := &existing[i]
		key, err := p.Strategy.BuildKey(s.Data)
		if err != nil || key == "" {
			log.Printf("[suggest] cannot key existing suggestion %s (opportunity %s): %v", s.ID, opp.ID, err)
			stats.Errors++
			continue
		}
		if _, taken := index[key]; taken {
			duplicates = append(duplicates, s)
			continue
		}
		index[key] = s
	}

	// 2. Walk the findings: merge matches, map the rest to creations.
	seen := make(map[string]bool, len(p.NewData))
	var creations []models.Suggestion
	var updates []pendingUpdate

	for i, finding := range p.NewData {
		key, err := p.Strategy.BuildKey(finding)
		if err != nil || key == "" {
			log.Printf("[suggest] skipping unkeyable finding %d (opportunity %s): %v", i, opp.ID, err)
			stats.Errors++
			continue
		}
		if seen[key] {
			// Two findings with one key in a single run would break key
			// uniqueness; the first wins.
			log.Printf("[suggest] duplicate finding key %q in run (opportunity %s), skipping", key, opp.ID)
			stats.Errors++
			continue
		}

		if match, ok := index[key]; ok {
			merged, err := p.Strategy.MergeData(match.Data, finding)
			if err != nil {
				// Conservative: keep the persisted data, keep the key seen
				// so the record is not marked stale.
				log.Printf("[suggest] merge failed for key %q (suggestion %s): %v", key, match.ID, err)
				stats.Errors++
				seen[key] = true
				continue
			}
			updates = append(updates, pendingUpdate{id: match.ID, data: merged})
			seen[key] = true
			continue
		}

		mapped, err := p.Strategy.MapNewSuggestion(opp.ID, finding)
		if err != nil {
			log.Printf("[suggest] skipping unmappable finding key %q (opportunity %s): %v", key, opp.ID, err)
			stats.Errors++
			continue
		}
		if mapped.Rank < RankUnknown {
			log.Printf("[suggest] invalid rank %d for finding key %q (opportunity %s), skipping", mapped.Rank, key, opp.ID)
			stats.Errors++
			continue
		}
		if mapped.Status == "" {
			mapped.Status = models.StatusNew
		}
		if !models.IsValidStatus(mapped.Status) {
			log.Printf("[suggest] invalid status %q for finding key %q (opportunity %s), skipping", mapped.Status, key, opp.ID)
			stats.Errors++
			continue
		}
		if mapped.ID == uuid.Nil {
			mapped.ID = uuid.New()
		}
		mapped.OpportunityID = opp.ID
		mapped.UpdatedBy = p.UpdatedBy
		creations = append(creations, *mapped)
		seen[key] = true
	}

	// 3. Staleness: existing keys the run no longer produced, unless vetoed.
	var stale []uuid.UUID
	for key, s := range index {
		if seen[key] {
			continue
		}
		if !p.Strategy.ShouldUpdateSuggestion(*s) {
			stats.Skipped++
			continue
		}
		stale = append(stale, s.ID)
	}
	for _, s := range duplicates {
		if !p.Strategy.ShouldUpdateSuggestion(*s) {
			stats.Skipped++
			continue
		}
		stale = append(stale, s.ID)
	}

	// 4. Persist: in-place updates, the batched staleness transition, then
	// the bulk create.
	for _, u := range updates {
		if err := store.UpdateSuggestionData(ctx, u.id, u.data); err != nil {
			return stats, fmt.Errorf("failed to update suggestion %s for site %s: %w", u.id, opp.SiteID, err)
		}
		stats.Updated++
	}

	if len(stale) > 0 {
		if err := store.BulkUpdateSuggestionStatus(ctx, stale, models.StatusOutdated); err != nil {
			return stats, fmt.Errorf("failed to mark %d suggestions outdated for site %s: %w", len(stale), opp.SiteID, err)
		}
		stats.Outdated = len(stale)
	}

	if len(creations) > 0 {
		errorItems, err := store.CreateSuggestions(ctx, creations)
		if err != nil {
			return stats, fmt.Errorf("failed to create suggestions for site %s: %w", opp.SiteID, err)
		}
		stats.Created = len(creations) - len(errorItems)
		if len(errorItems) > 0 {
			for _, item := range errorItems {
				log.Printf("[suggest] suggestion create failed (opportunity %s, item %d): %s", opp.ID, item.Index, item.Message)
			}
			return stats, fmt.Errorf("failed to create %d of %d suggestions for site %s", len(errorItems), len(creations), opp.SiteID)
		}
	}

	log.Printf("[suggest] sync complete for opportunity %s (site %s): created=%d updated=%d outdated=%d skipped=%d errors=%d",
		opp.ID, opp.SiteID, stats.Created, stats.Updated, stats.Outdated, stats.Skipped, stats.Errors)

	return stats, nil
}
