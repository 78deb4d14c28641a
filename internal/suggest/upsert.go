package suggest

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
)

// OpportunityStore is the persistence surface the upsert consumes. The pgx
// store satisfies it; tests use an in-memory fake.
type OpportunityStore interface {
	ListOpportunitiesBySiteAndStatus(ctx context.Context, siteID uuid.UUID, statuses []string) ([]models.Opportunity, error)
	CreateOpportunity(ctx context.Context, opp *models.Opportunity) error
	SaveOpportunity(ctx context.Context, opp *models.Opportunity) error
}

// OpportunityData is what an audit's build function computes per run.
type OpportunityData struct {
	Data        map[string]interface{}
	Guidance    *models.Guidance
	Tags        []string
	Title       string
	Description string
	Runbook     string
}

// UpsertParams carries the audit context for one upsert invocation.
type UpsertParams struct {
	SiteID    uuid.UUID
	SiteURL   string
	AuditID   string
	AuditType string
	UpdatedBy string

	// BuildData computes the opportunity-level payload for this run. It must
	// be pure; the upsert calls it exactly once.
	BuildData func() (OpportunityData, error)
}

// activeOpportunityStatuses is the status set an existing opportunity must
// be in to be reused as the reconciliation target.
var activeOpportunityStatuses = []string{models.StatusNew, models.StatusInProgress}

// UpsertOpportunity resolves or creates the single opportunity owning a
// family of suggestions for a (site, audit type) pair.
//
// When an active opportunity of the audit type already exists, the newly
// computed data object is shallow-merged into the existing one: new fields
// win, fields absent from the new computation are preserved. That is how
// metadata accumulated by other processes survives repeated runs. A failed
// save on this path is logged and tolerated; the caller keeps the in-memory
// handle and the next run converges.
func UpsertOpportunity(ctx context.Context, store OpportunityStore, p UpsertParams) (*models.Opportunity, error) {
	if p.UpdatedBy == "" {
		p.UpdatedBy = "system"
	}

	existing, err := store.ListOpportunitiesBySiteAndStatus(ctx, p.SiteID, activeOpportunityStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch opportunities for site %s: %w", p.SiteID, err)
	}

	computed, err := p.BuildData()
	if err != nil {
		return nil, fmt.Errorf("failed to build opportunity data for site %s audit %s: %w", p.SiteID, p.AuditID, err)
	}

	if opp := pickNewestOfType(existing, p.AuditType); opp != nil {
		opp.Data = ShallowMerge(opp.Data, computed.Data)
		opp.AuditID = p.AuditID
		opp.UpdatedBy = p.UpdatedBy
		if computed.Guidance != nil {
			opp.Guidance = computed.Guidance
		}
		if err := store.SaveOpportunity(ctx, opp); err != nil {
			log.Printf("[suggest] failed to save opportunity %s for site %s: %v", opp.ID, p.SiteID, err)
		}
		return opp, nil
	}

	opp := &models.Opportunity{
		ID:          uuid.New(),
		SiteID:      p.SiteID,
		SiteURL:     p.SiteURL,
		AuditType:   p.AuditType,
		AuditID:     p.AuditID,
		Status:      models.StatusNew,
		Origin:      models.OpportunityOrigin,
		Title:       computed.Title,
		Description: computed.Description,
		Runbook:     computed.Runbook,
		Tags:        computed.Tags,
		Data:        computed.Data,
		Guidance:    computed.Guidance,
		UpdatedBy:   p.UpdatedBy,
	}
	if err := store.CreateOpportunity(ctx, opp); err != nil {
		return nil, fmt.Errorf("failed to create opportunity for site %s audit %s: %w", p.SiteID, p.AuditID, err)
	}

	return opp, nil
}

// pickNewestOfType selects the most recently created opportunity of the
// given audit type. Several active ones can only exist after a race between
// overlapping runs; the newest is the reconciliation target.
func pickNewestOfType(opps []models.Opportunity, auditType string) *models.Opportunity {
	var best *models.Opportunity
	for i := range opps {
		if opps[i].AuditType != auditType {
			continue
		}
		if best == nil || opps[i].CreatedAt.After(best.CreatedAt) {
			best = &opps[i]
		}
	}
	return best
}

// ShallowMerge overlays incoming onto existing one level deep. Incoming
// fields win; existing fields absent from incoming are preserved. Neither
// input is mutated.
func ShallowMerge(existing, incoming map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}
