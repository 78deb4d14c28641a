package models

import (
	"time"

	"github.com/google/uuid"
)

// OpportunityOrigin marks records created by the automated audit pipeline,
// as opposed to opportunities entered by hand in the dashboard.
const OpportunityOrigin = "AUTOMATION"

// Opportunity is the per-site, per-audit-type container for a family of
// related suggestions. At most one active opportunity per (site, audit type)
// pair is the reconciliation target; resolved ones are kept for history.
type Opportunity struct {
	ID          uuid.UUID              `json:"id"`
	SiteID      uuid.UUID              `json:"site_id"`
	SiteURL     string                 `json:"site_url"`
	AuditType   string                 `json:"audit_type"`
	AuditID     string                 `json:"audit_id"`
	Status      string                 `json:"status"`
	Origin      string                 `json:"origin"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Runbook     string                 `json:"runbook"`
	Tags        []string               `json:"tags"`
	Data        map[string]interface{} `json:"data"`
	Guidance    *Guidance              `json:"guidance,omitempty"`
	UpdatedBy   string                 `json:"updated_by"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Guidance is the human-readable layer of an opportunity: what the problem
// is and what to do about it.
type Guidance struct {
	Summary         string   `json:"summary,omitempty"`
	Steps           []string `json:"steps,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}
