package models

import (
	"time"

	"github.com/google/uuid"
)

// Suggestion statuses. NEW is the only entry state; everything else is set
// by the review workflow or by the reconciler marking stale keys OUTDATED.
const (
	StatusNew               = "NEW"
	StatusApproved          = "APPROVED"
	StatusInProgress        = "IN_PROGRESS"
	StatusFixed             = "FIXED"
	StatusSkipped           = "SKIPPED"
	StatusOutdated          = "OUTDATED"
	StatusPendingValidation = "PENDING_VALIDATION"
	StatusError             = "ERROR"
)

// SuggestionStatuses is the closed status set, in lifecycle order.
var SuggestionStatuses = []string{
	StatusNew,
	StatusApproved,
	StatusInProgress,
	StatusPendingValidation,
	StatusSkipped,
	StatusError,
	StatusFixed,
	StatusOutdated,
}

// IsActiveStatus reports whether a status counts as "still in play".
// OUTDATED and FIXED are stable/resolved; everything else is active. The
// reconciler's veto logic uses this to avoid duplicating aggregate records
// while an active one exists.
func IsActiveStatus(status string) bool {
	switch status {
	case StatusOutdated, StatusFixed:
		return false
	case StatusNew, StatusApproved, StatusInProgress, StatusPendingValidation, StatusSkipped, StatusError:
		return true
	}
	return false
}

// IsValidStatus reports whether status is a member of the closed enum.
func IsValidStatus(status string) bool {
	for _, s := range SuggestionStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Suggestion types: what kind of remediation the finding calls for.
const (
	SuggestionTypeContentUpdate  = "CONTENT_UPDATE"
	SuggestionTypeConfigUpdate   = "CONFIG_UPDATE"
	SuggestionTypeMetadataUpdate = "METADATA_UPDATE"
	SuggestionTypeCodeChange     = "CODE_CHANGE"
)

// Suggestion is one actionable finding (or the domain-wide aggregate)
// attached to an opportunity. Identity across audit runs is the
// reconciliation key computed from Data, not the row id.
type Suggestion struct {
	ID            uuid.UUID              `json:"id"`
	OpportunityID uuid.UUID              `json:"opportunity_id"`
	Type          string                 `json:"type"`
	Rank          int                    `json:"rank"`
	Status        string                 `json:"status"`
	Data          map[string]interface{} `json:"data"`
	KPIDeltas     map[string]float64     `json:"kpi_deltas,omitempty"`
	UpdatedBy     string                 `json:"updated_by"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}
