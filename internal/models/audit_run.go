package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// AuditRun is the bookkeeping row for one execution of one audit against one
// site. Its id doubles as the audit_id stamped on opportunities.
type AuditRun struct {
	ID                  uuid.UUID  `json:"id"`
	SiteID              uuid.UUID  `json:"site_id"`
	SiteURL             string     `json:"site_url"`
	AuditType           string     `json:"audit_type"`
	Status              string     `json:"status"`
	PagesScanned        int        `json:"pages_scanned"`
	SuggestionsCreated  int        `json:"suggestions_created"`
	SuggestionsUpdated  int        `json:"suggestions_updated"`
	SuggestionsOutdated int        `json:"suggestions_outdated"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}
