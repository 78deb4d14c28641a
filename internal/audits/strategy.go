package audits

import (
	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

// baseStrategy covers the parts of the reconciliation contract that every
// audit shares: key derivation, the field-ownership merge, and the aggregate
// veto. Audits embed it and supply MapNewSuggestion.
type baseStrategy struct {
	auditType string

	// transient names control fields the collector uses in flight; the merge
	// strips them so they never persist.
	transient []string
}

func (b baseStrategy) BuildKey(data map[string]interface{}) (string, error) {
	return suggest.DefaultKey(data, b.auditType)
}

// MergeData starts from the persisted blob so reviewer edits and AI copy
// survive, overlays the machine-computed fields, and drops transient control
// fields.
func (b baseStrategy) MergeData(existing map[string]interface{}, incoming suggest.Finding) (map[string]interface{}, error) {
	merged := suggest.ShallowMerge(existing, incoming)
	for _, field := range b.transient {
		delete(merged, field)
	}
	return merged, nil
}

// ShouldUpdateSuggestion vetoes retiring the domain-wide aggregate while it
// is being worked on. Marking it OUTDATED mid-review would make the next run
// create a second aggregate and duplicate the record.
func (b baseStrategy) ShouldUpdateSuggestion(s models.Suggestion) bool {
	if !IsAggregate(s.Data) {
		return true
	}
	if s.Status == models.StatusOutdated {
		return false
	}
	return !models.IsActiveStatus(s.Status)
}
