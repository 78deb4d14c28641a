package audits

import (
	"github.com/petra/site-audit/internal/suggest"
)

// BuildAggregate assembles the single domain-wide record an audit emits
// alongside its per-page findings. It carries summed counters, never
// averages; averaged metrics degrade silently as page counts shift between
// runs. The record is emitted even when issueCount is zero so its key stays
// seen and the reconciler leaves an active aggregate alone.
func BuildAggregate(auditType string, pagesScanned, issueCount int, metrics map[string]float64) suggest.Finding {
	f := suggest.Finding{
		suggest.KeyField: suggest.AggregateKey(auditType),
		"auditType":      auditType,
		"pagesScanned":   pagesScanned,
		"issueCount":     issueCount,
	}
	for name, total := range metrics {
		f[name] = total
	}
	return f
}

// IsAggregate reports whether a finding or persisted data blob is the
// domain-wide record.
func IsAggregate(data map[string]interface{}) bool {
	return suggest.StringField(data, suggest.KeyField) != ""
}
