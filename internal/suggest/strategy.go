package suggest

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
)

// Finding is one plain record produced by audit-specific logic: either one
// concrete issue, or the single domain-wide aggregate distinguished by an
// explicit "key" field. The engine never inspects audit-specific fields;
// everything domain-shaped goes through the Strategy.
type Finding map[string]interface{}

const (
	// KeyField is the conventional field carrying an explicit reconciliation
	// key. Its presence marks the aggregate record.
	KeyField = "key"

	// AggregateKeyPrefix scopes the constant aggregate key per audit type.
	AggregateKeyPrefix = "domain-wide-aggregate|"

	// RankUnknown is the sentinel rank for issue classes the mapper does not
	// recognize.
	RankUnknown = -1

	// AggregateRank is the out-of-band "sort first" hint for the aggregate
	// record. Final ordering is a UI concern.
	AggregateRank = 10000
)

// AggregateKey returns the constant reconciliation key of the domain-wide
// record for an audit type.
func AggregateKey(auditType string) string {
	return AggregateKeyPrefix + auditType
}

// Strategy supplies the four audit-specific operations the reconciler is
// generic over. Implementations must be pure: no I/O, deterministic output.
type Strategy interface {
	// BuildKey computes the reconciliation key of a finding or of a persisted
	// suggestion's data. It must never return an empty key for well-formed
	// data; an error (or empty key) marks the item malformed and the
	// reconciler skips it.
	BuildKey(data map[string]interface{}) (string, error)

	// MapNewSuggestion builds the creation payload for a finding whose key
	// has no persisted counterpart. Status must be NEW; rank follows the
	// audit's rank table, RankUnknown for unrecognized classes, and
	// AggregateRank for the aggregate record.
	MapNewSuggestion(opportunityID uuid.UUID, data Finding) (*models.Suggestion, error)

	// MergeData folds a fresh finding into existing suggestion data. It
	// starts from existing (AI copy and manual overrides survive), overlays
	// machine-computed fields, and strips transient control fields. Merging
	// the same incoming data twice must be a no-op.
	MergeData(existing map[string]interface{}, incoming Finding) (map[string]interface{}, error)

	// ShouldUpdateSuggestion vetoes the OUTDATED transition for a suggestion
	// whose key is absent from the latest findings. Returning false leaves
	// the record untouched.
	ShouldUpdateSuggestion(s models.Suggestion) bool
}

// Defaults carries the default behavior for the two optional operations.
// Audit strategies embed it and override what they need.
type Defaults struct{}

// MergeData treats the incoming finding as authoritative.
func (Defaults) MergeData(existing map[string]interface{}, incoming Finding) (map[string]interface{}, error) {
	return map[string]interface{}(incoming), nil
}

// ShouldUpdateSuggestion allows every staleness transition.
func (Defaults) ShouldUpdateSuggestion(models.Suggestion) bool {
	return true
}

// DefaultKey is the fallback key chain shared by the audit strategies:
// explicit key field, then url|auditType.
func DefaultKey(data map[string]interface{}, auditType string) (string, error) {
	if raw, ok := data[KeyField]; ok {
		if key, ok := raw.(string); ok && strings.TrimSpace(key) != "" {
			return key, nil
		}
		return "", fmt.Errorf("key field present but not a non-empty string: %v", raw)
	}

	rawURL, ok := data["url"]
	if !ok {
		return "", fmt.Errorf("finding has neither key nor url field")
	}
	u, ok := rawURL.(string)
	if !ok || strings.TrimSpace(u) == "" {
		return "", fmt.Errorf("url field is not a non-empty string: %v", rawURL)
	}

	return u + "|" + auditType, nil
}

// StringField reads a string field from finding data, tolerating absence.
func StringField(data map[string]interface{}, field string) string {
	if raw, ok := data[field]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

// NumberField reads a numeric field from finding data. JSON round-trips
// store every number as float64, but in-process findings may still carry
// ints.
func NumberField(data map[string]interface{}, field string) (float64, bool) {
	switch v := data[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// BoolField reads a boolean field from finding data.
func BoolField(data map[string]interface{}, field string) bool {
	if raw, ok := data[field]; ok {
		if b, ok := raw.(bool); ok {
			return b
		}
	}
	return false
}
