package audits

import (
	"testing"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

func TestBaseStrategyMergePreservesReviewFields(t *testing.T) {
	strat := (&HeadingAudit{}).Strategy()

	existing := map[string]interface{}{
		"url":        "https://shop.example/a",
		"issueClass": "missing-h1",
		"aiCopy":     "Add a single descriptive h1.",
		"headings":   2,
	}
	incoming := suggest.Finding{
		"url":        "https://shop.example/a",
		"issueClass": "missing-h1",
		"headings":   5,
	}

	merged, err := strat.MergeData(existing, incoming)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merged["aiCopy"] != "Add a single descriptive h1." {
		t.Fatalf("review field lost: %v", merged)
	}
	if n, _ := suggest.NumberField(merged, "headings"); n != 5 {
		t.Fatalf("machine field not refreshed: %v", merged["headings"])
	}
	// Inputs stay untouched.
	if n, _ := suggest.NumberField(existing, "headings"); n != 2 {
		t.Fatalf("existing mutated: %v", existing)
	}
}

func TestBaseStrategyMergeIsIdempotent(t *testing.T) {
	strat := (&PrerenderAudit{}).Strategy()

	incoming := suggest.Finding{
		"url":            "https://shop.example/app",
		"issueClass":     "prerender-gap",
		"contentRatio":   0.2,
		"needsPrerender": true,
	}

	once, err := strat.MergeData(map[string]interface{}{"url": "https://shop.example/app"}, incoming)
	if err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	twice, err := strat.MergeData(once, incoming)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if len(once) != len(twice) {
		t.Fatalf("merge not idempotent: %v vs %v", once, twice)
	}
	for k, v := range once {
		if twice[k] != v {
			t.Fatalf("field %q drifted: %v -> %v", k, v, twice[k])
		}
	}
}

func TestPrerenderMergeStripsTransientField(t *testing.T) {
	strat := (&PrerenderAudit{}).Strategy()

	merged, err := strat.MergeData(map[string]interface{}{}, suggest.Finding{
		"url":            "https://shop.example/app",
		"needsPrerender": true,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if _, ok := merged["needsPrerender"]; ok {
		t.Fatal("transient field survived the merge")
	}
}

func TestPrerenderMapStripsTransientField(t *testing.T) {
	strat := (&PrerenderAudit{}).Strategy()

	s, err := strat.MapNewSuggestion(uuid.New(), suggest.Finding{
		"url":            "https://shop.example/app",
		"issueClass":     "prerender-gap",
		"needsPrerender": true,
	})
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if _, ok := s.Data["needsPrerender"]; ok {
		t.Fatal("transient field persisted on creation")
	}
	if s.Rank != 50 {
		t.Fatalf("rank = %d, want 50", s.Rank)
	}
	if s.Type != models.SuggestionTypeConfigUpdate {
		t.Fatalf("type = %q", s.Type)
	}
}

func TestBaseStrategyVetoProtectsAggregates(t *testing.T) {
	strat := (&MetatagAudit{}).Strategy()

	agg := models.Suggestion{
		Data: map[string]interface{}{
			suggest.KeyField: suggest.AggregateKey(AuditTypeMetatags),
		},
	}
	for _, status := range []string{
		models.StatusNew, models.StatusApproved, models.StatusInProgress,
		models.StatusPendingValidation, models.StatusSkipped, models.StatusError,
	} {
		agg.Status = status
		if strat.ShouldUpdateSuggestion(agg) {
			t.Fatalf("active aggregate (%s) not protected", status)
		}
	}

	agg.Status = models.StatusOutdated
	if strat.ShouldUpdateSuggestion(agg) {
		t.Fatal("outdated aggregate should not be re-marked")
	}

	agg.Status = models.StatusFixed
	if !strat.ShouldUpdateSuggestion(agg) {
		t.Fatal("fixed aggregate should be retirable")
	}

	regular := models.Suggestion{
		Status: models.StatusInProgress,
		Data:   map[string]interface{}{"url": "https://shop.example/a"},
	}
	if !strat.ShouldUpdateSuggestion(regular) {
		t.Fatal("regular suggestion should always be retirable")
	}
}

func TestBuildKeyDistinguishesAuditTypes(t *testing.T) {
	heading := (&HeadingAudit{}).Strategy()
	metatag := (&MetatagAudit{}).Strategy()

	data := map[string]interface{}{"url": "https://shop.example/a"}
	hKey, err := heading.BuildKey(data)
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	mKey, err := metatag.BuildKey(data)
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	if hKey == mKey {
		t.Fatalf("keys collide across audit types: %q", hKey)
	}
}
