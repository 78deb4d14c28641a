package suggest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
)

// fakeSuggestionStore keeps suggestions in memory and records calls.
type fakeSuggestionStore struct {
	suggestions map[uuid.UUID]*models.Suggestion

	listErr   error
	createErr error
	updateErr error
	bulkErr   error

	failCreateIndexes map[int]bool

	createCalls int
	updateCalls int
	bulkCalls   int
}

func newFakeSuggestionStore(seed ...models.Suggestion) *fakeSuggestionStore {
	f := &fakeSuggestionStore{suggestions: make(map[uuid.UUID]*models.Suggestion)}
	for i := range seed {
		s := seed[i]
		f.suggestions[s.ID] = &s
	}
	return f
}

func (f *fakeSuggestionStore) ListSuggestions(_ context.Context, opportunityID uuid.UUID) ([]models.Suggestion, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Suggestion
	for _, s := range f.suggestions {
		if s.OpportunityID == opportunityID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSuggestionStore) CreateSuggestions(_ context.Context, suggestions []models.Suggestion) ([]CreateErrorItem, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	var failed []CreateErrorItem
	for i := range suggestions {
		if f.failCreateIndexes[i] {
			failed = append(failed, CreateErrorItem{Index: i, Message: "constraint violation"})
			continue
		}
		s := suggestions[i]
		f.suggestions[s.ID] = &s
	}
	return failed, nil
}

func (f *fakeSuggestionStore) UpdateSuggestionData(_ context.Context, id uuid.UUID, data map[string]interface{}) error {
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	s, ok := f.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %s not found", id)
	}
	s.Data = data
	return nil
}

func (f *fakeSuggestionStore) BulkUpdateSuggestionStatus(_ context.Context, ids []uuid.UUID, status string) error {
	f.bulkCalls++
	if f.bulkErr != nil {
		return f.bulkErr
	}
	for _, id := range ids {
		s, ok := f.suggestions[id]
		if !ok {
			return fmt.Errorf("suggestion %s not found", id)
		}
		s.Status = status
	}
	return nil
}

func (f *fakeSuggestionStore) byKey(t *testing.T, strat Strategy, key string) *models.Suggestion {
	t.Helper()
	for _, s := range f.suggestions {
		k, err := strat.BuildKey(s.Data)
		if err != nil {
			continue
		}
		if k == key {
			return s
		}
	}
	return nil
}

// headingStrategy mimics a real audit strategy closely enough to exercise
// every reconciler branch: url-based keys, a rank table, AI-copy-preserving
// merge, and an aggregate veto.
type headingStrategy struct {
	Defaults
}

func (headingStrategy) BuildKey(data map[string]interface{}) (string, error) {
	return DefaultKey(data, "broken-internal-links")
}

func (headingStrategy) MapNewSuggestion(opportunityID uuid.UUID, data Finding) (*models.Suggestion, error) {
	rank := RankUnknown
	switch StringField(data, "issueClass") {
	case "broken-link":
		rank = 30
	case "redirect-chain":
		rank = 20
	}
	if StringField(data, KeyField) != "" {
		rank = AggregateRank
	}
	return &models.Suggestion{
		OpportunityID: opportunityID,
		Type:          models.SuggestionTypeContentUpdate,
		Rank:          rank,
		Status:        models.StatusNew,
		Data:          map[string]interface{}(data),
	}, nil
}

func (headingStrategy) MergeData(existing map[string]interface{}, incoming Finding) (map[string]interface{}, error) {
	merged := ShallowMerge(existing, incoming)
	delete(merged, "transient")
	return merged, nil
}

func (headingStrategy) ShouldUpdateSuggestion(s models.Suggestion) bool {
	// Aggregates stay while actively worked on.
	if StringField(s.Data, KeyField) != "" && s.Status == models.StatusInProgress {
		return false
	}
	return true
}

func testOpportunity() *models.Opportunity {
	return &models.Opportunity{
		ID:        uuid.New(),
		SiteID:    uuid.New(),
		SiteURL:   "https://shop.example",
		AuditType: "broken-internal-links",
		Status:    models.StatusNew,
	}
}

func finding(url, class string) Finding {
	return Finding{"url": url, "issueClass": class}
}

func aggregateFinding(count int) Finding {
	return Finding{KeyField: AggregateKey("broken-internal-links"), "issueCount": count}
}

func TestSyncCreatesNewSuggestions(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData: []Finding{
			finding("https://shop.example/a", "broken-link"),
			finding("https://shop.example/b", "redirect-chain"),
			aggregateFinding(2),
		},
		Strategy:  headingStrategy{},
		UpdatedBy: "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Created != 3 || stats.Updated != 0 || stats.Outdated != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.suggestions) != 3 {
		t.Fatalf("expected 3 stored suggestions, got %d", len(store.suggestions))
	}
	for _, s := range store.suggestions {
		if s.Status != models.StatusNew {
			t.Fatalf("created suggestion has status %q, want NEW", s.Status)
		}
		if s.OpportunityID != opp.ID {
			t.Fatalf("created suggestion bound to %s, want %s", s.OpportunityID, opp.ID)
		}
		if s.ID == uuid.Nil {
			t.Fatal("created suggestion has nil id")
		}
	}
	agg := store.byKey(t, headingStrategy{}, AggregateKey("broken-internal-links"))
	if agg == nil {
		t.Fatal("aggregate suggestion missing")
	}
	if agg.Rank != AggregateRank {
		t.Fatalf("aggregate rank = %d, want %d", agg.Rank, AggregateRank)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()
	data := []Finding{
		finding("https://shop.example/a", "broken-link"),
		aggregateFinding(1),
	}
	params := SyncParams{Opportunity: opp, NewData: data, Strategy: headingStrategy{}, UpdatedBy: "system"}

	if _, err := SyncSuggestions(context.Background(), store, params); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	first := make(map[uuid.UUID]models.Suggestion)
	for id, s := range store.suggestions {
		first[id] = *s
	}

	stats, err := SyncSuggestions(context.Background(), store, params)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if stats.Created != 0 || stats.Outdated != 0 {
		t.Fatalf("second sync not a no-op: %+v", stats)
	}
	if len(store.suggestions) != len(first) {
		t.Fatalf("suggestion count changed: %d -> %d", len(first), len(store.suggestions))
	}
	for id, s := range store.suggestions {
		if s.Status != first[id].Status {
			t.Fatalf("status drifted for %s: %q -> %q", id, first[id].Status, s.Status)
		}
	}
}

func TestSyncMergesMatchedAndPreservesStatus(t *testing.T) {
	opp := testOpportunity()
	existing := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Type:          models.SuggestionTypeContentUpdate,
		Rank:          30,
		Status:        models.StatusApproved,
		Data: map[string]interface{}{
			"url":        "https://shop.example/a",
			"issueClass": "broken-link",
			"aiCopy":     "Replace the dead link with the new catalog URL.",
		},
	}
	store := newFakeSuggestionStore(existing)

	incoming := finding("https://shop.example/a", "broken-link")
	incoming["hits"] = 7
	incoming["transient"] = true

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{incoming},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Updated != 1 || stats.Created != 0 || stats.Outdated != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got := store.suggestions[existing.ID]
	if got.Status != models.StatusApproved {
		t.Fatalf("merge changed status to %q", got.Status)
	}
	if got.Data["aiCopy"] != "Replace the dead link with the new catalog URL." {
		t.Fatalf("merge lost aiCopy: %v", got.Data["aiCopy"])
	}
	if n, _ := NumberField(got.Data, "hits"); n != 7 {
		t.Fatalf("merge lost incoming hits: %v", got.Data["hits"])
	}
	if _, hasTransient := got.Data["transient"]; hasTransient {
		t.Fatal("merge kept transient control field")
	}
}

func TestSyncMarksUnseenOutdated(t *testing.T) {
	opp := testOpportunity()
	gone := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Status:        models.StatusNew,
		Data:          map[string]interface{}{"url": "https://shop.example/gone", "issueClass": "broken-link"},
	}
	kept := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Status:        models.StatusNew,
		Data:          map[string]interface{}{"url": "https://shop.example/kept", "issueClass": "broken-link"},
	}
	store := newFakeSuggestionStore(gone, kept)

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{finding("https://shop.example/kept", "broken-link")},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Outdated != 1 {
		t.Fatalf("outdated = %d, want 1", stats.Outdated)
	}
	if store.suggestions[gone.ID].Status != models.StatusOutdated {
		t.Fatalf("gone suggestion status = %q, want OUTDATED", store.suggestions[gone.ID].Status)
	}
	if store.suggestions[kept.ID].Status != models.StatusNew {
		t.Fatalf("kept suggestion status drifted to %q", store.suggestions[kept.ID].Status)
	}
}

func TestSyncVetoBlocksOutdated(t *testing.T) {
	opp := testOpportunity()
	inFlight := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Status:        models.StatusInProgress,
		Rank:          AggregateRank,
		Data: map[string]interface{}{
			KeyField:     AggregateKey("broken-internal-links"),
			"issueCount": 5,
		},
	}
	store := newFakeSuggestionStore(inFlight)

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Outdated != 0 {
		t.Fatalf("outdated = %d, want 0", stats.Outdated)
	}
	if stats.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", stats.Skipped)
	}
	if store.suggestions[inFlight.ID].Status != models.StatusInProgress {
		t.Fatalf("vetoed suggestion status drifted to %q", store.suggestions[inFlight.ID].Status)
	}
	if store.bulkCalls != 0 {
		t.Fatalf("bulk status update called %d times for an empty set", store.bulkCalls)
	}
}

func TestSyncAggregateNotDuplicated(t *testing.T) {
	opp := testOpportunity()
	existingAgg := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Status:        models.StatusApproved,
		Rank:          AggregateRank,
		Data: map[string]interface{}{
			KeyField:     AggregateKey("broken-internal-links"),
			"issueCount": 3,
		},
	}
	store := newFakeSuggestionStore(existingAgg)

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{aggregateFinding(9)},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Created != 0 || stats.Updated != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.suggestions) != 1 {
		t.Fatalf("aggregate duplicated: %d records", len(store.suggestions))
	}
	if n, _ := NumberField(store.suggestions[existingAgg.ID].Data, "issueCount"); n != 9 {
		t.Fatalf("aggregate count not refreshed: %v", store.suggestions[existingAgg.ID].Data["issueCount"])
	}
}

func TestSyncSkipsMalformedFindings(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData: []Finding{
			{"issueClass": "broken-link"}, // no url, no key
			finding("https://shop.example/ok", "broken-link"),
		},
		Strategy:  headingStrategy{},
		UpdatedBy: "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("created = %d, want 1", stats.Created)
	}
	if stats.Errors != 1 {
		t.Fatalf("errors = %d, want 1", stats.Errors)
	}
}

func TestSyncDuplicateFindingKeyFirstWins(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()

	a := finding("https://shop.example/a", "broken-link")
	a["hits"] = 1
	b := finding("https://shop.example/a", "broken-link")
	b["hits"] = 2

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{a, b},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("created = %d, want 1", stats.Created)
	}
	s := store.byKey(t, headingStrategy{}, "https://shop.example/a|broken-internal-links")
	if s == nil {
		t.Fatal("suggestion missing")
	}
	if n, _ := NumberField(s.Data, "hits"); n != 1 {
		t.Fatalf("first finding did not win: hits = %v", s.Data["hits"])
	}
}

func TestSyncRetiresDuplicatePersistedKeys(t *testing.T) {
	opp := testOpportunity()
	first := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Status:        models.StatusNew,
		Data:          map[string]interface{}{"url": "https://shop.example/a", "issueClass": "broken-link"},
	}
	second := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Status:        models.StatusNew,
		Data:          map[string]interface{}{"url": "https://shop.example/a", "issueClass": "broken-link"},
	}
	store := newFakeSuggestionStore(first, second)

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{finding("https://shop.example/a", "broken-link")},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Updated != 1 {
		t.Fatalf("updated = %d, want 1", stats.Updated)
	}
	if stats.Outdated != 1 {
		t.Fatalf("outdated = %d, want 1 (duplicate retired)", stats.Outdated)
	}
	active := 0
	for _, s := range store.suggestions {
		if s.Status != models.StatusOutdated {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active records with duplicate key = %d, want 1", active)
	}
}

func TestSyncMergeFailureIsConservative(t *testing.T) {
	opp := testOpportunity()
	existing := models.Suggestion{
		ID:            uuid.New(),
		OpportunityID: opp.ID,
		Status:        models.StatusApproved,
		Data:          map[string]interface{}{"url": "https://shop.example/a", "issueClass": "broken-link", "aiCopy": "keep me"},
	}
	store := newFakeSuggestionStore(existing)

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{finding("https://shop.example/a", "broken-link")},
		Strategy:    failingMergeStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Errors != 1 || stats.Updated != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	got := store.suggestions[existing.ID]
	if got.Status != models.StatusApproved {
		t.Fatalf("merge failure changed status to %q", got.Status)
	}
	if got.Data["aiCopy"] != "keep me" {
		t.Fatalf("merge failure changed data: %v", got.Data)
	}
	// The key was still seen, so the record must not be marked stale.
	if stats.Outdated != 0 {
		t.Fatalf("merge failure caused staleness: %+v", stats)
	}
}

type failingMergeStrategy struct{ headingStrategy }

func (failingMergeStrategy) MergeData(map[string]interface{}, Finding) (map[string]interface{}, error) {
	return nil, errors.New("incompatible shapes")
}

func TestSyncInvalidRankSkipsCreation(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{finding("https://shop.example/a", "broken-link")},
		Strategy:    badRankStrategy{},
		UpdatedBy:   "system",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Created != 0 || stats.Errors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.suggestions) != 0 {
		t.Fatalf("invalid-rank suggestion was stored")
	}
}

type badRankStrategy struct{ headingStrategy }

func (badRankStrategy) MapNewSuggestion(opportunityID uuid.UUID, data Finding) (*models.Suggestion, error) {
	return &models.Suggestion{
		OpportunityID: opportunityID,
		Rank:          -7,
		Status:        models.StatusNew,
		Data:          map[string]interface{}(data),
	}, nil
}

func TestSyncUnknownIssueClassGetsRankSentinel(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()

	if _, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{finding("https://shop.example/a", "mystery-class")},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	s := store.byKey(t, headingStrategy{}, "https://shop.example/a|broken-internal-links")
	if s == nil {
		t.Fatal("suggestion missing")
	}
	if s.Rank != RankUnknown {
		t.Fatalf("rank = %d, want %d", s.Rank, RankUnknown)
	}
}

func TestSyncFetchFailureAborts(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()
	store.listErr = errors.New("connection refused")

	_, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData:     []Finding{finding("https://shop.example/a", "broken-link")},
		Strategy:    headingStrategy{},
		UpdatedBy:   "system",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, store.listErr) {
		t.Fatalf("error does not wrap cause: %v", err)
	}
}

func TestSyncPartialCreateFailureReported(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()
	store.failCreateIndexes = map[int]bool{1: true}

	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp,
		NewData: []Finding{
			finding("https://shop.example/a", "broken-link"),
			finding("https://shop.example/b", "broken-link"),
			finding("https://shop.example/c", "broken-link"),
		},
		Strategy:  headingStrategy{},
		UpdatedBy: "system",
	})
	if err == nil {
		t.Fatal("expected error for partial create failure")
	}
	if stats.Created != 2 {
		t.Fatalf("created = %d, want 2", stats.Created)
	}
	if len(store.suggestions) != 2 {
		t.Fatalf("stored = %d, want 2", len(store.suggestions))
	}
}

// The worked end-to-end scenario: three findings on run one; run two drops
// one page, fixes get preserved, the aggregate refreshes in place.
func TestSyncTwoRunScenario(t *testing.T) {
	opp := testOpportunity()
	store := newFakeSuggestionStore()
	strat := headingStrategy{}

	run1 := []Finding{
		finding("https://shop.example/p1", "broken-link"),
		finding("https://shop.example/p2", "redirect-chain"),
		aggregateFinding(2),
	}
	if _, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp, NewData: run1, Strategy: strat, UpdatedBy: "system",
	}); err != nil {
		t.Fatalf("run 1 failed: %v", err)
	}

	// A reviewer approves p1 and AI copy lands on it.
	p1 := store.byKey(t, strat, "https://shop.example/p1|broken-internal-links")
	p1.Status = models.StatusApproved
	p1.Data["aiCopy"] = "Point the nav link at /catalog."

	run2 := []Finding{
		finding("https://shop.example/p1", "broken-link"),
		aggregateFinding(1),
	}
	stats, err := SyncSuggestions(context.Background(), store, SyncParams{
		Opportunity: opp, NewData: run2, Strategy: strat, UpdatedBy: "system",
	})
	if err != nil {
		t.Fatalf("run 2 failed: %v", err)
	}
	if stats.Created != 0 || stats.Updated != 2 || stats.Outdated != 1 {
		t.Fatalf("unexpected run 2 stats: %+v", stats)
	}

	p1 = store.byKey(t, strat, "https://shop.example/p1|broken-internal-links")
	if p1.Status != models.StatusApproved || p1.Data["aiCopy"] != "Point the nav link at /catalog." {
		t.Fatalf("run 2 clobbered reviewed suggestion: %+v", p1)
	}
	p2 := store.byKey(t, strat, "https://shop.example/p2|broken-internal-links")
	if p2.Status != models.StatusOutdated {
		t.Fatalf("p2 status = %q, want OUTDATED", p2.Status)
	}
	agg := store.byKey(t, strat, AggregateKey("broken-internal-links"))
	if n, _ := NumberField(agg.Data, "issueCount"); n != 1 {
		t.Fatalf("aggregate not refreshed: %v", agg.Data["issueCount"])
	}
}
