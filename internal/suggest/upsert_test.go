package suggest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
)

type fakeOpportunityStore struct {
	opportunities map[uuid.UUID]*models.Opportunity

	listErr   error
	createErr error
	saveErr   error

	buildCalls int
	saveCalls  int
}

func newFakeOpportunityStore(seed ...models.Opportunity) *fakeOpportunityStore {
	f := &fakeOpportunityStore{opportunities: make(map[uuid.UUID]*models.Opportunity)}
	for i := range seed {
		o := seed[i]
		f.opportunities[o.ID] = &o
	}
	return f
}

func (f *fakeOpportunityStore) ListOpportunitiesBySiteAndStatus(_ context.Context, siteID uuid.UUID, statuses []string) ([]models.Opportunity, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	allowed := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}
	var out []models.Opportunity
	for _, o := range f.opportunities {
		if o.SiteID == siteID && allowed[o.Status] {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOpportunityStore) CreateOpportunity(_ context.Context, opp *models.Opportunity) error {
	if f.createErr != nil {
		return f.createErr
	}
	c := *opp
	f.opportunities[opp.ID] = &c
	return nil
}

func (f *fakeOpportunityStore) SaveOpportunity(_ context.Context, opp *models.Opportunity) error {
	f.saveCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	c := *opp
	f.opportunities[opp.ID] = &c
	return nil
}

func upsertParams(store *fakeOpportunityStore, siteID uuid.UUID, data OpportunityData) UpsertParams {
	return UpsertParams{
		SiteID:    siteID,
		SiteURL:   "https://shop.example",
		AuditID:   "run-42",
		AuditType: "broken-internal-links",
		UpdatedBy: "system",
		BuildData: func() (OpportunityData, error) {
			store.buildCalls++
			return data, nil
		},
	}
}

func TestUpsertCreatesWhenNoneActive(t *testing.T) {
	siteID := uuid.New()
	store := newFakeOpportunityStore()

	opp, err := UpsertOpportunity(context.Background(), store, upsertParams(store, siteID, OpportunityData{
		Title: "Broken internal links",
		Data:  map[string]interface{}{"issueCount": 4},
		Tags:  []string{"seo"},
	}))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if opp.ID == uuid.Nil {
		t.Fatal("created opportunity has nil id")
	}
	if opp.Status != models.StatusNew {
		t.Fatalf("status = %q, want NEW", opp.Status)
	}
	if opp.Origin != models.OpportunityOrigin {
		t.Fatalf("origin = %q, want %q", opp.Origin, models.OpportunityOrigin)
	}
	if opp.AuditID != "run-42" {
		t.Fatalf("audit id = %q", opp.AuditID)
	}
	if store.buildCalls != 1 {
		t.Fatalf("BuildData called %d times, want 1", store.buildCalls)
	}
	if len(store.opportunities) != 1 {
		t.Fatalf("stored = %d, want 1", len(store.opportunities))
	}
}

func TestUpsertReusesActiveAndMergesData(t *testing.T) {
	siteID := uuid.New()
	existing := models.Opportunity{
		ID:        uuid.New(),
		SiteID:    siteID,
		AuditType: "broken-internal-links",
		AuditID:   "run-41",
		Status:    models.StatusInProgress,
		Data: map[string]interface{}{
			"issueCount":  9,
			"ownerNotes":  "assigned to content team",
			"dashboardId": "dash-7",
		},
	}
	store := newFakeOpportunityStore(existing)

	opp, err := UpsertOpportunity(context.Background(), store, upsertParams(store, siteID, OpportunityData{
		Data: map[string]interface{}{"issueCount": 4},
	}))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if opp.ID != existing.ID {
		t.Fatalf("created a new opportunity instead of reusing %s", existing.ID)
	}
	if opp.Status != models.StatusInProgress {
		t.Fatalf("status drifted to %q", opp.Status)
	}
	if n, _ := NumberField(opp.Data, "issueCount"); n != 4 {
		t.Fatalf("new field did not win: %v", opp.Data["issueCount"])
	}
	if opp.Data["ownerNotes"] != "assigned to content team" {
		t.Fatalf("absent field not preserved: %v", opp.Data)
	}
	if opp.AuditID != "run-42" {
		t.Fatalf("audit id not refreshed: %q", opp.AuditID)
	}
	if len(store.opportunities) != 1 {
		t.Fatalf("stored = %d, want 1", len(store.opportunities))
	}
}

func TestUpsertPicksNewestOnRaceDuplicates(t *testing.T) {
	siteID := uuid.New()
	older := models.Opportunity{
		ID: uuid.New(), SiteID: siteID, AuditType: "broken-internal-links",
		Status: models.StatusNew, CreatedAt: time.Now().Add(-time.Hour),
		Data: map[string]interface{}{},
	}
	newer := models.Opportunity{
		ID: uuid.New(), SiteID: siteID, AuditType: "broken-internal-links",
		Status: models.StatusNew, CreatedAt: time.Now(),
		Data: map[string]interface{}{},
	}
	store := newFakeOpportunityStore(older, newer)

	opp, err := UpsertOpportunity(context.Background(), store, upsertParams(store, siteID, OpportunityData{}))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if opp.ID != newer.ID {
		t.Fatalf("picked %s, want newest %s", opp.ID, newer.ID)
	}
}

func TestUpsertIgnoresOtherAuditTypes(t *testing.T) {
	siteID := uuid.New()
	other := models.Opportunity{
		ID: uuid.New(), SiteID: siteID, AuditType: "missing-metatags",
		Status: models.StatusNew, Data: map[string]interface{}{},
	}
	store := newFakeOpportunityStore(other)

	opp, err := UpsertOpportunity(context.Background(), store, upsertParams(store, siteID, OpportunityData{}))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if opp.ID == other.ID {
		t.Fatal("reused an opportunity of a different audit type")
	}
	if len(store.opportunities) != 2 {
		t.Fatalf("stored = %d, want 2", len(store.opportunities))
	}
}

func TestUpsertIgnoresResolvedOpportunities(t *testing.T) {
	siteID := uuid.New()
	fixed := models.Opportunity{
		ID: uuid.New(), SiteID: siteID, AuditType: "broken-internal-links",
		Status: models.StatusFixed, Data: map[string]interface{}{},
	}
	store := newFakeOpportunityStore(fixed)

	opp, err := UpsertOpportunity(context.Background(), store, upsertParams(store, siteID, OpportunityData{}))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if opp.ID == fixed.ID {
		t.Fatal("reused a resolved opportunity")
	}
}

func TestUpsertSaveFailureTolerated(t *testing.T) {
	siteID := uuid.New()
	existing := models.Opportunity{
		ID: uuid.New(), SiteID: siteID, AuditType: "broken-internal-links",
		Status: models.StatusNew, Data: map[string]interface{}{"ownerNotes": "keep"},
	}
	store := newFakeOpportunityStore(existing)
	store.saveErr = errors.New("deadlock detected")

	opp, err := UpsertOpportunity(context.Background(), store, upsertParams(store, siteID, OpportunityData{
		Data: map[string]interface{}{"issueCount": 2},
	}))
	if err != nil {
		t.Fatalf("save failure should be tolerated, got: %v", err)
	}
	if opp == nil {
		t.Fatal("expected in-memory handle despite save failure")
	}
	if n, _ := NumberField(opp.Data, "issueCount"); n != 2 {
		t.Fatalf("returned handle missing merged data: %v", opp.Data)
	}
}

func TestUpsertFetchFailureAborts(t *testing.T) {
	store := newFakeOpportunityStore()
	store.listErr = errors.New("connection refused")

	_, err := UpsertOpportunity(context.Background(), store, upsertParams(store, uuid.New(), OpportunityData{}))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, store.listErr) {
		t.Fatalf("error does not wrap cause: %v", err)
	}
	if store.buildCalls != 0 {
		t.Fatalf("BuildData ran %d times after fetch failure", store.buildCalls)
	}
}

func TestUpsertBuildFailureAborts(t *testing.T) {
	store := newFakeOpportunityStore()
	boom := errors.New("collector crashed")

	_, err := UpsertOpportunity(context.Background(), store, UpsertParams{
		SiteID:    uuid.New(),
		SiteURL:   "https://shop.example",
		AuditID:   "run-42",
		AuditType: "broken-internal-links",
		BuildData: func() (OpportunityData, error) { return OpportunityData{}, boom },
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("error does not wrap cause: %v", err)
	}
	if len(store.opportunities) != 0 {
		t.Fatal("opportunity created despite build failure")
	}
}

func TestShallowMergeDoesNotMutateInputs(t *testing.T) {
	existing := map[string]interface{}{"a": 1, "b": 2}
	incoming := map[string]interface{}{"b": 3, "c": 4}

	merged := ShallowMerge(existing, incoming)

	if existing["b"] != 2 || len(existing) != 2 {
		t.Fatalf("existing mutated: %v", existing)
	}
	if len(incoming) != 2 {
		t.Fatalf("incoming mutated: %v", incoming)
	}
	if merged["a"] != 1 || merged["b"] != 3 || merged["c"] != 4 {
		t.Fatalf("bad merge: %v", merged)
	}
}
