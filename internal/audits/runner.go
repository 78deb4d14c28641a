package audits

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

// Store is the persistence surface the runner needs. The pgx store satisfies
// it; tests use fakes.
type Store interface {
	suggest.OpportunityStore
	suggest.SuggestionStore

	CreateAuditRun(ctx context.Context, run *models.AuditRun) error
	FinishAuditRun(ctx context.Context, run *models.AuditRun) error
	UpdateSuggestionEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error
}

// Enricher adds AI-written remediation copy and embeddings to fresh
// suggestions. Optional; the runner works without one.
type Enricher interface {
	SuggestionCopy(ctx context.Context, s models.Suggestion) (string, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// pageSource yields the crawled pages an audit inspects.
type pageSource interface {
	Crawl(ctx context.Context, site SiteConfig) ([]Page, error)
}

// Runner executes audits end to end: crawl, collect, upsert the opportunity,
// reconcile suggestions, record the run.
type Runner struct {
	store    Store
	crawler  pageSource
	factory  *AuditFactory
	enricher Enricher // may be nil
}

func NewRunner(store Store, factory *AuditFactory, enricher Enricher) *Runner {
	if factory == nil {
		factory = GlobalAuditFactory
	}
	return &Runner{
		store:    store,
		crawler:  NewCrawler(),
		factory:  factory,
		enricher: enricher,
	}
}

// RunAudit executes one audit type against one site. The returned run row is
// already persisted with final counters.
func (r *Runner) RunAudit(ctx context.Context, site SiteConfig, auditType string) (*models.AuditRun, error) {
	auditor, err := r.factory.Get(auditType)
	if err != nil {
		return nil, err
	}

	run := &models.AuditRun{
		ID:        uuid.New(),
		SiteID:    site.ID,
		SiteURL:   site.URL,
		AuditType: auditType,
	}
	if err := r.store.CreateAuditRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record audit run for site %s: %w", site.ID, err)
	}

	var runErr error
	defer func() {
		if runErr != nil {
			run.Status = models.RunStatusFailed
			run.ErrorMessage = runErr.Error()
		} else {
			run.Status = models.RunStatusCompleted
		}
		if err := r.store.FinishAuditRun(ctx, run); err != nil {
			log.Printf("[audit] failed to finalize run %s: %v", run.ID, err)
		}
	}()

	pages, err := r.crawler.Crawl(ctx, site)
	if err != nil {
		runErr = fmt.Errorf("crawl failed for %s: %w", site.URL, err)
		return run, runErr
	}
	run.PagesScanned = len(pages)

	result, err := auditor.Collect(ctx, site, pages)
	if err != nil {
		runErr = fmt.Errorf("collect failed for audit %s on %s: %w", auditType, site.URL, err)
		return run, runErr
	}

	opp, err := suggest.UpsertOpportunity(ctx, r.store, suggest.UpsertParams{
		SiteID:    site.ID,
		SiteURL:   site.URL,
		AuditID:   run.ID.String(),
		AuditType: auditType,
		UpdatedBy: "system",
		BuildData: func() (suggest.OpportunityData, error) {
			return result.Opportunity, nil
		},
	})
	if err != nil {
		runErr = err
		return run, runErr
	}

	stats, err := suggest.SyncSuggestions(ctx, r.store, suggest.SyncParams{
		Opportunity: opp,
		NewData:     result.Findings,
		Strategy:    auditor.Strategy(),
		UpdatedBy:   "system",
	})
	run.SuggestionsCreated = stats.Created
	run.SuggestionsUpdated = stats.Updated
	run.SuggestionsOutdated = stats.Outdated
	if err != nil {
		runErr = err
		return run, runErr
	}

	if r.enricher != nil && stats.Created > 0 {
		r.enrich(ctx, opp.ID)
	}

	log.Printf("[audit] run %s (%s on %s) complete: pages=%d created=%d updated=%d outdated=%d",
		run.ID, auditType, site.URL, run.PagesScanned, stats.Created, stats.Updated, stats.Outdated)

	return run, nil
}

// RunAll executes every audit configured for the site, isolating failures per
// audit; one broken audit must not starve the rest.
func (r *Runner) RunAll(ctx context.Context, site SiteConfig) ([]*models.AuditRun, error) {
	auditTypes := site.Audits
	if len(auditTypes) == 0 {
		auditTypes = r.factory.Types()
	}

	var runs []*models.AuditRun
	var firstErr error
	for _, auditType := range auditTypes {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		run, err := r.RunAudit(ctx, site, auditType)
		if run != nil {
			runs = append(runs, run)
		}
		if err != nil {
			log.Printf("[audit] %s failed on %s: %v", auditType, site.URL, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return runs, firstErr
}

// enrich writes AI copy and an embedding onto NEW suggestions that have
// neither. Failures are logged and skipped; enrichment is best effort.
func (r *Runner) enrich(ctx context.Context, opportunityID uuid.UUID) {
	suggestions, err := r.store.ListSuggestions(ctx, opportunityID)
	if err != nil {
		log.Printf("[audit] enrichment list failed for opportunity %s: %v", opportunityID, err)
		return
	}

	for _, s := range suggestions {
		if s.Status != models.StatusNew {
			continue
		}
		if suggest.StringField(s.Data, "aiCopy") != "" {
			continue
		}

		copyText, err := r.enricher.SuggestionCopy(ctx, s)
		if err != nil {
			log.Printf("[audit] copy generation failed for suggestion %s: %v", s.ID, err)
			continue
		}
		if copyText != "" {
			data := suggest.ShallowMerge(s.Data, map[string]interface{}{"aiCopy": copyText})
			if err := r.store.UpdateSuggestionData(ctx, s.ID, data); err != nil {
				log.Printf("[audit] failed to save copy for suggestion %s: %v", s.ID, err)
				continue
			}
			s.Data = data
		}

		embedding, err := r.enricher.GenerateEmbedding(ctx, enrichmentText(s))
		if err != nil {
			log.Printf("[audit] embedding failed for suggestion %s: %v", s.ID, err)
			continue
		}
		if err := r.store.UpdateSuggestionEmbedding(ctx, s.ID, embedding); err != nil {
			log.Printf("[audit] failed to save embedding for suggestion %s: %v", s.ID, err)
		}
	}
}

func enrichmentText(s models.Suggestion) string {
	parts := []string{
		suggest.StringField(s.Data, "issueClass"),
		suggest.StringField(s.Data, "url"),
		suggest.StringField(s.Data, "aiCopy"),
	}
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
