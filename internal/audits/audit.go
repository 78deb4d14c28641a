package audits

import (
	"context"
	"fmt"

	"github.com/petra/site-audit/internal/suggest"
)

// AuditResult is what one audit computes from a crawled site: the findings to
// reconcile and the opportunity-level payload.
type AuditResult struct {
	Findings    []suggest.Finding
	Opportunity suggest.OpportunityData
}

// Auditor is the contract for one audit type. Collect inspects crawled pages
// and never writes anything; persistence belongs to the runner.
type Auditor interface {
	Type() string
	Strategy() suggest.Strategy
	Collect(ctx context.Context, site SiteConfig, pages []Page) (*AuditResult, error)
}

// AuditFactory maps audit type ids (from sites.yaml) to implementations.
type AuditFactory struct {
	auditors map[string]Auditor
}

func NewAuditFactory() *AuditFactory {
	return &AuditFactory{
		auditors: make(map[string]Auditor),
	}
}

func (f *AuditFactory) Register(a Auditor) {
	f.auditors[a.Type()] = a
}

func (f *AuditFactory) Get(id string) (Auditor, error) {
	a, ok := f.auditors[id]
	if !ok {
		return nil, fmt.Errorf("audit not found: %s", id)
	}
	return a, nil
}

func (f *AuditFactory) Types() []string {
	out := make([]string, 0, len(f.auditors))
	for id := range f.auditors {
		out = append(out, id)
	}
	return out
}

// Global factory instance
var GlobalAuditFactory = NewAuditFactory()

func init() {
	GlobalAuditFactory.Register(&HeadingAudit{})
	GlobalAuditFactory.Register(&MetatagAudit{})
	GlobalAuditFactory.Register(&FAQAudit{})
	GlobalAuditFactory.Register(NewPrerenderAudit())
}
