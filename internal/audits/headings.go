package audits

import (
	"context"
	"fmt"
	"strconv"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

const AuditTypeHeadings = "heading-structure"

// HeadingAudit flags pages whose heading outline breaks: no h1, several h1s,
// or skipped levels (h2 jumping to h4).
type HeadingAudit struct{}

func (a *HeadingAudit) Type() string { return AuditTypeHeadings }

func (a *HeadingAudit) Strategy() suggest.Strategy {
	return headingStrategy{baseStrategy{auditType: AuditTypeHeadings}}
}

type headingStrategy struct {
	baseStrategy
}

func (headingStrategy) MapNewSuggestion(opportunityID uuid.UUID, data suggest.Finding) (*models.Suggestion, error) {
	rank := suggest.RankUnknown
	switch suggest.StringField(data, "issueClass") {
	case "missing-h1":
		rank = 40
	case "multiple-h1":
		rank = 25
	case "skipped-level":
		rank = 10
	}
	if IsAggregate(data) {
		rank = suggest.AggregateRank
	}

	return &models.Suggestion{
		OpportunityID: opportunityID,
		Type:          models.SuggestionTypeContentUpdate,
		Rank:          rank,
		Status:        models.StatusNew,
		Data:          map[string]interface{}(data),
	}, nil
}

func (a *HeadingAudit) Collect(ctx context.Context, site SiteConfig, pages []Page) (*AuditResult, error) {
	var findings []suggest.Finding
	issueCount := 0

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outline := headingOutline(page.Doc)
		h1Count := 0
		for _, level := range outline {
			if level == 1 {
				h1Count++
			}
		}

		switch {
		case h1Count == 0:
			findings = append(findings, suggest.Finding{
				"url":        page.URL,
				"issueClass": "missing-h1",
				"headings":   len(outline),
			})
			issueCount++
		case h1Count > 1:
			findings = append(findings, suggest.Finding{
				"url":        page.URL,
				"issueClass": "multiple-h1",
				"h1Count":    h1Count,
			})
			issueCount++
		}

		if skip := firstSkippedLevel(outline); skip != "" && h1Count == 1 {
			findings = append(findings, suggest.Finding{
				"url":        page.URL + "#outline",
				"pageUrl":    page.URL,
				"issueClass": "skipped-level",
				"skip":       skip,
			})
			issueCount++
		}
	}

	findings = append(findings, BuildAggregate(AuditTypeHeadings, len(pages), issueCount, nil))

	return &AuditResult{
		Findings: findings,
		Opportunity: suggest.OpportunityData{
			Title:       "Heading structure issues",
			Description: fmt.Sprintf("%d pages with a broken heading outline out of %d scanned.", issueCount, len(pages)),
			Runbook:     "Give every page exactly one h1 and keep heading levels contiguous.",
			Tags:        []string{"seo", "content"},
			Data: map[string]interface{}{
				"pagesScanned": len(pages),
				"issueCount":   issueCount,
			},
		},
	}, nil
}

// headingOutline returns the document's heading levels in DOM order.
func headingOutline(doc *goquery.Document) []int {
	var outline []int
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		name := goquery.NodeName(sel)
		if len(name) == 2 && name[0] == 'h' {
			if level, err := strconv.Atoi(name[1:]); err == nil {
				outline = append(outline, level)
			}
		}
	})
	return outline
}

// firstSkippedLevel reports the first downward jump of more than one level,
// as "h2->h4", or "" when the outline is contiguous.
func firstSkippedLevel(outline []int) string {
	for i := 1; i < len(outline); i++ {
		if outline[i] > outline[i-1]+1 {
			return fmt.Sprintf("h%d->h%d", outline[i-1], outline[i])
		}
	}
	return ""
}
