package audits

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

const AuditTypeMetatags = "missing-metatags"

const (
	descriptionMinLength = 50
	descriptionMaxLength = 160
)

// MetatagAudit flags missing or duplicated titles and weak meta descriptions.
type MetatagAudit struct{}

func (a *MetatagAudit) Type() string { return AuditTypeMetatags }

func (a *MetatagAudit) Strategy() suggest.Strategy {
	return metatagStrategy{baseStrategy{auditType: AuditTypeMetatags}}
}

type metatagStrategy struct {
	baseStrategy
}

func (metatagStrategy) MapNewSuggestion(opportunityID uuid.UUID, data suggest.Finding) (*models.Suggestion, error) {
	rank := suggest.RankUnknown
	switch suggest.StringField(data, "issueClass") {
	case "missing-title":
		rank = 45
	case "missing-description":
		rank = 35
	case "duplicate-title":
		rank = 30
	case "description-length":
		rank = 15
	}
	if IsAggregate(data) {
		rank = suggest.AggregateRank
	}

	return &models.Suggestion{
		OpportunityID: opportunityID,
		Type:          models.SuggestionTypeMetadataUpdate,
		Rank:          rank,
		Status:        models.StatusNew,
		Data:          map[string]interface{}(data),
	}, nil
}

func (a *MetatagAudit) Collect(ctx context.Context, site SiteConfig, pages []Page) (*AuditResult, error) {
	var findings []suggest.Finding
	issueCount := 0

	// First pass: collect titles so duplicates can point at each other.
	titleOwners := make(map[string][]string)
	for _, page := range pages {
		title := normalizeSpace(page.Doc.Find("head title").First().Text())
		if title != "" {
			titleOwners[strings.ToLower(title)] = append(titleOwners[strings.ToLower(title)], page.URL)
		}
	}

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		title := normalizeSpace(page.Doc.Find("head title").First().Text())
		description, _ := page.Doc.Find(`head meta[name="description"]`).First().Attr("content")
		description = normalizeSpace(description)

		if title == "" {
			findings = append(findings, suggest.Finding{
				"url":        page.URL,
				"issueClass": "missing-title",
			})
			issueCount++
		} else if owners := titleOwners[strings.ToLower(title)]; len(owners) > 1 {
			findings = append(findings, suggest.Finding{
				"url":        page.URL,
				"issueClass": "duplicate-title",
				"title":      truncate(title, 120),
				"sharedWith": len(owners) - 1,
			})
			issueCount++
		}

		if description == "" {
			findings = append(findings, suggest.Finding{
				"url":        page.URL + "#description",
				"pageUrl":    page.URL,
				"issueClass": "missing-description",
			})
			issueCount++
		} else if len(description) < descriptionMinLength || len(description) > descriptionMaxLength {
			findings = append(findings, suggest.Finding{
				"url":        page.URL + "#description",
				"pageUrl":    page.URL,
				"issueClass": "description-length",
				"length":     len(description),
			})
			issueCount++
		}
	}

	findings = append(findings, BuildAggregate(AuditTypeMetatags, len(pages), issueCount, nil))

	return &AuditResult{
		Findings: findings,
		Opportunity: suggest.OpportunityData{
			Title:       "Metadata gaps",
			Description: fmt.Sprintf("%d title and description issues across %d pages.", issueCount, len(pages)),
			Runbook:     "Write a unique title per page and a meta description between 50 and 160 characters.",
			Tags:        []string{"seo", "metadata"},
			Data: map[string]interface{}{
				"pagesScanned": len(pages),
				"issueCount":   issueCount,
			},
		},
	}, nil
}
