package audits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

const AuditTypeFAQ = "faq-schema"

// questionThreshold is how many question-shaped headings a page needs before
// missing FAQPage markup counts as an issue.
const questionThreshold = 3

// FAQAudit flags pages that visibly answer questions but carry no FAQPage
// structured data, so the answers never surface as rich results.
type FAQAudit struct{}

func (a *FAQAudit) Type() string { return AuditTypeFAQ }

func (a *FAQAudit) Strategy() suggest.Strategy {
	return faqStrategy{baseStrategy{auditType: AuditTypeFAQ}}
}

type faqStrategy struct {
	baseStrategy
}

func (faqStrategy) MapNewSuggestion(opportunityID uuid.UUID, data suggest.Finding) (*models.Suggestion, error) {
	rank := suggest.RankUnknown
	if suggest.StringField(data, "issueClass") == "missing-faq-schema" {
		rank = 20
	}
	if IsAggregate(data) {
		rank = suggest.AggregateRank
	}

	return &models.Suggestion{
		OpportunityID: opportunityID,
		Type:          models.SuggestionTypeCodeChange,
		Rank:          rank,
		Status:        models.StatusNew,
		Data:          map[string]interface{}(data),
	}, nil
}

var questionPolicy = bluemonday.StrictPolicy()

func (a *FAQAudit) Collect(ctx context.Context, site SiteConfig, pages []Page) (*AuditResult, error) {
	var findings []suggest.Finding
	issueCount := 0

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		questions := pageQuestions(page.Doc)
		if len(questions) < questionThreshold {
			continue
		}
		if hasFAQSchema(page.Doc) {
			continue
		}

		findings = append(findings, suggest.Finding{
			"url":           page.URL,
			"issueClass":    "missing-faq-schema",
			"questionCount": len(questions),
			"questions":     questions,
		})
		issueCount++
	}

	findings = append(findings, BuildAggregate(AuditTypeFAQ, len(pages), issueCount, nil))

	return &AuditResult{
		Findings: findings,
		Opportunity: suggest.OpportunityData{
			Title:       "FAQ pages without structured data",
			Description: fmt.Sprintf("%d question-heavy pages missing FAQPage markup out of %d scanned.", issueCount, len(pages)),
			Runbook:     "Add FAQPage JSON-LD covering the visible question and answer pairs.",
			Tags:        []string{"seo", "structured-data"},
			Data: map[string]interface{}{
				"pagesScanned": len(pages),
				"issueCount":   issueCount,
			},
		},
	}, nil
}

// pageQuestions extracts question-shaped headings, sanitized down to plain
// text. Markup inside headings is untrusted crawl input.
func pageQuestions(doc *goquery.Document) []string {
	var questions []string
	doc.Find("h2, h3, h4, dt, summary").Each(func(_ int, sel *goquery.Selection) {
		text := normalizeSpace(questionPolicy.Sanitize(sel.Text()))
		if looksLikeQuestion(text) {
			questions = appendUnique(questions, truncate(text, 200))
		}
	})
	return questions
}

// hasFAQSchema looks for FAQPage JSON-LD anywhere on the page.
func hasFAQSchema(doc *goquery.Document) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if jsonLDContainsType(sel.Text(), "FAQPage") {
			found = true
			return false
		}
		return true
	})
	return found
}

func jsonLDContainsType(raw, wanted string) bool {
	var payload interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Some sites emit almost-JSON; fall back to a substring check.
		return strings.Contains(raw, `"`+wanted+`"`)
	}
	return typedNodeContains(payload, wanted)
}

func typedNodeContains(node interface{}, wanted string) bool {
	switch v := node.(type) {
	case map[string]interface{}:
		switch t := v["@type"].(type) {
		case string:
			if t == wanted {
				return true
			}
		case []interface{}:
			for _, item := range t {
				if s, ok := item.(string); ok && s == wanted {
					return true
				}
			}
		}
		if graph, ok := v["@graph"].([]interface{}); ok {
			for _, item := range graph {
				if typedNodeContains(item, wanted) {
					return true
				}
			}
		}
	case []interface{}:
		for _, item := range v {
			if typedNodeContains(item, wanted) {
				return true
			}
		}
	}
	return false
}
