package audits

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

const AuditTypePrerender = "prerender-gap"

const (
	botUserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

	// prerenderSampleLimit caps how many pages get the second bot-UA fetch.
	prerenderSampleLimit = 10

	// botContentRatioThreshold is the bot/browser visible-text ratio under
	// which a page counts as needing prerendering.
	botContentRatioThreshold = 0.6
)

// PrerenderAudit compares what a crawler-identified client receives against
// the browser-rendered markup. A large gap means the page's content lives
// behind client-side rendering and search engines see a shell.
type PrerenderAudit struct {
	fetcher *Fetcher
}

func NewPrerenderAudit() *PrerenderAudit {
	return &PrerenderAudit{fetcher: NewFetcher(30 * time.Second)}
}

func (a *PrerenderAudit) Type() string { return AuditTypePrerender }

func (a *PrerenderAudit) Strategy() suggest.Strategy {
	return prerenderStrategy{baseStrategy{
		auditType: AuditTypePrerender,
		transient: []string{"needsPrerender"},
	}}
}

type prerenderStrategy struct {
	baseStrategy
}

func (prerenderStrategy) MapNewSuggestion(opportunityID uuid.UUID, data suggest.Finding) (*models.Suggestion, error) {
	rank := suggest.RankUnknown
	if suggest.StringField(data, "issueClass") == "prerender-gap" {
		rank = 50
	}
	if IsAggregate(data) {
		rank = suggest.AggregateRank
	}

	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		payload[k] = v
	}
	delete(payload, "needsPrerender")

	return &models.Suggestion{
		OpportunityID: opportunityID,
		Type:          models.SuggestionTypeConfigUpdate,
		Rank:          rank,
		Status:        models.StatusNew,
		Data:          payload,
	}, nil
}

func (a *PrerenderAudit) Collect(ctx context.Context, site SiteConfig, pages []Page) (*AuditResult, error) {
	var findings []suggest.Finding
	issueCount := 0
	sampled := 0

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sampled >= prerenderSampleLimit {
			break
		}
		sampled++

		botHTML, status, err := a.fetcher.Fetch(ctx, page.URL, botUserAgent)
		if err != nil {
			log.Printf("[audit] bot fetch failed for %s: %v", page.URL, err)
			continue
		}
		if status != 200 {
			continue
		}

		browserText := visibleTextLength(page.Doc)
		botText := visibleTextLengthHTML(botHTML)
		if browserText == 0 {
			continue
		}

		ratio := float64(botText) / float64(browserText)
		if ratio >= botContentRatioThreshold {
			continue
		}

		findings = append(findings, suggest.Finding{
			"url":            page.URL,
			"issueClass":     "prerender-gap",
			"botTextBytes":   botText,
			"humanTextBytes": browserText,
			"contentRatio":   ratio,
			"needsPrerender": true,
		})
		issueCount++
	}

	findings = append(findings, BuildAggregate(AuditTypePrerender, sampled, issueCount, nil))

	return &AuditResult{
		Findings: findings,
		Opportunity: suggest.OpportunityData{
			Title:       "Content hidden from crawlers",
			Description: fmt.Sprintf("%d of %d sampled pages serve crawlers a fraction of their content.", issueCount, sampled),
			Runbook:     "Serve prerendered HTML to crawler user agents or move critical content to server-side rendering.",
			Tags:        []string{"seo", "rendering"},
			Data: map[string]interface{}{
				"pagesSampled": sampled,
				"issueCount":   issueCount,
			},
		},
	}, nil
}

func visibleTextLength(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	return len(normalizeSpace(body.Text()))
}

func visibleTextLengthHTML(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	return visibleTextLength(doc)
}
