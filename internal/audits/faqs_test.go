package audits

import (
	"context"
	"testing"

	"github.com/petra/site-audit/internal/suggest"
)

const faqPage = `<html><body>
	<h2>How do I return an order?</h2><p>...</p>
	<h2>What payment methods do you accept?</h2><p>...</p>
	<h2>Can I change my delivery address?</h2><p>...</p>
</body></html>`

const faqPageWithSchema = `<html><head>
	<script type="application/ld+json">{"@context":"https://schema.org","@type":"FAQPage","mainEntity":[]}</script>
</head><body>
	<h2>How do I return an order?</h2>
	<h2>What payment methods do you accept?</h2>
	<h2>Can I change my delivery address?</h2>
</body></html>`

func TestFAQAuditFlagsMissingSchema(t *testing.T) {
	pages := []Page{
		mustPage(t, "https://shop.example/faq", faqPage),
	}

	result, err := (&FAQAudit{}).Collect(context.Background(), SiteConfig{}, pages)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	byClass := findingsByClass(result.Findings)
	if len(byClass["missing-faq-schema"]) != 1 {
		t.Fatalf("missing-faq-schema findings = %d, want 1", len(byClass["missing-faq-schema"]))
	}
	f := byClass["missing-faq-schema"][0]
	if n, _ := suggest.NumberField(f, "questionCount"); n != 3 {
		t.Fatalf("questionCount = %v, want 3", f["questionCount"])
	}
}

func TestFAQAuditAcceptsExistingSchema(t *testing.T) {
	pages := []Page{
		mustPage(t, "https://shop.example/faq", faqPageWithSchema),
	}

	result, err := (&FAQAudit{}).Collect(context.Background(), SiteConfig{}, pages)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	byClass := findingsByClass(result.Findings)
	if len(byClass["missing-faq-schema"]) != 0 {
		t.Fatalf("flagged a page that already carries FAQPage markup")
	}
}

func TestFAQAuditIgnoresPagesBelowThreshold(t *testing.T) {
	pages := []Page{
		mustPage(t, "https://shop.example/", `<html><body><h2>How does shipping work?</h2></body></html>`),
	}

	result, err := (&FAQAudit{}).Collect(context.Background(), SiteConfig{}, pages)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	byClass := findingsByClass(result.Findings)
	if len(byClass["missing-faq-schema"]) != 0 {
		t.Fatalf("flagged a page with a single question")
	}
}

func TestJSONLDContainsTypeHandlesGraphs(t *testing.T) {
	graph := `{"@context":"https://schema.org","@graph":[{"@type":"WebSite"},{"@type":"FAQPage"}]}`
	if !jsonLDContainsType(graph, "FAQPage") {
		t.Fatal("FAQPage inside @graph not detected")
	}

	typeList := `{"@type":["WebPage","FAQPage"]}`
	if !jsonLDContainsType(typeList, "FAQPage") {
		t.Fatal("FAQPage inside @type array not detected")
	}

	other := `{"@type":"Product"}`
	if jsonLDContainsType(other, "FAQPage") {
		t.Fatal("false positive on Product markup")
	}

	malformed := `{"@type": "FAQPage"` // truncated
	if !jsonLDContainsType(malformed, "FAQPage") {
		t.Fatal("substring fallback did not catch malformed JSON-LD")
	}
}

func TestLooksLikeQuestion(t *testing.T) {
	cases := map[string]bool{
		"How do I return an order?": true,
		"What we do":                true,
		"Shipping and returns":      false,
		"":                          false,
		"Is express delivery available": true,
	}
	for input, want := range cases {
		if got := looksLikeQuestion(input); got != want {
			t.Fatalf("looksLikeQuestion(%q) = %v, want %v", input, got, want)
		}
	}
}
