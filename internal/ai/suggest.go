package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petra/site-audit/internal/models"
)

type copyResult struct {
	Copy string `json:"copy"`
}

// SuggestionCopy writes a short remediation instruction for one suggestion.
// The caller decides where the text lands; this only produces it.
func (c *OllamaClient) SuggestionCopy(ctx context.Context, s models.Suggestion) (string, error) {
	issueClass, _ := s.Data["issueClass"].(string)
	pageURL, _ := s.Data["url"].(string)

	details, err := json.Marshal(s.Data)
	if err != nil {
		return "", fmt.Errorf("failed to encode suggestion data: %w", err)
	}

	prompt := fmt.Sprintf(`You are a technical SEO consultant. Write one concrete remediation instruction for the issue below, addressed to the site's content team.

ISSUE CLASS: %s
PAGE: %s
DETAILS: %s

Return a JSON object with this format:
{
  "copy": "One or two sentences telling the team exactly what to change on this page."
}

Rules:
1. Be specific to this page and issue, not generic SEO advice.
2. No preamble, no markdown.
3. RESPOND ONLY WITH JSON.`, issueClass, pageURL, string(details))

	resp, err := c.GenerateCompletion(ctx, prompt, true)
	if err != nil {
		return "", err
	}

	var result copyResult
	if err := json.Unmarshal([]byte(resp), &result); err != nil {
		return "", fmt.Errorf("failed to parse copy json: %w. Response: %s", err, resp)
	}

	return strings.TrimSpace(result.Copy), nil
}
