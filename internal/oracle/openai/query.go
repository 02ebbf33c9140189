package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/dealscan/internal/deal"
)

const querySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "enhanced_query": {"type": "string"},
    "skip_reason": {"type": ["string", "null"]}
  },
  "anyOf": [
    {"required": ["enhanced_query"]},
    {"required": ["skip_reason"]}
  ]
}`

const querySystem = "You write short search queries for finding sold listings of a product. Reply with JSON only."

// BuildQuery turns a listing into a sold-listing search query. A non-empty
// skipReason means the listing cannot be priced by comparison. With
// enrichment on, the product is identified first and an unidentifiable
// product is skipped.
func (c *Client) BuildQuery(ctx context.Context, l deal.Listing) (string, string, error) {
	var recon *productRecon
	if c.enrich {
		r, err := c.identify(ctx, l)
		if err != nil {
			return "", "", err
		}
		if !r.Computable {
			return "", r.skipReason(), nil
		}
		recon = &r
	}
	raw, err := c.complete(ctx, c.model, querySystem, queryPrompt(l, recon))
	if err != nil {
		return "", "", err
	}
	if _, err := decode(c.querySchema, raw); err != nil {
		return "", "", err
	}
	var reply struct {
		Query      string  `json:"enhanced_query"`
		SkipReason *string `json:"skip_reason"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return "", "", fmt.Errorf("%w: %v", deal.ErrInvalidResponse, err)
	}
	if reply.SkipReason != nil && strings.TrimSpace(*reply.SkipReason) != "" {
		return "", strings.TrimSpace(*reply.SkipReason), nil
	}
	q := strings.Join(strings.Fields(reply.Query), " ")
	if q == "" {
		return "", "", fmt.Errorf("%w: empty query", deal.ErrInvalidResponse)
	}
	return q, "", nil
}

func queryPrompt(l deal.Listing, recon *productRecon) string {
	var b strings.Builder
	b.WriteString("Write a search query of one to five core terms that finds sold listings of the same product.\n")
	b.WriteString("Keep brand, model and product type. Add generation or capacity only when it changes the price. ")
	b.WriteString("Leave out color, condition words and bundle details. Do not invent details.\n")
	b.WriteString("If the listing is not a specific product (services, wanted ads, rentals), set skip_reason instead.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", l.Title)
	if l.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", l.Description)
	}
	if recon != nil {
		b.WriteString("\nIdentified product:\n")
		b.WriteString(recon.summary())
	}
	b.WriteString("\nReturn {\"enhanced_query\": \"...\"} or {\"skip_reason\": \"...\"}.")
	return b.String()
}
