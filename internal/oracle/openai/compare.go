package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/deal"
)

const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["decisions"],
  "properties": {
    "decisions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["decision"],
        "properties": {
          "decision": {"type": "string"},
          "reason": {"type": "string"},
          "weight": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

const compareSystem = "You compare second-hand listings across marketplaces. Reply with JSON only."

type decisionsReply struct {
	Decisions []struct {
		Decision string   `json:"decision"`
		Reason   string   `json:"reason"`
		Weight   *float64 `json:"weight"`
	} `json:"decisions"`
}

// Compare asks the model whether each sold item is the same economic
// product as ref. The reply must hold exactly one decision per item.
func (c *Client) Compare(ctx context.Context, ref deal.Listing, batch []deal.CompItem) ([]deal.Decision, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	raw, err := c.complete(ctx, c.model, compareSystem, comparePrompt(ref, batch))
	if err != nil {
		return nil, err
	}
	if _, err := decode(c.decisionSchema, raw); err != nil {
		return nil, err
	}
	var reply decisionsReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", deal.ErrInvalidResponse, err)
	}
	if len(reply.Decisions) != len(batch) {
		return nil, fmt.Errorf("%w: %d decisions for %d items",
			deal.ErrInvalidResponse, len(reply.Decisions), len(batch))
	}
	out := make([]deal.Decision, len(batch))
	for i, d := range reply.Decisions {
		v := deal.ParseVerdict(d.Decision)
		if string(v) != strings.ToLower(strings.TrimSpace(d.Decision)) {
			c.logger.Debug("unknown verdict, treating as accept",
				zap.String("decision", d.Decision), zap.Int("position", i+1))
		}
		out[i] = deal.Decision{Verdict: v, Reason: d.Reason, Adjustment: d.Weight}
	}
	return out, nil
}

func comparePrompt(ref deal.Listing, batch []deal.CompItem) string {
	var b strings.Builder
	b.WriteString("Decide for each sold item whether a buyer would treat it as the same product as the listing, ")
	b.WriteString("so its price is a fair comparison. Prefer rejecting when unsure.\n\n")
	b.WriteString("Use \"accept\" when all price-defining attributes match, \"maybe\" for minor differences ")
	b.WriteString("such as a missing small accessory, and \"reject\" for a different model, generation, capacity, ")
	b.WriteString("condition class or quantity.\n\n")
	fmt.Fprintf(&b, "Listing:\n  title: %s\n  price: %.2f %s\n", ref.Title, ref.Price, ref.Currency)
	if ref.Description != "" {
		fmt.Fprintf(&b, "  description: %s\n", ref.Description)
	}
	b.WriteString("\nSold items:\n")
	for i, it := range batch {
		fmt.Fprintf(&b, "%d. %s | %.2f", i+1, it.Title, it.Price)
		if it.Condition != "" {
			fmt.Fprintf(&b, " | %s", it.Condition)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nReturn {\"decisions\": [{\"decision\": \"accept|maybe|reject\", \"reason\": \"...\"}]} "+
		"with exactly %d entries in the same order as the items.", len(batch))
	return b.String()
}
