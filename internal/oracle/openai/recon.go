package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/deal"
)

const reconSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["canonical_name", "computable"],
  "properties": {
    "canonical_name": {"type": "string"},
    "brand": {"type": "string"},
    "category": {"type": "string"},
    "model_or_series": {"type": "string"},
    "year_or_generation": {"type": "string"},
    "key_attributes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["attribute", "value"],
        "properties": {
          "attribute": {"type": "string"},
          "value": {"type": "string"},
          "price_impact": {"enum": ["high", "medium", "low"]}
        }
      }
    },
    "computable": {"type": "boolean"},
    "reject_reason": {"type": ["string", "null"]},
    "notes": {"type": "string"}
  }
}`

const reconSystem = `You identify the real-world product described in a marketplace listing and the attributes that move its resale price.
Do not invent details. Only use what the listing states or what is well known about the product.
Mark computable false when a high price-impact attribute is unknown or the product cannot be pinned down.
Assume ordinary used condition unless the listing says "for parts" or "not working".
Reply with JSON only.`

// defaultReconSkip is used when the model marks a product not computable
// without saying why.
const defaultReconSkip = "Product could not be identified precisely enough to price"

type reconAttribute struct {
	Attribute   string `json:"attribute"`
	Value       string `json:"value"`
	PriceImpact string `json:"price_impact"`
}

type productRecon struct {
	CanonicalName    string           `json:"canonical_name"`
	Brand            string           `json:"brand"`
	Category         string           `json:"category"`
	ModelOrSeries    string           `json:"model_or_series"`
	YearOrGeneration string           `json:"year_or_generation"`
	KeyAttributes    []reconAttribute `json:"key_attributes"`
	Computable       bool             `json:"computable"`
	RejectReason     *string          `json:"reject_reason"`
	Notes            string           `json:"notes"`
}

func (r productRecon) skipReason() string {
	if r.RejectReason != nil {
		if reason := strings.TrimSpace(*r.RejectReason); reason != "" {
			return reason
		}
	}
	return defaultReconSkip
}

// summary renders the known fields for the query prompt, skipping unknowns.
func (r productRecon) summary() string {
	var b strings.Builder
	line := func(label, v string) {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, "unknown") {
			return
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, v)
	}
	line("Name", r.CanonicalName)
	line("Brand", r.Brand)
	line("Category", r.Category)
	line("Model", r.ModelOrSeries)
	line("Generation", r.YearOrGeneration)
	for _, a := range r.KeyAttributes {
		if a.PriceImpact == "low" {
			continue
		}
		line(a.Attribute, a.Value)
	}
	return b.String()
}

// identify asks the model which product the listing is.
func (c *Client) identify(ctx context.Context, l deal.Listing) (productRecon, error) {
	raw, err := c.complete(ctx, c.reconModel, reconSystem, reconPrompt(l))
	if err != nil {
		return productRecon{}, err
	}
	if _, err := decode(c.reconSchema, raw); err != nil {
		return productRecon{}, err
	}
	var r productRecon
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return productRecon{}, fmt.Errorf("%w: %v", deal.ErrInvalidResponse, err)
	}
	c.logger.Debug("product identified",
		zap.String("name", r.CanonicalName),
		zap.String("brand", r.Brand),
		zap.Bool("computable", r.Computable),
	)
	return r, nil
}

func reconPrompt(l deal.Listing) string {
	var b strings.Builder
	b.WriteString("Identify the product in this listing and the attributes that change its resale price.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", l.Title)
	if l.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", l.Description)
	}
	b.WriteString(`
Return one JSON object with canonical_name, brand, category, model_or_series, year_or_generation,
key_attributes (list of {"attribute", "value", "price_impact": "high" | "medium" | "low"}),
computable (boolean), reject_reason (null when computable) and notes. Use "unknown" for fields you cannot determine.`)
	return b.String()
}
