package openai

import (
	"context"
	"testing"

	openai "github.com/openai/openai-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/callgate"
	"github.com/JakeFAU/dealscan/internal/deal"
)

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		query   string
		skip    string
		invalid bool
	}{
		{name: "query", content: `{"enhanced_query": "  DeWalt  20V DCD791 "}`, query: "DeWalt 20V DCD791"},
		{name: "skip", content: `{"skip_reason": "Listing is a service"}`, skip: "Listing is a service"},
		{name: "null skip", content: `{"enhanced_query": "iPad Air", "skip_reason": null}`, query: "iPad Air"},
		{name: "empty", content: `{"enhanced_query": "   "}`, invalid: true},
		{name: "neither", content: `{"query": "x"}`, invalid: true},
		{name: "wrong type", content: `{"enhanced_query": 5}`, invalid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _, _ := newTestClient(t, reply{content: tc.content})
			q, skip, err := c.BuildQuery(context.Background(), deal.Listing{Title: "t", Description: "d"})
			if tc.invalid {
				require.ErrorIs(t, err, deal.ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.query, q)
			require.Equal(t, tc.skip, skip)
		})
	}
}

func TestQueryPromptIncludesListing(t *testing.T) {
	t.Parallel()

	p := queryPrompt(deal.Listing{Title: "MacBook Pro 2019 16 inch", Description: "cracked corner"}, nil)
	require.Contains(t, p, "Title: MacBook Pro 2019 16 inch")
	require.Contains(t, p, "Description: cracked corner")
}

func newEnrichingClient(t *testing.T, replies ...reply) (*Client, *fakeChat) {
	t.Helper()
	chat := &fakeChat{replies: replies}
	gate := &recordingGate{inner: callgate.New(callgate.Config{NoRetry: true})}
	c, err := New(Config{Model: "test-model", ReconModel: "recon-model", Enrich: true}, chat, gate)
	require.NoError(t, err)
	return c, chat
}

func TestBuildQueryEnrichesFirst(t *testing.T) {
	t.Parallel()

	c, chat := newEnrichingClient(t,
		reply{content: `{"canonical_name": "Apple iPhone 13 Pro", "brand": "Apple", "model_or_series": "iPhone 13 Pro",
			"year_or_generation": "unknown", "computable": true, "reject_reason": null,
			"key_attributes": [{"attribute": "storage", "value": "256GB", "price_impact": "high"},
				{"attribute": "color", "value": "graphite", "price_impact": "low"}]}`},
		reply{content: `{"enhanced_query": "iPhone 13 Pro 256GB"}`},
	)
	q, skip, err := c.BuildQuery(context.Background(), deal.Listing{Title: "iphone 13 pro 256"})
	require.NoError(t, err)
	require.Empty(t, skip)
	require.Equal(t, "iPhone 13 Pro 256GB", q)

	require.Equal(t, 2, chat.Calls())
	require.EqualValues(t, "recon-model", chat.captured[0].Model)
	require.EqualValues(t, "test-model", chat.captured[1].Model)
	prompt := userPrompt(t, chat.captured[1])
	require.Contains(t, prompt, "- storage: 256GB")
	require.NotContains(t, prompt, "graphite")
	require.NotContains(t, prompt, "Generation")
}

func TestBuildQuerySkipsUnidentifiedProduct(t *testing.T) {
	t.Parallel()

	c, chat := newEnrichingClient(t,
		reply{content: `{"canonical_name": "iPhone 13 Pro", "computable": false, "reject_reason": "Storage size unknown"}`},
	)
	q, skip, err := c.BuildQuery(context.Background(), deal.Listing{Title: "iphone 13 pro"})
	require.NoError(t, err)
	require.Empty(t, q)
	require.Equal(t, "Storage size unknown", skip)
	require.Equal(t, 1, chat.Calls())

	c, _ = newEnrichingClient(t, reply{content: `{"canonical_name": "jacket", "computable": false}`})
	_, skip, err = c.BuildQuery(context.Background(), deal.Listing{Title: "jacket"})
	require.NoError(t, err)
	require.Equal(t, defaultReconSkip, skip)
}

func TestBuildQueryRejectsMalformedRecon(t *testing.T) {
	t.Parallel()

	c, chat := newEnrichingClient(t, reply{content: `{"brand": "Apple"}`})
	_, _, err := c.BuildQuery(context.Background(), deal.Listing{Title: "iphone"})
	require.ErrorIs(t, err, deal.ErrInvalidResponse)
	require.Equal(t, 1, chat.Calls())
}

func userPrompt(t *testing.T, params openai.ChatCompletionNewParams) string {
	t.Helper()
	require.Len(t, params.Messages, 2)
	user := params.Messages[1].OfUser
	require.NotNil(t, user)
	return user.Content.OfString.Value
}
