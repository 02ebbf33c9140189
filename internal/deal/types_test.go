package deal

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	require.Equal(t, VerdictReject, ParseVerdict(" Reject "))
	require.Equal(t, VerdictMaybe, ParseVerdict("maybe"))
	require.Equal(t, VerdictAccept, ParseVerdict("accept"))
	require.Equal(t, VerdictAccept, ParseVerdict("definitely"))
	require.Equal(t, VerdictAccept, ParseVerdict(""))
}

func TestDecisionEffectiveWeight(t *testing.T) {
	t.Parallel()

	half := 0.5
	require.InDelta(t, 1.0, Decision{Verdict: VerdictAccept}.EffectiveWeight(), 1e-9)
	require.InDelta(t, 0.5, Decision{Verdict: VerdictMaybe}.EffectiveWeight(), 1e-9)
	require.InDelta(t, 0.0, Decision{Verdict: VerdictReject}.EffectiveWeight(), 1e-9)
	require.InDelta(t, 0.5, Decision{Verdict: VerdictAccept, Adjustment: &half}.EffectiveWeight(), 1e-9)
}

func TestDegradedResult(t *testing.T) {
	t.Parallel()

	r := Degraded(Listing{Title: "Bike", Price: 40, URL: "https://example.test/1"})
	require.Nil(t, r.DealScore)
	require.Equal(t, ReasonUnavailable, r.NoCompReason)
	require.Equal(t, "Bike", r.Title)
}

func TestPriceStatsCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := PriceStats{RawPrices: []float64{1}, Items: []CompItem{{Title: "a"}}}
	cp := orig.Clone()
	cp.Items[0].Filtered = true
	cp.RawPrices[0] = 9
	require.False(t, orig.Items[0].Filtered)
	require.InDelta(t, 1.0, orig.RawPrices[0], 1e-9)
}

func TestCanceledClassification(t *testing.T) {
	t.Parallel()

	require.True(t, IsCanceled(ErrCanceled))
	require.True(t, IsCanceled(context.Canceled))
	require.True(t, IsCanceled(fmt.Errorf("wrap: %w", ErrCanceled)))
	require.False(t, IsCanceled(errors.New("boom")))

	cause := errors.New("browser gone")
	err := Canceled(cause)
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, Canceled(nil), ErrCanceled)
}

func TestSearchRequestNormalize(t *testing.T) {
	t.Parallel()

	req := SearchRequest{Query: "  road bike "}
	require.NoError(t, req.Normalize())
	require.Equal(t, "road bike", req.Query)
	require.Equal(t, DefaultRadius, req.Radius)
	require.InDelta(t, DefaultThreshold, req.Threshold, 1e-9)
	require.Equal(t, DefaultMaxListings, req.MaxListings)

	tests := []struct {
		name string
		req  SearchRequest
	}{
		{name: "missing query", req: SearchRequest{}},
		{name: "bad radius", req: SearchRequest{Query: "x", Radius: 3}},
		{name: "too many listings", req: SearchRequest{Query: "x", MaxListings: 201}},
		{name: "negative listings", req: SearchRequest{Query: "x", MaxListings: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := tc.req
			require.Error(t, req.Normalize())
		})
	}
}
