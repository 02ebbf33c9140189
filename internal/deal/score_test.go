package deal

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		price   float64
		average float64
		want    *float64
	}{
		{name: "cheaper than market", price: 80, average: 100, want: ptr(20)},
		{name: "pricier than market", price: 150, average: 100, want: ptr(-50)},
		{name: "rounds to one decimal", price: 66, average: 99, want: ptr(33.3)},
		{name: "ties round to even", price: 0.75, average: 100, want: ptr(99.2)},
		{name: "ties round to even upward", price: 1.25, average: 100, want: ptr(98.8)},
		{name: "zero average", price: 10, average: 0, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Score(tc.price, tc.average)
			if tc.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.InDelta(t, *tc.want, *got, 1e-9)
		})
	}
}

func TestPriceInUSDConvertsPounds(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 100.0, PriceInUSD(Listing{Price: 73, Currency: "£"}), 1e-9)
	require.InDelta(t, 73.0, PriceInUSD(Listing{Price: 73, Currency: "$"}), 1e-9)
}

func TestIsSuspiciousPrice(t *testing.T) {
	t.Parallel()

	for _, price := range []float64{0, -3, math.NaN(), 123, 1234, 12345, 123456789} {
		require.True(t, IsSuspiciousPrice(price), "price %v", price)
	}
	for _, price := range []float64{1, 2, 99, 103, 125, 123.5, 12346} {
		require.False(t, IsSuspiciousPrice(price), "price %v", price)
	}
}

func TestScoreProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("price below average yields a non-negative score", prop.ForAll(
		func(avg, frac float64) bool {
			score := Score(avg*frac, avg)
			return score != nil && *score >= 0
		},
		gen.Float64Range(1, 10_000),
		gen.Float64Range(0, 1),
	))
	properties.Property("score is rounded to one decimal", prop.ForAll(
		func(price, avg float64) bool {
			score := Score(price, avg)
			if score == nil {
				return false
			}
			scaled := *score * 10
			return math.Abs(scaled-math.Round(scaled)) < 1e-6
		},
		gen.Float64Range(0, 10_000),
		gen.Float64Range(1, 10_000),
	))

	properties.TestingRun(t)
}

func ptr(v float64) *float64 { return &v }
