package market

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$123.45", 123.45, true},
		{"$1,234.56", 1234.56, true},
		{"CA$20", 20, true},
		{"$50 $15", 15, true},
		{"$50 FREE", 0, true},
		{"Free", 0, true},
		{"$40 $1234 $35", 35, true},
		{"", 0, false},
		{"call for price", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParsePrice(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.InDelta(t, tc.want, got, 1e-9, tc.in)
	}
}

func TestCompItemsFiltersCards(t *testing.T) {
	t.Parallel()

	items := CompItems([]Card{
		{Title: "Shop on eBay", Price: "$20.00"},
		{Title: "  Canon AE-1  ", Price: "$120.00", URL: " https://example.test/itm/1 "},
		{Title: "", Price: "$10"},
		{Title: "Free lens cap", Price: "Free"},
		{Title: "Canon AE-1 body", Price: "$95.50"},
		{Title: "Canon AE-1 kit", Price: "$150"},
	}, 5)

	require.Len(t, items, 2)
	require.Equal(t, "Canon AE-1", items[0].Title)
	require.Equal(t, "https://example.test/itm/1", items[0].URL)
	require.Equal(t, 95.5, items[1].Price)
}

func TestBuildStats(t *testing.T) {
	t.Parallel()

	_, err := BuildStats("q", nil)
	require.True(t, errors.Is(err, deal.ErrInsufficientData))

	stats, err := BuildStats("q", []deal.CompItem{{Title: "a", Price: 30}, {Title: "b", Price: 10}})
	require.NoError(t, err)
	require.Equal(t, 2, stats.SampleSize)
	require.Equal(t, 20.0, stats.Average)
	require.Equal(t, []float64{10, 30}, stats.RawPrices)
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "canon ae-1 body", CacheKey("  Canon   AE-1\tBody "))
}

func TestSoldSearchURL(t *testing.T) {
	t.Parallel()

	got, err := SoldSearchURL("", "canon ae-1")
	require.NoError(t, err)
	require.Equal(t, "https://www.ebay.com/sch/i.html?LH_Sold=1&_nkw=canon+ae-1", got)

	got, err = SoldSearchURL("http://127.0.0.1:9000/sch?x=1", "lens")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:9000/sch?LH_Sold=1&_nkw=lens&x=1", got)
}

func TestSelectorsWithDefaults(t *testing.T) {
	t.Parallel()

	s := Selectors{Card: "li.item"}.WithDefaults()
	require.Equal(t, "li.item", s.Card)
	require.Equal(t, DefaultSelectors().Price, s.Price)
}
