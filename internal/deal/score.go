package deal

import "math"

// GBPToUSD converts listing prices quoted in pounds before comparing them
// with USD market averages.
const GBPToUSD = 1 / 0.73

// placeholderPrices are digit runs sellers type instead of a real price.
var placeholderPrices = map[float64]struct{}{
	123: {}, 1234: {}, 12345: {}, 123456: {}, 1234567: {}, 12345678: {}, 123456789: {},
}

// Score returns the percentage saving of price against the market average,
// rounded half to even at one decimal. It returns nil when the average is
// not usable.
func Score(price float64, average float64) *float64 {
	if average == 0 || math.IsNaN(average) || math.IsInf(average, 0) {
		return nil
	}
	score := math.RoundToEven((average-price)/average*100*10) / 10
	return &score
}

// PriceInUSD converts a listing price into USD for comparison.
func PriceInUSD(l Listing) float64 {
	if l.Currency == "£" || l.Currency == "GBP" {
		return l.Price * GBPToUSD
	}
	return l.Price
}

// IsSuspiciousPrice flags free or missing prices and placeholder digit runs
// such as 1234.
func IsSuspiciousPrice(price float64) bool {
	if math.IsNaN(price) || price <= 0 {
		return true
	}
	_, placeholder := placeholderPrices[price]
	return placeholder
}
