package deal

import (
	"errors"
	"fmt"
	"strings"
)

// Request defaults and limits.
const (
	DefaultRadius      = 20
	DefaultThreshold   = 20.0
	DefaultMaxListings = 20
	MaxListingsLimit   = 200
)

var allowedRadii = map[int]struct{}{
	1: {}, 2: {}, 5: {}, 10: {}, 20: {}, 40: {}, 60: {}, 80: {}, 100: {}, 250: {}, 500: {},
}

// SearchRequest describes one scan run.
type SearchRequest struct {
	Query               string  `json:"query"`
	ZipCode             string  `json:"zipCode,omitempty"`
	Radius              int     `json:"radius,omitempty"`
	Threshold           float64 `json:"threshold,omitempty"`
	MaxListings         int     `json:"maxListings,omitempty"`
	ExtractDescriptions bool    `json:"extractDescriptions,omitempty"`
}

// Normalize applies defaults and validates the request in place.
func (r *SearchRequest) Normalize() error {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return errors.New("query is required")
	}
	if r.Radius == 0 {
		r.Radius = DefaultRadius
	}
	if _, ok := allowedRadii[r.Radius]; !ok {
		return fmt.Errorf("radius %d is not supported", r.Radius)
	}
	if r.Threshold == 0 {
		r.Threshold = DefaultThreshold
	}
	if r.MaxListings == 0 {
		r.MaxListings = DefaultMaxListings
	}
	if r.MaxListings < 1 || r.MaxListings > MaxListingsLimit {
		return fmt.Errorf("maxListings must be between 1 and %d", MaxListingsLimit)
	}
	return nil
}
