package persist

import (
	"math"
	"strconv"
)

// DefaultKeyPrecision is the number of decimals coordinates keep in search keys.
// Two decimals collapse GPS jitter within roughly a kilometre onto one entry.
const DefaultKeyPrecision = 2

// SearchKey derives the cache key for a places search. Identical requests, and
// requests whose coordinates differ only beyond precision decimals, map to the
// same key.
func SearchKey(lat, lng float64, radiusMeters float64, query string, precision int) string {
	return "places_search_" + formatCoordinate(lat, precision) + "_" + formatCoordinate(lng, precision) +
		"_" + strconv.Itoa(int(radiusMeters)) + "_" + query
}

// DetailsKey derives the cache key for a single place record.
func DetailsKey(placeID string) string {
	return "place_details_" + placeID
}

// ReviewsKey derives the cache key for a place's reviews.
func ReviewsKey(placeID string) string {
	return "reviews_" + placeID
}

func formatCoordinate(v float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow10(precision)
	rounded := math.Round(v*scale) / scale
	if rounded == 0 {
		// Avoid "-0" for tiny negative coordinates.
		rounded = 0
	}
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
