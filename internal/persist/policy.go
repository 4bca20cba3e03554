package persist

import "time"

// Kind names a family of cached responses sharing a default expiration.
type Kind string

const (
	KindSearch  Kind = "search"
	KindReviews Kind = "reviews"
	KindPlace   Kind = "place"
)

// Policy maps each kind to its default time-to-live. A zero or missing value
// stores entries without expiry.
type Policy map[Kind]time.Duration

// DefaultPolicy returns the built-in expiration table.
func DefaultPolicy() Policy {
	return Policy{
		KindSearch:  time.Hour,
		KindReviews: 24 * time.Hour,
		KindPlace:   48 * time.Hour,
	}
}

// PolicyFromDurations builds a Policy from the configured TTL table.
func PolicyFromDurations(search, reviews, place time.Duration) Policy {
	return Policy{
		KindSearch:  search,
		KindReviews: reviews,
		KindPlace:   place,
	}
}

func (p Policy) clone() Policy {
	out := make(Policy, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
