package places

// GeoLocation is a WGS84 coordinate pair.
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DisplayName is the localized place name.
type DisplayName struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// Photo references an image the backend can resolve to a URL.
type Photo struct {
	Name     string `json:"name"`
	WidthPx  int    `json:"widthPx,omitempty"`
	HeightPx int    `json:"heightPx,omitempty"`
}

// Place is one search result.
type Place struct {
	ID               string       `json:"id"`
	DisplayName      DisplayName  `json:"displayName"`
	FormattedAddress string       `json:"formattedAddress,omitempty"`
	Location         *GeoLocation `json:"location,omitempty"`
	Types            []string     `json:"types,omitempty"`
	Rating           *float64     `json:"rating,omitempty"`
	UserRatingCount  *int         `json:"userRatingCount,omitempty"`
	Photos           []Photo      `json:"photos,omitempty"`
}

// PrimaryPhoto returns the first photo reference, if any.
func (p Place) PrimaryPhoto() (Photo, bool) {
	if len(p.Photos) == 0 || p.Photos[0].Name == "" {
		return Photo{}, false
	}
	return p.Photos[0], true
}

// SearchRequest describes a nearby search. Zero values take the defaults.
type SearchRequest struct {
	Location     GeoLocation
	Radius       float64
	MaxResults   int
	TextQuery    string
	ForceRefresh bool
}

const (
	DefaultRadius     = 1000.0
	DefaultMaxResults = 20
	DefaultTextQuery  = "tacos"
)

func (r SearchRequest) withDefaults() SearchRequest {
	if r.Radius <= 0 {
		r.Radius = DefaultRadius
	}
	if r.MaxResults <= 0 {
		r.MaxResults = DefaultMaxResults
	}
	if r.TextQuery == "" {
		r.TextQuery = DefaultTextQuery
	}
	return r
}

type placesRequestBody struct {
	Location   GeoLocation `json:"location"`
	Radius     float64     `json:"radius"`
	MaxResults int         `json:"maxResults"`
	TextQuery  string      `json:"textQuery"`
}

type placesResponse struct {
	Places []Place `json:"places"`
}

// ReviewsRequest identifies the place whose reviews are analyzed.
type ReviewsRequest struct {
	PlaceID          string
	DisplayName      string
	FormattedAddress string
	ForceRefresh     bool
}

// Review is one review text.
type Review struct {
	ReviewText string `json:"review_text"`
}

// ReviewAnalysis is the backend's sentiment summary for a place. The average
// sentiment is on a 0-10 scale.
type ReviewAnalysis struct {
	AverageSentiment float64  `json:"average_sentiment"`
	Reviews          []Review `json:"reviews"`
	Source           string   `json:"source"`
}

type photoRequestBody struct {
	PhotoName string `json:"photo_name"`
	MaxWidth  int    `json:"max_width"`
	MaxHeight *int   `json:"max_height,omitempty"`
}

type photoResponse struct {
	URL string `json:"url"`
}
