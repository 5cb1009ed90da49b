// Package domain defines the product, embedding, and search result types
// shared by the retrieval engine, plus the error taxonomy callers match with
// errors.Is. It acts as the validation gate at pipeline entry points.
package domain

import "time"

// Rating is the aggregate customer rating of a product.
type Rating struct {
	Rate  float64 `json:"rate"`
	Count int     `json:"count"`
}

// Product is a catalog entry. SourceID is the stable external identifier and
// the join key between the catalog and the vector index.
type Product struct {
	SourceID      string    `json:"source_id"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Price         float64   `json:"price"`
	Description   string    `json:"description"`
	Specification string    `json:"specification,omitempty"`
	Image         string    `json:"image,omitempty"`
	Caption       string    `json:"caption,omitempty"` // empty until generated
	Rating        Rating    `json:"rating"`
	InStock       bool      `json:"in_stock"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasImage reports whether the product references an image.
func (p Product) HasImage() bool { return p.Image != "" }

// Metadata is the payload attached to every vector row.
type Metadata struct {
	ProductID string    `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingRecord is one row of the vector index. ImageVector is the zero
// sentinel when the product has no image.
type EmbeddingRecord struct {
	ID          uint64
	TextVector  Vector
	ImageVector Vector
	Metadata    Metadata
}

// SearchType identifies which retrieval signal produced a SearchHit.
type SearchType string

const (
	SearchText  SearchType = "text"
	SearchImage SearchType = "image"
	SearchExact SearchType = "exact"
)

// SearchHit is a single raw hit from one search call. Scores are only
// comparable within the same call.
type SearchHit struct {
	ProductID  string     `json:"product_id"`
	Score      float32    `json:"score"`
	SearchType SearchType `json:"search_type"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
}

// MatchType is the provenance tag of a RankedResult.
type MatchType string

const (
	MatchVisual   MatchType = "visual"
	MatchSemantic MatchType = "semantic"
	MatchExact    MatchType = "exact"
)

// Tier returns the merge precedence of m; lower wins.
func (m MatchType) Tier() int {
	switch m {
	case MatchVisual:
		return 0
	case MatchSemantic:
		return 1
	default:
		return 2
	}
}

// RankedResult is one entry of the orchestrator's output.
type RankedResult struct {
	ProductID string    `json:"product_id"`
	MatchType MatchType `json:"match_type"`
	Score     float32   `json:"score"`
	Position  int       `json:"position"`
	Product   *Product  `json:"product,omitempty"`
}

// Response is the result of one search request. A zero Count with a nil
// error means nothing matched.
type Response struct {
	Query        string         `json:"query,omitempty"`
	Results      []RankedResult `json:"results"`
	Count        int            `json:"count"`
	Degraded     bool           `json:"degraded"`
	FallbackUsed bool           `json:"fallback_used"`
	Listing      bool           `json:"listing"`
}

// IDs returns the product ids of r in order.
func (r *Response) IDs() []string {
	ids := make([]string, len(r.Results))
	for i, res := range r.Results {
		ids[i] = res.ProductID
	}
	return ids
}
