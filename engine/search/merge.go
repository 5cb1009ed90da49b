package search

import (
	"slices"
	"strings"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
)

func trimQuery(q string) string { return strings.TrimSpace(q) }

// merge orders candidates by match tier, then by descending score within a
// tier. Candidates with equal keys keep the order they arrived in, so exact
// matches stay in catalog order. Each product appears once, under its best
// tier, and the result is cut to limit.
func merge(limit int, cands []candidate) []domain.RankedResult {
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b candidate) int {
		if ta, tb := a.match.Tier(), b.match.Tier(); ta != tb {
			return ta - tb
		}
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})

	seen := make(map[string]struct{}, len(sorted))
	out := make([]domain.RankedResult, 0, min(limit, len(sorted)))
	for _, c := range sorted {
		if len(out) >= limit {
			break
		}
		id := c.product.SourceID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p := c.product
		out = append(out, domain.RankedResult{
			ProductID: id,
			MatchType: c.match,
			Score:     c.score,
			Position:  len(out) + 1,
			Product:   &p,
		})
	}
	return out
}

func respond(query string, results []domain.RankedResult, degraded, fallback, listing bool) *domain.Response {
	if results == nil {
		results = []domain.RankedResult{}
	}
	return &domain.Response{
		Query:        query,
		Results:      results,
		Count:        len(results),
		Degraded:     degraded,
		FallbackUsed: fallback,
		Listing:      listing,
	}
}
