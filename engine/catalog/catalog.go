// Package catalog holds the product catalog and its keyword matching. The
// catalog is the system of record; the vector index only stores product ids.
package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/fn"
)

// ErrNotFound is returned when an operation targets an unknown product.
var ErrNotFound = errors.New("catalog: product not found")

// Store is the keyword store used by search and ingestion.
type Store interface {
	// MatchSubstring returns up to limit products whose name, category or
	// description contains term, case-insensitively, in catalog order.
	MatchSubstring(ctx context.Context, term string, limit int) ([]domain.Product, error)
	// GetByIDs resolves product ids. Unknown ids are absent from the map.
	GetByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	// Recent returns the newest products first.
	Recent(ctx context.Context, limit int) ([]domain.Product, error)
	Upsert(ctx context.Context, p domain.Product) error
	SetCaption(ctx context.Context, id, caption string) error
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// normalizeTerm lowercases and trims a search term.
func normalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// escapeLike escapes the LIKE wildcards of s with a backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func uniqueIDs(ids []string) []string {
	ids = fn.Filter(ids, func(id string) bool { return id != "" })
	return fn.UniqueBy(ids, func(id string) string { return id })
}
