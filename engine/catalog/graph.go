package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// GraphStore is a Store over Product nodes in Neo4j. Catalog order is the
// seq property assigned when a node is first created.
type GraphStore struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner
}

var _ Store = (*GraphStore)(nil)

// OpenGraph connects to Neo4j and verifies connectivity.
func OpenGraph(ctx context.Context, url, user, pass string) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("catalog: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("catalog: neo4j connect: %w", err)
	}
	return NewGraphStore(driver), nil
}

// NewGraphStore wraps an existing driver.
func NewGraphStore(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{driver: driver}
}

func (g *GraphStore) session(ctx context.Context) runner {
	if g.newSession != nil {
		return g.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: g.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// EnsureSchema creates the uniqueness constraint on Product.source_id.
func (g *GraphStore) EnsureSchema(ctx context.Context) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx,
		"CREATE CONSTRAINT product_source_id IF NOT EXISTS FOR (p:Product) REQUIRE p.source_id IS UNIQUE", nil)
	if err != nil {
		return fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return nil
}

func (g *GraphStore) collect(ctx context.Context, cypher string, params map[string]any) ([]domain.Product, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var out []domain.Product
	for res.Next(ctx) {
		p, err := productFromRecord(res.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, res.Err()
}

// MatchSubstring implements Store.
func (g *GraphStore) MatchSubstring(ctx context.Context, term string, limit int) ([]domain.Product, error) {
	term = normalizeTerm(term)
	if term == "" || limit <= 0 {
		return nil, nil
	}
	out, err := g.collect(ctx, `MATCH (p:Product)
		WHERE toLower(p.name) CONTAINS $term
		   OR toLower(coalesce(p.category, '')) CONTAINS $term
		   OR toLower(coalesce(p.description, '')) CONTAINS $term
		RETURN p ORDER BY p.seq LIMIT $limit`,
		map[string]any{"term": term, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("catalog: match %q: %w", term, err)
	}
	return out, nil
}

// GetByIDs implements Store.
func (g *GraphStore) GetByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	ids = uniqueIDs(ids)
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	products, err := g.collect(ctx, `MATCH (p:Product) WHERE p.source_id IN $ids RETURN p`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("catalog: get %d ids: %w", len(ids), err)
	}
	for _, p := range products {
		out[p.SourceID] = p
	}
	return out, nil
}

// Recent implements Store.
func (g *GraphStore) Recent(ctx context.Context, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := g.collect(ctx, `MATCH (p:Product) RETURN p ORDER BY p.created_at DESC, p.seq DESC LIMIT $limit`,
		map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("catalog: recent: %w", err)
	}
	return out, nil
}

// Upsert implements Store with the same caption rule as SQLStore.
func (g *GraphStore) Upsert(ctx context.Context, p domain.Product) error {
	if err := domain.ValidateProduct(p); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MERGE (p:Product {source_id: $id})
		ON CREATE SET p.seq = timestamp(), p.created_at = $created_at
		SET p += $props
		SET p.caption = CASE WHEN $caption <> '' THEN $caption ELSE coalesce(p.caption, '') END`,
		map[string]any{
			"id":         p.SourceID,
			"created_at": p.CreatedAt.UTC().Format(timeLayout),
			"props":      productToMap(p),
			"caption":    p.Caption,
		})
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", p.SourceID, err)
	}
	return nil
}

// SetCaption implements Store.
func (g *GraphStore) SetCaption(ctx context.Context, id, caption string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (p:Product {source_id: $id}) SET p.caption = $caption RETURN p.source_id AS id`,
		map[string]any{"id": id, "caption": caption})
	if err != nil {
		return fmt.Errorf("catalog: set caption %s: %w", id, err)
	}
	if !res.Next(ctx) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count implements Store.
func (g *GraphStore) Count(ctx context.Context) (int, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (p:Product) RETURN count(p) AS n`, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	if !res.Next(ctx) {
		return 0, nil
	}
	n, _, err := neo4j.GetRecordValue[int64](res.Record(), "n")
	if err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return int(n), nil
}

// Ping implements Store.
func (g *GraphStore) Ping(ctx context.Context) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	if _, err := sess.Run(ctx, "RETURN 1", nil); err != nil {
		return fmt.Errorf("catalog: ping: %w", err)
	}
	return nil
}

// Close closes the driver.
func (g *GraphStore) Close() error {
	if g.driver == nil {
		return nil
	}
	return g.driver.Close(context.Background())
}

// productToMap returns the properties SET on every write. source_id, seq,
// created_at and caption are handled by the query itself.
func productToMap(p domain.Product) map[string]any {
	return map[string]any{
		"name":          p.Name,
		"category":      p.Category,
		"price":         p.Price,
		"description":   p.Description,
		"specification": p.Specification,
		"image":         p.Image,
		"rating_rate":   p.Rating.Rate,
		"rating_count":  int64(p.Rating.Count),
		"in_stock":      p.InStock,
	}
}

func productFromRecord(rec *neo4j.Record) (domain.Product, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "p")
	if err != nil {
		return domain.Product{}, err
	}
	props := node.Props
	p := domain.Product{
		SourceID:      strProp(props, "source_id"),
		Name:          strProp(props, "name"),
		Category:      strProp(props, "category"),
		Price:         floatProp(props, "price"),
		Description:   strProp(props, "description"),
		Specification: strProp(props, "specification"),
		Image:         strProp(props, "image"),
		Caption:       strProp(props, "caption"),
		Rating: domain.Rating{
			Rate:  floatProp(props, "rating_rate"),
			Count: int(floatProp(props, "rating_count")),
		},
	}
	if v, ok := props["in_stock"].(bool); ok {
		p.InStock = v
	}
	if t, err := time.Parse(timeLayout, strProp(props, "created_at")); err == nil {
		p.CreatedAt = t
	}
	return p, nil
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}
