package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
)

type fakeResult struct {
	records []*neo4j.Record
	pos     int
}

func (r *fakeResult) Next(context.Context) bool {
	if r.pos >= len(r.records) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeResult) Record() *neo4j.Record { return r.records[r.pos-1] }
func (r *fakeResult) Err() error             { return nil }

type call struct {
	cypher string
	params map[string]any
}

type fakeRunner struct {
	calls   []call
	records []*neo4j.Record
	err     error
	closed  int
}

func (f *fakeRunner) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	f.calls = append(f.calls, call{cypher, params})
	if f.err != nil {
		return nil, f.err
	}
	return &fakeResult{records: f.records}, nil
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed++
	return nil
}

func newFakeGraph(r *fakeRunner) *GraphStore {
	return &GraphStore{newSession: func(context.Context) runner { return r }}
}

func nodeRecord(props map[string]any) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"p"}, Values: []any{dbtype.Node{Labels: []string{"Product"}, Props: props}}}
}

func TestGraphMatchSubstring(t *testing.T) {
	r := &fakeRunner{records: []*neo4j.Record{
		nodeRecord(map[string]any{
			"source_id":    "1",
			"name":         "Red Backpack",
			"price":        19.5,
			"rating_rate":  4.0,
			"rating_count": int64(3),
			"in_stock":     true,
			"created_at":   "2024-01-01T00:00:00.000000000Z",
		}),
	}}
	g := newFakeGraph(r)

	got, err := g.MatchSubstring(context.Background(), "  BackPack ", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Red Backpack", got[0].Name)
	assert.Equal(t, 19.5, got[0].Price)
	assert.Equal(t, 3, got[0].Rating.Count)
	assert.True(t, got[0].InStock)
	assert.True(t, got[0].CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0].cypher, "CONTAINS $term")
	assert.Equal(t, "backpack", r.calls[0].params["term"])
	assert.Equal(t, 5, r.calls[0].params["limit"])
	assert.Equal(t, 1, r.closed)
}

func TestGraphMatchBlankSkipsQuery(t *testing.T) {
	r := &fakeRunner{}
	got, err := newFakeGraph(r).MatchSubstring(context.Background(), " ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, r.calls)
}

func TestGraphGetByIDs(t *testing.T) {
	r := &fakeRunner{records: []*neo4j.Record{
		nodeRecord(map[string]any{"source_id": "a", "name": "A"}),
		nodeRecord(map[string]any{"source_id": "b", "name": "B"}),
	}}
	got, err := newFakeGraph(r).GetByIDs(context.Background(), []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"a", "b"}, r.calls[0].params["ids"])
}

func TestGraphUpsert(t *testing.T) {
	r := &fakeRunner{}
	g := newFakeGraph(r)
	p := domain.Product{SourceID: "a", Name: "A", Price: 1, Rating: domain.Rating{Count: 2}}
	require.NoError(t, g.Upsert(context.Background(), p))

	require.Len(t, r.calls, 1)
	c := r.calls[0]
	assert.Contains(t, c.cypher, "MERGE (p:Product {source_id: $id})")
	assert.Equal(t, "a", c.params["id"])
	assert.Equal(t, "", c.params["caption"])
	props := c.params["props"].(map[string]any)
	assert.Equal(t, "A", props["name"])
	assert.Equal(t, int64(2), props["rating_count"])
	assert.NotEmpty(t, c.params["created_at"])

	err := g.Upsert(context.Background(), domain.Product{SourceID: "b"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Len(t, r.calls, 1)
}

func TestGraphSetCaption(t *testing.T) {
	r := &fakeRunner{records: []*neo4j.Record{{Keys: []string{"id"}, Values: []any{"a"}}}}
	require.NoError(t, newFakeGraph(r).SetCaption(context.Background(), "a", "A caption."))

	err := newFakeGraph(&fakeRunner{}).SetCaption(context.Background(), "zz", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraphCount(t *testing.T) {
	r := &fakeRunner{records: []*neo4j.Record{{Keys: []string{"n"}, Values: []any{int64(7)}}}}
	n, err := newFakeGraph(r).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestGraphErrors(t *testing.T) {
	r := &fakeRunner{err: errors.New("connection refused")}
	g := newFakeGraph(r)
	ctx := context.Background()

	_, err := g.MatchSubstring(ctx, "x", 1)
	assert.Error(t, err)
	_, err = g.Recent(ctx, 1)
	assert.Error(t, err)
	assert.Error(t, g.Ping(ctx))
	assert.Error(t, g.EnsureSchema(ctx))
}

func TestGraphBadRecord(t *testing.T) {
	r := &fakeRunner{records: []*neo4j.Record{{Keys: []string{"p"}, Values: []any{"not-a-node"}}}}
	_, err := newFakeGraph(r).Recent(context.Background(), 1)
	assert.Error(t, err)
}

func TestGraphCloseWithoutDriver(t *testing.T) {
	assert.NoError(t, (&GraphStore{}).Close())
}
