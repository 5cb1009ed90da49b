// Package vectorindex owns every Qdrant operation of the catalog: one
// collection holding a text and an image vector per product.
package vectorindex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
)

// Field names a vector field of the collection.
type Field string

const (
	FieldText  Field = "text"
	FieldImage Field = "image"
)

// Payload keys stored with every point.
const (
	keyProductID = "product_id"
	keyCreatedAt = "created_at"
	keyHasImage  = "has_image"
)

// State is the lifecycle of the collection as seen by this client.
type State int

const (
	Absent State = iota
	Created
	Loaded
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Loaded:
		return "loaded"
	default:
		return "absent"
	}
}

// Stats reports the size of the collection.
type Stats struct {
	Rows uint64 `json:"rows"`
}

// MetadataFilter selects rows by payload. Limit <= 0 returns every match.
type MetadataFilter struct {
	ProductID string
	Limit     int
}

// Options configures the collection layout.
type Options struct {
	Collection  string
	Dims        int
	HNSWM       uint64
	EfConstruct uint64
}

// DefaultOptions returns the production layout.
func DefaultOptions() Options {
	return Options{
		Collection:  "products",
		Dims:        384,
		HNSWM:       16,
		EfConstruct: 128,
	}
}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsAPI interface {
	CollectionExists(ctx context.Context, in *pb.CollectionExistsRequest, opts ...grpc.CallOption) (*pb.CollectionExistsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

type healthAPI interface {
	HealthCheck(ctx context.Context, in *pb.HealthCheckRequest, opts ...grpc.CallOption) (*pb.HealthCheckReply, error)
}

// Index is the vector index client. Inserts take the read lock so they can
// run concurrently; collection lifecycle changes take the write lock.
type Index struct {
	conn        io.Closer
	points      pointsAPI
	collections collectionsAPI
	health      healthAPI
	opts        Options
	logger      *slog.Logger

	mu    sync.RWMutex
	state State

	// staged holds at most one row per product; stagedAt indexes it by
	// product id. flushing counts in-flight upserts per product id.
	stageMu  sync.Mutex
	staged   []*pb.PointStruct
	stagedAt map[string]int
	flushing map[string]int
}

// New connects to Qdrant at the given gRPC address.
func New(addr string, opts Options, logger *slog.Logger) (*Index, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: dial qdrant %s: %w", addr, err)
	}
	idx := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), pb.NewQdrantClient(conn), opts, logger)
	idx.conn = conn
	return idx, nil
}

// NewWithClients builds an Index over already constructed clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, health healthAPI, opts Options, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Collection == "" {
		opts.Collection = DefaultOptions().Collection
	}
	if opts.Dims <= 0 {
		opts.Dims = DefaultOptions().Dims
	}
	return &Index{
		points:      points,
		collections: collections,
		health:      health,
		opts:        opts,
		logger:      logger.With("component", "vectorindex"),
	}
}

// Close closes the underlying gRPC connection.
func (x *Index) Close() error {
	if x.conn == nil {
		return nil
	}
	return x.conn.Close()
}

// Collection returns the collection name.
func (x *Index) Collection() string { return x.opts.Collection }

// Dims returns the configured vector dimension.
func (x *Index) Dims() int { return x.opts.Dims }

// State returns the current lifecycle state.
func (x *Index) State() State {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

// EnsureCollection creates the collection and its payload indexes when
// missing and marks it loaded. Calling it on a loaded collection only reports
// its size.
func (x *Index) EnsureCollection(ctx context.Context) (Stats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.state != Loaded {
		if err := x.create(ctx); err != nil {
			return Stats{}, err
		}
		if err := x.index(ctx); err != nil {
			return Stats{}, err
		}
		x.logger.Info("collection loaded", "collection", x.opts.Collection, "dims", x.opts.Dims)
	}
	return x.count(ctx)
}

func (x *Index) create(ctx context.Context) error {
	exists, err := x.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: x.opts.Collection})
	if err != nil {
		return fmt.Errorf("vectorindex: collection exists %s: %w", x.opts.Collection, err)
	}
	if exists.GetResult().GetExists() {
		x.state = Created
		return nil
	}

	hnsw := &pb.HnswConfigDiff{M: pb.PtrOf(x.opts.HNSWM), EfConstruct: pb.PtrOf(x.opts.EfConstruct)}
	params := func() *pb.VectorParams {
		return &pb.VectorParams{Size: uint64(x.opts.Dims), Distance: pb.Distance_Cosine, HnswConfig: hnsw}
	}
	_, err = x.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: x.opts.Collection,
		VectorsConfig: pb.NewVectorsConfigMap(map[string]*pb.VectorParams{
			string(FieldText):  params(),
			string(FieldImage): params(),
		}),
		HnswConfig: hnsw,
	})
	if err != nil {
		return fmt.Errorf("vectorindex: create collection %s: %w", x.opts.Collection, err)
	}
	x.state = Created
	x.logger.Info("collection created", "collection", x.opts.Collection)
	return nil
}

func (x *Index) index(ctx context.Context) error {
	fields := []struct {
		name string
		typ  pb.FieldType
	}{
		{keyProductID, pb.FieldType_FieldTypeKeyword},
		{keyHasImage, pb.FieldType_FieldTypeBool},
	}
	for _, f := range fields {
		_, err := x.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: x.opts.Collection,
			Wait:           pb.PtrOf(true),
			FieldName:      f.name,
			FieldType:      pb.PtrOf(f.typ),
		})
		if err != nil {
			return fmt.Errorf("vectorindex: index %s: %w", f.name, err)
		}
	}
	x.state = Loaded
	return nil
}

// Drop deletes the collection and discards staged rows.
func (x *Index) Drop(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: x.opts.Collection})
	if err != nil {
		return fmt.Errorf("vectorindex: delete collection %s: %w", x.opts.Collection, err)
	}
	x.state = Absent
	x.stageMu.Lock()
	x.staged, x.stagedAt, x.flushing = nil, nil, nil
	x.stageMu.Unlock()
	x.logger.Info("collection dropped", "collection", x.opts.Collection)
	return nil
}

// Stats returns the exact number of rows in the collection.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.state != Loaded {
		return Stats{}, fmt.Errorf("vectorindex: stats: %w", domain.ErrNotLoaded)
	}
	return x.count(ctx)
}

func (x *Index) count(ctx context.Context) (Stats, error) {
	resp, err := x.points.Count(ctx, &pb.CountPoints{CollectionName: x.opts.Collection, Exact: pb.PtrOf(true)})
	if err != nil {
		return Stats{}, fmt.Errorf("vectorindex: count: %w", err)
	}
	return Stats{Rows: resp.GetResult().GetCount()}, nil
}

// Ping runs the server health check.
func (x *Index) Ping(ctx context.Context) error {
	if _, err := x.health.HealthCheck(ctx, &pb.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("vectorindex: health: %w", err)
	}
	return nil
}

// Insert validates rec and stages it for the next Flush. A zero image vector
// is stored as a row without an image vector.
func (x *Index) Insert(ctx context.Context, rec domain.EmbeddingRecord) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.state != Loaded {
		return fmt.Errorf("vectorindex: insert: %w", domain.ErrNotLoaded)
	}
	if err := x.checkDims("text_vector", rec.TextVector); err != nil {
		return err
	}
	hasImage := !rec.ImageVector.IsZero()
	if hasImage {
		if err := x.checkDims("image_vector", rec.ImageVector); err != nil {
			return err
		}
	}
	if rec.Metadata.ProductID == "" {
		return domain.NewValidationError("product_id", "", domain.ErrInvalidInput)
	}

	vectors := map[string]*pb.Vector{string(FieldText): pb.NewVectorDense(rec.TextVector)}
	if hasImage {
		vectors[string(FieldImage)] = pb.NewVectorDense(rec.ImageVector)
	}
	point := &pb.PointStruct{
		Id:      pb.NewIDNum(rec.ID),
		Vectors: pb.NewVectorsMap(vectors),
		Payload: toPayload(map[string]any{
			keyProductID: rec.Metadata.ProductID,
			keyCreatedAt: rec.Metadata.CreatedAt.UnixMilli(),
			keyHasImage:  hasImage,
		}),
	}

	x.stageMu.Lock()
	x.stage(point)
	x.stageMu.Unlock()
	return nil
}

// stage adds points, replacing a staged row of the same product so a
// product never has two rows. Must hold stageMu.
func (x *Index) stage(points ...*pb.PointStruct) {
	if x.stagedAt == nil {
		x.stagedAt = make(map[string]int)
	}
	for _, p := range points {
		id := metadataOf(p.GetPayload()).ProductID
		if i, ok := x.stagedAt[id]; ok {
			x.staged[i] = p
			continue
		}
		x.stagedAt[id] = len(x.staged)
		x.staged = append(x.staged, p)
	}
}

func (x *Index) isStaged(productID string) bool {
	x.stageMu.Lock()
	defer x.stageMu.Unlock()
	if _, ok := x.stagedAt[productID]; ok {
		return true
	}
	_, ok := x.flushing[productID]
	return ok
}

// Pending returns the number of staged rows.
func (x *Index) Pending() int {
	x.stageMu.Lock()
	defer x.stageMu.Unlock()
	return len(x.staged)
}

// Flush commits every staged row and waits until they are searchable. On
// failure the rows stay staged; rows staged meanwhile for the same product
// take precedence.
func (x *Index) Flush(ctx context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.state != Loaded {
		return fmt.Errorf("vectorindex: flush: %w", domain.ErrNotLoaded)
	}

	x.stageMu.Lock()
	points, ids := x.staged, x.stagedAt
	x.staged, x.stagedAt = nil, nil
	if x.flushing == nil {
		x.flushing = make(map[string]int)
	}
	for id := range ids {
		x.flushing[id]++
	}
	x.stageMu.Unlock()
	if len(points) == 0 {
		return nil
	}

	_, err := x.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: x.opts.Collection,
		Wait:           pb.PtrOf(true),
		Points:         points,
	})
	x.stageMu.Lock()
	defer x.stageMu.Unlock()
	for id := range ids {
		if x.flushing[id]--; x.flushing[id] <= 0 {
			delete(x.flushing, id)
		}
	}
	if err != nil {
		newer := x.staged
		x.staged, x.stagedAt = nil, nil
		x.stage(points...)
		x.stage(newer...)
		return fmt.Errorf("vectorindex: upsert %d points: %w", len(points), err)
	}
	x.logger.Debug("flushed", "points", len(points))
	return nil
}

// Search returns up to limit hits on field in descending score order.
// probeWidth sets the HNSW ef parameter. A zero vector matches nothing.
func (x *Index) Search(ctx context.Context, vec domain.Vector, field Field, limit, probeWidth int) ([]domain.SearchHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.state != Loaded {
		return nil, fmt.Errorf("vectorindex: search: %w", domain.ErrNotLoaded)
	}
	if vec.IsZero() || limit <= 0 {
		return nil, nil
	}
	if err := x.checkDims("vector", vec); err != nil {
		return nil, err
	}

	req := &pb.SearchPoints{
		CollectionName: x.opts.Collection,
		Vector:         vec,
		VectorName:     pb.PtrOf(string(field)),
		Limit:          uint64(limit),
		WithPayload:    pb.NewWithPayload(true),
	}
	if probeWidth > 0 {
		req.Params = &pb.SearchParams{HnswEf: pb.PtrOf(uint64(probeWidth))}
	}
	searchType := domain.SearchText
	if field == FieldImage {
		searchType = domain.SearchImage
		req.Filter = &pb.Filter{Must: []*pb.Condition{pb.NewMatchBool(keyHasImage, true)}}
	}

	resp, err := x.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search %s: %w", field, err)
	}

	hits := make([]domain.SearchHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		meta := metadataOf(r.GetPayload())
		if meta.ProductID == "" {
			continue
		}
		hits = append(hits, domain.SearchHit{
			ProductID:  meta.ProductID,
			Score:      r.GetScore(),
			SearchType: searchType,
			CreatedAt:  meta.CreatedAt,
		})
	}
	return hits, nil
}

// QueryByMetadata scrolls through the rows whose payload matches f.
func (x *Index) QueryByMetadata(ctx context.Context, f MetadataFilter) ([]domain.Metadata, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.state != Loaded {
		return nil, fmt.Errorf("vectorindex: query: %w", domain.ErrNotLoaded)
	}

	var must []*pb.Condition
	if f.ProductID != "" {
		must = append(must, pb.NewMatchKeyword(keyProductID, f.ProductID))
	}
	page := uint32(256)
	if f.Limit > 0 && f.Limit < int(page) {
		page = uint32(f.Limit)
	}

	var (
		out    []domain.Metadata
		offset *pb.PointId
	)
	for {
		resp, err := x.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: x.opts.Collection,
			Filter:         &pb.Filter{Must: must},
			Offset:         offset,
			Limit:          pb.PtrOf(page),
			WithPayload:    pb.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("vectorindex: scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			out = append(out, metadataOf(p.GetPayload()))
			if f.Limit > 0 && len(out) >= f.Limit {
				return out, nil
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

// Exists reports whether a committed or staged row carries productID.
func (x *Index) Exists(ctx context.Context, productID string) (bool, error) {
	if x.isStaged(productID) {
		return true, nil
	}
	rows, err := x.QueryByMetadata(ctx, MetadataFilter{ProductID: productID, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (x *Index) checkDims(field string, v domain.Vector) error {
	if len(v) != x.opts.Dims {
		return domain.NewValidationError(field, fmt.Sprintf("%d dims, want %d", len(v), x.opts.Dims), domain.ErrInvalidInput)
	}
	return nil
}

func toPayload(fields map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(fields))
	for k, val := range fields {
		switch tv := val.(type) {
		case string:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case bool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return payload
}

func metadataOf(payload map[string]*pb.Value) domain.Metadata {
	var m domain.Metadata
	if v, ok := payload[keyProductID]; ok {
		m.ProductID = v.GetStringValue()
	}
	if v, ok := payload[keyCreatedAt]; ok {
		m.CreatedAt = time.UnixMilli(v.GetIntegerValue()).UTC()
	}
	return m
}
