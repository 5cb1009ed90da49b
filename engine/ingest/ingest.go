// Package ingest provides the ingestion pipeline that takes catalog products
// through validation, captioning, expansion, embedding, and storage stages.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/wessley-catalog/engine/caption"
	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/fn"
	"github.com/WessleyAI/wessley-catalog/pkg/metrics"
	"github.com/WessleyAI/wessley-catalog/pkg/natsutil"
)

const (
	// Subject is the NATS subject for incoming products.
	Subject = "catalog.ingest"
	// DLQSubject is the dead letter queue subject for failed messages.
	DLQSubject = "catalog.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
)

// Catalog is the keyword store write side.
type Catalog interface {
	Upsert(ctx context.Context, p domain.Product) error
}

// VectorIndex is the vector store write side.
type VectorIndex interface {
	Insert(ctx context.Context, rec domain.EmbeddingRecord) error
	Flush(ctx context.Context) error
	Exists(ctx context.Context, productID string) (bool, error)
}

// Embedder produces text and image vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) (domain.Vector, error)
	EmbedImage(ctx context.Context, data []byte) (domain.Vector, error)
	Dims() int
}

// Captioner fetches and captions product images.
type Captioner interface {
	Fetch(ctx context.Context, ref caption.ImageRef) ([]byte, error)
	CaptionBytes(ctx context.Context, data []byte) (string, error)
}

// Expander enriches short product text.
type Expander interface {
	Eligible(text string) bool
	Expand(ctx context.Context, text string) (string, error)
	JoinFields(fields ...string) string
}

// IDGenerator assigns vector row ids.
type IDGenerator interface {
	Next() uint64
}

// Deps holds the external dependencies for the ingestion pipeline.
// Captioner and Expander are optional.
type Deps struct {
	Catalog   Catalog
	Index     VectorIndex
	Embedder  Embedder
	Captioner Captioner
	Expander  Expander
	IDs       IDGenerator
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	// Now stamps products without a creation time. Defaults to time.Now.
	Now func() time.Time
}

// Item is the value carried between stages.
type Item struct {
	Product     domain.Product
	Indexed     bool // already present in the vector index
	Image       []byte
	Text        string
	TextVector  domain.Vector
	ImageVector domain.Vector
}

// Outcome reports what happened to one product.
type Outcome struct {
	ProductID string `json:"product_id"`
	// Skipped is set when the product was already indexed; only its
	// catalog entry was refreshed.
	Skipped bool `json:"skipped"`
}

// --- Pipeline Stages ---

// Validate checks a product and stamps a missing creation time.
func Validate(now func() time.Time) fn.Stage[domain.Product, Item] {
	return func(_ context.Context, p domain.Product) fn.Result[Item] {
		if err := domain.ValidateProduct(p); err != nil {
			return fn.Err[Item](err)
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now().UTC()
		}
		return fn.Ok(Item{Product: p})
	}
}

// NewDedupe marks items whose product already has a vector row.
func NewDedupe(index VectorIndex) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		ok, err := index.Exists(ctx, it.Product.SourceID)
		if err != nil {
			return fn.Err[Item](fmt.Errorf("ingest: dedupe: %w", err))
		}
		it.Indexed = ok
		return fn.Ok(it)
	}
}

// NewCaption fetches the product image and captions it when the product has
// none. Both steps are enhancements: failures leave the fields empty.
func NewCaption(c Captioner, log *slog.Logger) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		if c == nil || it.Indexed || !it.Product.HasImage() {
			return fn.Ok(it)
		}
		p := it.Product
		data, err := c.Fetch(ctx, caption.ImageRef{SourceID: p.SourceID, Ref: p.Image})
		if err != nil {
			log.Warn("image fetch failed, continuing without", "source_id", p.SourceID, "err", err)
			return fn.Ok(it)
		}
		it.Image = data
		if p.Caption != "" {
			return fn.Ok(it)
		}
		text, err := c.CaptionBytes(ctx, data)
		if err != nil {
			log.Warn("caption failed, continuing without", "source_id", p.SourceID, "err", err)
			return fn.Ok(it)
		}
		it.Product.Caption = text
		return fn.Ok(it)
	}
}

// NewExpand builds the embedding text. Short text is rewritten by the
// expander; long text is embedded as-is.
func NewExpand(e Expander, log *slog.Logger) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		if it.Indexed {
			return fn.Ok(it)
		}
		p := it.Product
		if e == nil {
			it.Text = joinFields(p.Name, p.Category, p.Description, p.Caption)
			return fn.Ok(it)
		}
		it.Text = e.JoinFields(p.Name, p.Category, p.Description, p.Caption)
		if !e.Eligible(it.Text) {
			return fn.Ok(it)
		}
		out, err := e.Expand(ctx, it.Text)
		if err != nil {
			log.Warn("expansion failed, continuing without", "source_id", p.SourceID, "err", err)
			return fn.Ok(it)
		}
		it.Text = out
		return fn.Ok(it)
	}
}

// NewEmbed embeds text and image concurrently. A product without a usable
// image gets the zero image vector.
func NewEmbed(emb Embedder, log *slog.Logger) fn.Stage[Item, Item] {
	return func(ctx context.Context, it Item) fn.Result[Item] {
		if it.Indexed {
			return fn.Ok(it)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			v, err := emb.EmbedText(gctx, it.Text)
			if err != nil {
				return fmt.Errorf("ingest: embed text: %w", err)
			}
			it.TextVector = v
			return nil
		})
		it.ImageVector = domain.ZeroVector(emb.Dims())
		if len(it.Image) > 0 {
			g.Go(func() error {
				v, err := emb.EmbedImage(gctx, it.Image)
				if errors.Is(err, domain.ErrInvalidInput) {
					log.Warn("image embedding failed, continuing without", "source_id", it.Product.SourceID, "err", err)
					return nil
				}
				if err != nil {
					return fmt.Errorf("ingest: embed image: %w", err)
				}
				it.ImageVector = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fn.Err[Item](err)
		}
		return fn.Ok(it)
	}
}

// NewStore writes the catalog entry, then stages the vector row unless the
// product is already indexed. Rows reach the index on the next Flush.
func NewStore(cat Catalog, index VectorIndex, ids IDGenerator) fn.Stage[Item, Outcome] {
	return func(ctx context.Context, it Item) fn.Result[Outcome] {
		p := it.Product
		if err := cat.Upsert(ctx, p); err != nil {
			return fn.Err[Outcome](fmt.Errorf("ingest: catalog upsert: %w", err))
		}
		if it.Indexed {
			return fn.Ok(Outcome{ProductID: p.SourceID, Skipped: true})
		}
		rec := domain.EmbeddingRecord{
			ID:          ids.Next(),
			TextVector:  it.TextVector,
			ImageVector: it.ImageVector,
			Metadata:    domain.Metadata{ProductID: p.SourceID, CreatedAt: p.CreatedAt},
		}
		if err := index.Insert(ctx, rec); err != nil {
			return fn.Err[Outcome](fmt.Errorf("ingest: vector insert: %w", err))
		}
		return fn.Ok(Outcome{ProductID: p.SourceID})
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

func joinFields(fields ...string) string {
	var out string
	for _, f := range fields {
		if f == "" {
			continue
		}
		if out != "" {
			out += " | "
		}
		out += f
	}
	return out
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[domain.Product, Outcome] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	// Validate → Dedupe → Caption → Expand → Embed → Store
	validated := fn.TracedStage("ingest.validate", Validate(now))
	deduped := fn.Then(validated, fn.Then(LoggedTap[Item]("dedupe", log), fn.TracedStage("ingest.dedupe", NewDedupe(deps.Index))))
	enriched := fn.Then(deduped, fn.Pipeline(
		LoggedTap[Item]("caption", log),
		fn.TracedStage("ingest.caption", NewCaption(deps.Captioner, log)),
		LoggedTap[Item]("expand", log),
		fn.TracedStage("ingest.expand", NewExpand(deps.Expander, log)),
		LoggedTap[Item]("embed", log),
		fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder, log)),
		LoggedTap[Item]("store", log),
	))
	return fn.Then(enriched, fn.TracedStage("ingest.store", NewStore(deps.Catalog, deps.Index, deps.IDs)))
}

// Ingester runs products through the pipeline and flushes staged rows.
type Ingester struct {
	pipeline fn.Stage[domain.Product, Outcome]
	index    VectorIndex
	workers  int
	reg      *metrics.Registry
	log      *slog.Logger
}

// New creates an Ingester. workers bounds Batch concurrency.
func New(deps Deps, workers int) *Ingester {
	if workers <= 0 {
		workers = 1
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "ingest")
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Ingester{
		pipeline: NewPipeline(deps),
		index:    deps.Index,
		workers:  workers,
		reg:      deps.Metrics,
		log:      deps.Logger,
	}
}

func (in *Ingester) count(status string) {
	in.reg.Counter(metrics.WithLabels("ingest_products_total", "status", status), "Ingested products by outcome.").Inc()
}

// One runs a single product through the pipeline without flushing.
func (in *Ingester) One(ctx context.Context, p domain.Product) (Outcome, error) {
	out, err := in.pipeline(ctx, p).Unwrap()
	switch {
	case err != nil:
		in.count("failed")
	case out.Skipped:
		in.count("skipped")
	default:
		in.count("stored")
	}
	return out, err
}

// Report summarizes a Batch.
type Report struct {
	Stored  int               `json:"stored"`
	Skipped int               `json:"skipped"`
	Failed  map[string]string `json:"failed,omitempty"` // source id → error
}

// Batch ingests products on a bounded worker pool and flushes the index
// once at the end. A source id repeated within the batch is ingested once,
// from its first occurrence; the repeats count as skipped. Per-product
// failures are collected in the report; the returned error is a pool or
// flush failure.
func (in *Ingester) Batch(ctx context.Context, products []domain.Product) (Report, error) {
	rep := Report{Failed: map[string]string{}}
	unique := fn.UniqueBy(products, batchKey())
	if dup := len(products) - len(unique); dup > 0 {
		rep.Skipped += dup
		in.log.Warn("duplicate products in batch", "count", dup)
		for range dup {
			in.count("skipped")
		}
		products = unique
	}
	pool, err := ants.NewPool(in.workers)
	if err != nil {
		return rep, fmt.Errorf("ingest: pool: %w", err)
	}
	defer pool.Release()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, p := range products {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			out, err := in.One(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				key := p.SourceID
				if key == "" {
					key = fmt.Sprintf("#%d", i)
				}
				rep.Failed[key] = err.Error()
				in.log.Warn("product failed", "source_id", p.SourceID, "err", err)
			case out.Skipped:
				rep.Skipped++
			default:
				rep.Stored++
			}
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return rep, fmt.Errorf("ingest: submit: %w", err)
		}
	}
	wg.Wait()

	if err := in.index.Flush(ctx); err != nil {
		return rep, fmt.Errorf("ingest: flush: %w", err)
	}
	in.log.Info("batch ingested", "stored", rep.Stored, "skipped", rep.Skipped, "failed", len(rep.Failed))
	return rep, nil
}

// batchKey keys products by source id. Products without one get distinct
// keys so validation reports each of them.
func batchKey() func(domain.Product) string {
	n := 0
	return func(p domain.Product) string {
		if id := strings.TrimSpace(p.SourceID); id != "" {
			return id
		}
		n++
		return "\x00" + strconv.Itoa(n)
	}
}

// Handle ingests one product and flushes it. It is the NATS message handler.
func (in *Ingester) Handle(ctx context.Context, p domain.Product) error {
	out, err := in.One(ctx, p)
	if err != nil {
		return err
	}
	if err := in.index.Flush(ctx); err != nil {
		return fmt.Errorf("ingest: flush: %w", err)
	}
	in.log.Info("ingest: success", "source_id", out.ProductID, "skipped", out.Skipped)
	return nil
}

// StartConsumer subscribes to Subject and ingests each product with retry
// and DLQ support.
func (in *Ingester) StartConsumer(nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.Consume(nc, Subject, natsutil.ConsumerOpts{
		MaxRetries: MaxRetries,
		DLQSubject: DLQSubject,
		Logger:     in.log,
	}, in.Handle)
}

// DecodeProducts accepts a JSON array of products or a single product.
func DecodeProducts(data []byte) ([]domain.Product, error) {
	var products []domain.Product
	if err := json.Unmarshal(data, &products); err == nil {
		return products, nil
	}
	var one domain.Product
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("ingest: decode products: %w", err)
	}
	return []domain.Product{one}, nil
}

// PublishProduct queues p for ingestion.
func PublishProduct(ctx context.Context, p natsutil.Publisher, product domain.Product) error {
	return natsutil.Publish(ctx, p, Subject, product)
}
