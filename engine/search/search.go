// Package search is the retrieval orchestrator. A text query runs exact
// keyword matching and vector similarity search concurrently and merges them;
// an uploaded image is captioned and embedded, then searched visually and
// through the text path with its caption. Failing signals degrade the result
// instead of failing the request whenever at least one signal survives.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/engine/vectorindex"
	"github.com/WessleyAI/wessley-catalog/pkg/fn"
	"github.com/WessleyAI/wessley-catalog/pkg/imageutil"
	"github.com/WessleyAI/wessley-catalog/pkg/metrics"
	"github.com/WessleyAI/wessley-catalog/pkg/resilience"
	"github.com/WessleyAI/wessley-catalog/pkg/tempfile"
)

// Catalog is the keyword store.
type Catalog interface {
	MatchSubstring(ctx context.Context, term string, limit int) ([]domain.Product, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	Recent(ctx context.Context, limit int) ([]domain.Product, error)
}

// VectorIndex is the similarity search backend.
type VectorIndex interface {
	Search(ctx context.Context, vec domain.Vector, field vectorindex.Field, limit, probeWidth int) ([]domain.SearchHit, error)
	Ping(ctx context.Context) error
}

// Embedder turns queries and uploads into vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) (domain.Vector, error)
	EmbedImage(ctx context.Context, data []byte) (domain.Vector, error)
}

// Captioner describes an image in one sentence.
type Captioner interface {
	CaptionFile(ctx context.Context, path string) (string, error)
}

// Options configures the orchestrator.
type Options struct {
	DefaultLimit     int
	MaxLimit         int
	ProbeWidth       int
	MaxImageBytes    int64
	ImageScoreWeight float32
	FallbackQuery    string
	RequestTimeout   time.Duration
	TempDir          string
	Breaker          resilience.BreakerOpts
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	b := resilience.DefaultBreakerOpts
	b.Name = "vectorindex"
	return Options{
		DefaultLimit:     10,
		MaxLimit:         100,
		ProbeWidth:       64,
		MaxImageBytes:    2 << 20,
		ImageScoreWeight: 0.9,
		FallbackQuery:    "product",
		RequestTimeout:   10 * time.Second,
		Breaker:          b,
	}
}

// Service is the retrieval orchestrator. It holds no per-request state and
// is safe for concurrent use.
type Service struct {
	catalog   Catalog
	index     VectorIndex
	embed     Embedder
	captioner Captioner
	breaker   *resilience.Breaker
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	m         serviceMetrics
}

type serviceMetrics struct {
	reg *metrics.Registry
}

func (m serviceMetrics) request(path string) {
	m.reg.Counter(metrics.WithLabels("search_requests_total", "path", path), "Search requests by path.").Inc()
}

func (m serviceMetrics) degraded(path string) {
	m.reg.Counter(metrics.WithLabels("search_degraded_total", "path", path), "Searches answered without every signal.").Inc()
}

func (m serviceMetrics) fallback() {
	m.reg.Counter("search_fallback_total", "Image searches answered by the fallback query.").Inc()
}

func (m serviceMetrics) branchFailed(branch string) {
	m.reg.Counter(metrics.WithLabels("search_branch_failures_total", "branch", branch), "Failed retrieval branches.").Inc()
}

func (m serviceMetrics) latency(path string, start time.Time) {
	m.reg.Histogram(metrics.WithLabels("search_duration_seconds", "path", path), "Search latency.", nil).Since(start)
}

// New creates a Service. reg may be nil.
func New(catalog Catalog, index VectorIndex, embedder Embedder, captioner Captioner, opts Options, reg *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	logger = logger.With("component", "search")
	bopts := opts.Breaker
	if bopts.FailThreshold <= 0 {
		bopts = DefaultOptions().Breaker
	}
	prev := bopts.OnStateChange
	bopts.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("breaker state change", "dependency", name, "from", from, "to", to)
		if prev != nil {
			prev(name, from, to)
		}
	}
	return &Service{
		catalog:   catalog,
		index:     index,
		embed:     embedder,
		captioner: captioner,
		breaker:   resilience.NewBreaker(bopts),
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("engine/search"),
		m:         serviceMetrics{reg: reg},
	}
}

// candidate is one product proposed by a retrieval branch.
type candidate struct {
	product domain.Product
	match   domain.MatchType
	score   float32
}

// textOutcome is the product of the text path before truncation.
type textOutcome struct {
	cands    []candidate
	degraded bool
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// SearchText answers a text query. A blank query returns the most recent
// products as a listing.
func (s *Service) SearchText(ctx context.Context, query string, limit int) (*domain.Response, error) {
	start := time.Now()
	defer s.m.latency("text", start)
	s.m.request("text")

	ctx, span := s.tracer.Start(ctx, "search.text", trace.WithAttributes(
		attribute.Int("search.query_len", len(query)),
	))
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit = domain.ValidateLimit(limit, s.opts.DefaultLimit, s.opts.MaxLimit)
	resp, err := s.searchText(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.Degraded {
		s.m.degraded("text")
	}
	span.SetAttributes(attribute.Int("search.results", resp.Count), attribute.Bool("search.degraded", resp.Degraded))
	return resp, nil
}

func (s *Service) searchText(ctx context.Context, query string, limit int) (*domain.Response, error) {
	q := trimQuery(query)
	if q == "" {
		products, err := s.catalog.Recent(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("search: recent: %w: %w", domain.ErrDependencyUnavailable, err)
		}
		cands := fn.Map(products, func(p domain.Product) candidate {
			return candidate{product: p, match: domain.MatchExact}
		})
		return respond("", merge(limit, cands), false, false, true), nil
	}

	out, err := s.textPath(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return respond(q, merge(limit, out.cands), out.degraded, false, false), nil
}

// textPath runs the exact and semantic branches concurrently. It fails only
// when both branches fail.
func (s *Service) textPath(ctx context.Context, query string, limit int) (textOutcome, error) {
	results := fn.FanOutCtx(ctx,
		func(ctx context.Context) fn.Result[[]candidate] { return s.exactBranch(ctx, query, limit) },
		func(ctx context.Context) fn.Result[[]candidate] { return s.semanticBranch(ctx, query, limit) },
	)
	exact, exactErr := results[0].Unwrap()
	semantic, semErr := results[1].Unwrap()

	if exactErr != nil && semErr != nil {
		s.logger.Error("all text branches failed", "exact_err", exactErr, "semantic_err", semErr)
		return textOutcome{}, fmt.Errorf("search: text: %w: %w", domain.ErrDependencyUnavailable, errors.Join(exactErr, semErr))
	}

	var out textOutcome
	if exactErr != nil {
		s.m.branchFailed("exact")
		s.logger.Warn("exact branch failed, continuing without", "err", exactErr)
		out.degraded = true
	}
	if semErr != nil {
		s.m.branchFailed("semantic")
		s.logger.Warn("semantic branch failed, continuing without", "err", semErr)
		out.degraded = true
	}
	out.cands = append(semantic, exact...)
	return out, nil
}

func (s *Service) exactBranch(ctx context.Context, query string, limit int) fn.Result[[]candidate] {
	products, err := s.catalog.MatchSubstring(ctx, query, limit)
	if err != nil {
		return fn.Err[[]candidate](fmt.Errorf("search: exact: %w", err))
	}
	return fn.Ok(fn.Map(products, func(p domain.Product) candidate {
		return candidate{product: p, match: domain.MatchExact}
	}))
}

func (s *Service) semanticBranch(ctx context.Context, query string, limit int) fn.Result[[]candidate] {
	if err := s.breaker.Call(ctx, s.index.Ping); err != nil {
		return fn.Err[[]candidate](fmt.Errorf("search: semantic: vector index: %w", err))
	}
	vec, err := s.embed.EmbedText(ctx, query)
	if err != nil {
		return fn.Err[[]candidate](fmt.Errorf("search: semantic: embed: %w", err))
	}
	return s.vectorBranch(ctx, vec, vectorindex.FieldText, domain.MatchSemantic, limit)
}

// vectorBranch searches one vector field through the breaker and resolves
// the hits against the catalog. Ids the catalog does not know are dropped.
func (s *Service) vectorBranch(ctx context.Context, vec domain.Vector, field vectorindex.Field, match domain.MatchType, limit int) fn.Result[[]candidate] {
	hits, err := resilience.CallResult(s.breaker, ctx, func(ctx context.Context) fn.Result[[]domain.SearchHit] {
		return fn.FromPair(s.index.Search(ctx, vec, field, 2*limit, s.opts.ProbeWidth))
	}).Unwrap()
	if err != nil {
		return fn.Err[[]candidate](fmt.Errorf("search: %s: %w", field, err))
	}
	if len(hits) == 0 {
		return fn.Ok[[]candidate](nil)
	}

	hits = fn.UniqueBy(hits, func(h domain.SearchHit) string { return h.ProductID })
	products, err := s.catalog.GetByIDs(ctx, fn.Map(hits, func(h domain.SearchHit) string { return h.ProductID }))
	if err != nil {
		return fn.Err[[]candidate](fmt.Errorf("search: %s: resolve: %w", field, err))
	}

	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		p, ok := products[h.ProductID]
		if !ok {
			s.logger.Debug("hit not in catalog", "product_id", h.ProductID, "field", field)
			continue
		}
		out = append(out, candidate{product: p, match: match, score: h.Score})
	}
	return fn.Ok(out)
}

// imageSignals are the outputs of the first image stage.
type imageSignals struct {
	caption string
	vector  domain.Vector
}

// SearchImage answers an uploaded image. Oversized or undecodable uploads
// are rejected before any dependency is called.
func (s *Service) SearchImage(ctx context.Context, data []byte, limit int) (*domain.Response, error) {
	start := time.Now()
	defer s.m.latency("image", start)
	s.m.request("image")

	ctx, span := s.tracer.Start(ctx, "search.image", trace.WithAttributes(
		attribute.Int("search.image_bytes", len(data)),
	))
	defer span.End()

	if err := s.validateImage(data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit = domain.ValidateLimit(limit, s.opts.DefaultLimit, s.opts.MaxLimit)
	resp, err := tempfile.With(s.opts.TempDir, "upload-*.img", data, func(f tempfile.File) (*domain.Response, error) {
		return s.searchImage(ctx, f, limit)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.Degraded {
		s.m.degraded("image")
	}
	if resp.FallbackUsed {
		s.m.fallback()
	}
	span.SetAttributes(
		attribute.Int("search.results", resp.Count),
		attribute.Bool("search.degraded", resp.Degraded),
		attribute.Bool("search.fallback", resp.FallbackUsed),
	)
	return resp, nil
}

func (s *Service) validateImage(data []byte) error {
	if err := domain.ValidateImage(data, s.opts.MaxImageBytes); err != nil {
		return err
	}
	if _, err := imageutil.Inspect(data); err != nil {
		return domain.NewValidationError("image", err.Error(), domain.ErrInvalidInput)
	}
	return nil
}

func (s *Service) searchImage(ctx context.Context, f tempfile.File, limit int) (*domain.Response, error) {
	// Stage one: describe and embed the upload.
	stage1 := fn.FanOutCtx(ctx,
		func(ctx context.Context) fn.Result[imageSignals] {
			text, err := s.captioner.CaptionFile(ctx, f.Path)
			if err != nil {
				return fn.Err[imageSignals](err)
			}
			return fn.Ok(imageSignals{caption: text})
		},
		func(ctx context.Context) fn.Result[imageSignals] {
			vec, err := s.embed.EmbedImage(ctx, f.Data)
			if err != nil {
				return fn.Err[imageSignals](err)
			}
			return fn.Ok(imageSignals{vector: vec})
		},
	)

	degraded := false
	capSig, capErr := stage1[0].Unwrap()
	if capErr != nil {
		s.m.branchFailed("caption")
		s.logger.Warn("caption failed, continuing without", "err", capErr)
		degraded = true
	}
	vecSig, vecErr := stage1[1].Unwrap()
	if vecErr != nil {
		s.m.branchFailed("image_embed")
		s.logger.Warn("image embedding failed, continuing without", "err", vecErr)
		degraded = true
	}

	// Stage two: visual search and the text path over the caption.
	var branches []func(context.Context) fn.Result[textOutcome]
	if vecErr == nil && !vecSig.vector.IsZero() {
		branches = append(branches, func(ctx context.Context) fn.Result[textOutcome] {
			cands, err := s.vectorBranch(ctx, vecSig.vector, vectorindex.FieldImage, domain.MatchVisual, limit).Unwrap()
			if err != nil {
				return fn.Err[textOutcome](err)
			}
			for i := range cands {
				cands[i].score *= s.opts.ImageScoreWeight
			}
			return fn.Ok(textOutcome{cands: cands})
		})
	}
	if capErr == nil && trimQuery(capSig.caption) != "" {
		branches = append(branches, func(ctx context.Context) fn.Result[textOutcome] {
			return fn.FromPair(s.textPath(ctx, capSig.caption, limit))
		})
	}

	var cands []candidate
	for _, r := range fn.FanOutCtx(ctx, branches...) {
		out, err := r.Unwrap()
		if err != nil {
			s.m.branchFailed("image_stage")
			s.logger.Warn("image search branch failed, continuing without", "err", err)
			degraded = true
			continue
		}
		degraded = degraded || out.degraded
		cands = append(cands, out.cands...)
	}

	results := merge(limit, cands)
	if len(results) > 0 {
		return respond(capSig.caption, results, degraded, false, false), nil
	}
	if ctx.Err() != nil {
		s.logger.Warn("image search timed out before fallback", "err", ctx.Err())
		return respond(capSig.caption, nil, true, false, false), nil
	}

	fallback, err := s.textPath(ctx, s.opts.FallbackQuery, limit)
	if err != nil {
		return nil, err
	}
	return respond(s.opts.FallbackQuery, merge(limit, fallback.cands), degraded || fallback.degraded, true, false), nil
}
