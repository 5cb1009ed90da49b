// Package app wires the engine components from a config.Config. The api,
// ingest and catalogctl binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-catalog/engine/caption"
	"github.com/WessleyAI/wessley-catalog/engine/catalog"
	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/engine/embed"
	"github.com/WessleyAI/wessley-catalog/engine/expand"
	"github.com/WessleyAI/wessley-catalog/engine/ingest"
	"github.com/WessleyAI/wessley-catalog/engine/llm"
	"github.com/WessleyAI/wessley-catalog/engine/search"
	"github.com/WessleyAI/wessley-catalog/engine/vectorindex"
	"github.com/WessleyAI/wessley-catalog/pkg/config"
	"github.com/WessleyAI/wessley-catalog/pkg/fn"
	"github.com/WessleyAI/wessley-catalog/pkg/metrics"
	"github.com/WessleyAI/wessley-catalog/pkg/ollama"
)

// NewLogger builds the process logger from cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Components holds the wired engine.
type Components struct {
	Catalog   catalog.Store
	Index     *vectorindex.Index
	Embedder  *embed.Provider
	Models    *llm.Supervisor
	Captioner *caption.Generator
	Expander  *expand.Expander
	Metrics   *metrics.Registry

	// WarmRetry paces Warm while Qdrant or the model server come up.
	// The zero value makes a single attempt.
	WarmRetry fn.RetryOpts

	closers []func() error
}

// Close releases every opened connection.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// Open builds the storage clients and models. The vector collection is
// ensured and the embedding model warmed; failures of either are returned
// so the caller decides whether to start degraded.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	c, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	oc := ollama.New(cfg.Ollama.URL, nil)
	backend, err := EmbedBackend(cfg, oc)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Embedder = embed.New(backend, embed.Options{Dims: cfg.Embed.Dims, ImageSide: cfg.Embed.ImageSide}, logger)

	providers, err := Providers(cfg, oc, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Models = llm.NewSupervisor(providers, llm.SupervisorOpts{
		RatePerSec: cfg.LLM.RatePerSec,
		Burst:      cfg.LLM.Burst,
		Breaker:    llm.DefaultSupervisorOpts().Breaker,
	}, logger)
	c.Captioner = caption.New(c.Models, nil, caption.Options{
		CacheDir:         cfg.Caption.CacheDir,
		MaxDownloadBytes: cfg.Caption.MaxDownloadBytes,
		ImageSide:        cfg.Embed.ImageSide,
		ImageRoot:        cfg.Caption.ImageRoot,
	}, logger)
	c.Expander = expand.New(c.Models, expand.Options{MaxInputLen: cfg.Expand.MaxInputLen, Separator: cfg.Expand.Separator}, logger)
	return c, nil
}

// OpenStores opens the catalog and the vector index only.
func OpenStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{Metrics: metrics.New(), WarmRetry: fn.StartupRetry}

	store, err := OpenCatalog(ctx, cfg.Catalog)
	if err != nil {
		return nil, err
	}
	c.Catalog = store
	c.closers = append(c.closers, store.Close)

	idx, err := vectorindex.New(cfg.Qdrant.Addr, vectorindex.Options{
		Collection: cfg.Qdrant.Collection,
		Dims:       cfg.Embed.Dims,
	}, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Index = idx
	c.closers = append(c.closers, idx.Close)
	return c, nil
}

// OpenCatalog opens the configured keyword store.
func OpenCatalog(ctx context.Context, cfg config.CatalogConfig) (catalog.Store, error) {
	switch cfg.Driver {
	case "neo4j":
		g, err := catalog.OpenGraph(ctx, cfg.Neo4jURL, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, err
		}
		if err := g.EnsureSchema(ctx); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	case "sqlite", "":
		return catalog.OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("app: unknown catalog driver %q", cfg.Driver)
	}
}

// EmbedBackend routes text and image embedding to the configured backends.
func EmbedBackend(cfg config.Config, oc *ollama.Client) (embed.Router, error) {
	var r embed.Router
	pick := func(name, model string) (embed.Backend, error) {
		switch name {
		case "ollama":
			return embed.NewOllamaBackend(oc, model), nil
		case "openai":
			return embed.NewOpenAIBackend(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, model)
		case "", "none":
			return nil, nil
		default:
			return nil, fmt.Errorf("app: unknown embed backend %q", name)
		}
	}
	var err error
	if r.Text, err = pick(cfg.Embed.TextBackend, cfg.Embed.TextModel); err != nil {
		return r, err
	}
	if r.Text == nil {
		return r, errors.New("app: a text embedding backend is required")
	}
	if r.Image, err = pick(cfg.Embed.ImageBackend, cfg.Embed.ImageModel); err != nil {
		return r, err
	}
	return r, nil
}

// Providers builds the LLM providers in configured preference order.
func Providers(cfg config.Config, oc *ollama.Client, logger *slog.Logger) ([]llm.Provider, error) {
	var out []llm.Provider
	for _, name := range cfg.LLM.Providers {
		switch name {
		case "ollama":
			out = append(out, llm.NewOllamaProvider(oc, cfg.LLM.OllamaModel, cfg.LLM.Temperature))
		case "openai":
			p, err := llm.NewOpenAIProvider(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.LLM.OpenAIModel, cfg.LLM.Temperature)
			if err != nil {
				logger.Warn("llm provider unavailable, continuing without", "provider", name, "err", err)
				continue
			}
			out = append(out, p)
		default:
			return nil, fmt.Errorf("app: unknown llm provider %q", name)
		}
	}
	return out, nil
}

// Warm ensures the vector collection and initializes the embedding model,
// retrying each per c.WarmRetry. Both are attempted; their errors are joined.
// A model that is already ready is not initialized again.
func (c *Components) Warm(ctx context.Context, logger *slog.Logger) error {
	return c.warm(ctx, logger, c.WarmRetry)
}

// KeepWarm repeats a single warm-up attempt every interval until one
// succeeds or ctx is done. The api runs it when the startup Warm fails so
// the semantic branches come back once Qdrant and the model server do.
func (c *Components) KeepWarm(ctx context.Context, logger *slog.Logger, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRewarmInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		err := c.warm(ctx, logger, fn.RetryOpts{})
		if err == nil {
			logger.Info("warm-up complete, semantic search available", "attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !transient(err) {
			logger.Error("warm-up cannot succeed, giving up", "err", err)
			return err
		}
		logger.Warn("warm-up still incomplete", "attempt", attempt, "err", err)
	}
}

// DefaultRewarmInterval paces KeepWarm when no interval is configured.
const DefaultRewarmInterval = 30 * time.Second

// transient reports whether a warm-up failure may clear on its own.
func transient(err error) bool {
	return !errors.Is(err, domain.ErrInvalidInput) && !errors.Is(err, embed.ErrDimensionMismatch)
}

func (c *Components) warm(ctx context.Context, logger *slog.Logger, opts fn.RetryOpts) error {
	opts.Retryable = transient
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("warm-up failed, retrying", "attempt", attempt, "wait", wait, "err", err)
	}

	var errs []error
	r := fn.Retry(ctx, opts, fn.Lift(c.Index.EnsureCollection))
	if stats, err := r.Unwrap(); err != nil {
		errs = append(errs, err)
	} else {
		logger.Info("vector collection loaded", "collection", c.Index.Collection(), "rows", stats.Rows)
		if c.Metrics != nil {
			c.Metrics.Gauge("vector_index_rows", "Rows in the vector collection at warm-up.").Set(int64(stats.Rows))
		}
	}
	if c.Embedder != nil && !c.Embedder.Ready() {
		if _, err := fn.Retry(ctx, opts, fn.Attempt(c.Embedder.Init)).Unwrap(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SearchOptions maps cfg onto the orchestrator options.
func SearchOptions(cfg config.SearchConfig) search.Options {
	o := search.DefaultOptions()
	o.DefaultLimit = cfg.DefaultLimit
	o.MaxLimit = cfg.MaxLimit
	o.ProbeWidth = cfg.ProbeWidth
	o.MaxImageBytes = cfg.MaxImageBytes
	o.ImageScoreWeight = float32(cfg.ImageScoreWeight)
	o.FallbackQuery = cfg.FallbackQuery
	o.RequestTimeout = cfg.RequestTimeout
	o.TempDir = cfg.TempDir
	return o
}

// Search builds the orchestrator over c.
func (c *Components) Search(cfg config.SearchConfig, logger *slog.Logger) *search.Service {
	return search.New(c.Catalog, c.Index, c.Embedder, c.Captioner, SearchOptions(cfg), c.Metrics, logger)
}

// Ingester builds the ingestion pipeline over c.
func (c *Components) Ingester(workers int, logger *slog.Logger) *ingest.Ingester {
	return ingest.New(ingest.Deps{
		Catalog:   c.Catalog,
		Index:     c.Index,
		Embedder:  c.Embedder,
		Captioner: c.Captioner,
		Expander:  c.Expander,
		IDs:       vectorindex.NewIDGenerator(),
		Metrics:   c.Metrics,
		Logger:    logger,
	}, workers)
}
