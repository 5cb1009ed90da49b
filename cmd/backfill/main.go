// Command backfill captions catalog products that have an image but no
// caption yet. It scans the newest products, captions each missing one and
// writes the caption back with SetCaption. Vector rows are not touched; run
// a re-ingest to fold new captions into the text embeddings.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/WessleyAI/wessley-catalog/engine/app"
	"github.com/WessleyAI/wessley-catalog/engine/caption"
	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/config"
)

func main() {
	limit := flag.Int("limit", 1000, "newest products to scan")
	dryRun := flag.Bool("dry-run", false, "report missing captions without generating them")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.Log, os.Stdout)

	comps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("open", "err", err)
		os.Exit(1)
	}
	defer comps.Close()

	b := &backfiller{catalog: comps.Catalog, captioner: comps.Captioner, log: log, dryRun: *dryRun}
	res, err := b.run(ctx, *limit)
	if err != nil {
		log.Error("backfill failed", "err", err)
		os.Exit(1)
	}
	log.Info("done", "captioned", res.captioned, "skipped", res.skipped, "errors", res.errors, "missing", res.missing)
}

type catalogStore interface {
	Recent(ctx context.Context, limit int) ([]domain.Product, error)
	SetCaption(ctx context.Context, id, caption string) error
}

type captioner interface {
	Caption(ctx context.Context, ref caption.ImageRef) (string, error)
}

type backfiller struct {
	catalog   catalogStore
	captioner captioner
	log       *slog.Logger
	dryRun    bool
}

type result struct {
	missing, captioned, skipped, errors int
}

func (b *backfiller) run(ctx context.Context, limit int) (result, error) {
	products, err := b.catalog.Recent(ctx, limit)
	if err != nil {
		return result{}, err
	}

	var res result
	for _, p := range products {
		if p.Caption != "" || !p.HasImage() {
			res.skipped++
			continue
		}
		res.missing++
		if b.dryRun {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		text, err := b.captioner.Caption(ctx, caption.ImageRef{SourceID: p.SourceID, Ref: p.Image})
		if err != nil {
			b.log.Warn("caption failed", "source_id", p.SourceID, "err", err)
			res.errors++
			continue
		}
		if err := b.catalog.SetCaption(ctx, p.SourceID, text); err != nil {
			b.log.Warn("set caption failed", "source_id", p.SourceID, "err", err)
			res.errors++
			continue
		}
		res.captioned++
		if res.captioned%100 == 0 {
			b.log.Info("progress", "captioned", res.captioned, "errors", res.errors, "of", len(products))
		}
	}
	return res, nil
}
