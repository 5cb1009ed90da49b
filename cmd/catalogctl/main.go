// Command catalogctl administers the product catalog and its vector
// collection, and runs ad-hoc searches.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"

	"github.com/WessleyAI/wessley-catalog/engine/app"
	"github.com/WessleyAI/wessley-catalog/engine/ingest"
	"github.com/WessleyAI/wessley-catalog/pkg/config"
)

func main() {
	rt := &runtime{open: app.Open, stores: app.OpenStores}
	if err := newApp(rt).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// opener builds the engine; tests replace it.
type opener func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.Components, error)

type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	open   opener
	stores opener
}

func newApp(rt *runtime) *cli.App {
	return &cli.App{
		Name:  "catalogctl",
		Usage: "Administer the product catalog and vector collection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file (defaults to $" + config.PathEnv + ")",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
		},
		Before: rt.setup,
		Commands: []*cli.Command{
			{
				Name:   "ensure",
				Usage:  "Create or load the vector collection",
				Action: rt.ensure,
			},
			{
				Name:   "stats",
				Usage:  "Print catalog and vector collection sizes",
				Action: rt.stats,
			},
			{
				Name:   "drop",
				Usage:  "Delete the vector collection",
				Action: rt.drop,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "Confirm the deletion"},
				},
			},
			{
				Name:   "ingest",
				Usage:  "Ingest products from a JSON file",
				Action: rt.ingest,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "JSON array of products, or a single product",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent products (defaults to ingest.workers)",
					},
					&cli.BoolFlag{
						Name:  "publish",
						Usage: "Queue the products on NATS instead of ingesting in-process",
					},
				},
			},
			{
				Name:  "search",
				Usage: "Run a search",
				Subcommands: []*cli.Command{
					{
						Name:      "text",
						Usage:     "Search by text",
						ArgsUsage: "QUERY",
						Action:    rt.searchText,
						Flags:     []cli.Flag{&cli.IntFlag{Name: "limit", Aliases: []string{"n"}}},
					},
					{
						Name:   "image",
						Usage:  "Search by image",
						Action: rt.searchImage,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true},
							&cli.IntFlag{Name: "limit", Aliases: []string{"n"}},
						},
					},
				},
			},
		},
	}
}

func (rt *runtime) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	cfg.Log.Format = "text"
	rt.cfg = cfg
	rt.logger = app.NewLogger(cfg.Log, c.App.ErrWriter)
	slog.SetDefault(rt.logger)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (rt *runtime) ensure(c *cli.Context) error {
	comps, err := rt.stores(c.Context, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	stats, err := comps.Index.EnsureCollection(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, map[string]any{
		"collection": comps.Index.Collection(),
		"dims":       comps.Index.Dims(),
		"rows":       stats.Rows,
	})
}

func (rt *runtime) stats(c *cli.Context) error {
	comps, err := rt.stores(c.Context, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	products, err := comps.Catalog.Count(c.Context)
	if err != nil {
		return err
	}
	stats, err := comps.Index.EnsureCollection(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, map[string]any{
		"catalog_driver": rt.cfg.Catalog.Driver,
		"products":       products,
		"collection":     comps.Index.Collection(),
		"vectors":        stats.Rows,
	})
}

func (rt *runtime) drop(c *cli.Context) error {
	if !c.Bool("yes") {
		return errors.New("refusing to drop the collection without --yes")
	}
	comps, err := rt.stores(c.Context, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	if err := comps.Index.Drop(c.Context); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "dropped %s\n", comps.Index.Collection())
	return nil
}

func (rt *runtime) ingest(c *cli.Context) error {
	data, err := os.ReadFile(c.String("file"))
	if err != nil {
		return err
	}
	products, err := ingest.DecodeProducts(data)
	if err != nil {
		return err
	}

	if c.Bool("publish") {
		nc, err := nats.Connect(rt.cfg.Ingest.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		for _, p := range products {
			if err := ingest.PublishProduct(c.Context, nc, p); err != nil {
				return err
			}
		}
		if err := nc.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "queued %d products on %s\n", len(products), ingest.Subject)
		return nil
	}

	comps, err := rt.open(c.Context, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	if err := comps.Warm(c.Context, rt.logger); err != nil {
		return err
	}
	workers := c.Int("workers")
	if workers <= 0 {
		workers = rt.cfg.Ingest.Workers
	}
	rep, err := comps.Ingester(workers, rt.logger).Batch(c.Context, products)
	if perr := printJSON(c.App.Writer, rep); err == nil {
		err = perr
	}
	return err
}

func (rt *runtime) searchService(c *cli.Context) (*app.Components, error) {
	comps, err := rt.open(c.Context, rt.cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	if err := comps.Warm(c.Context, rt.logger); err != nil {
		rt.logger.Warn("warm-up incomplete, continuing degraded", "err", err)
	}
	return comps, nil
}

func (rt *runtime) searchText(c *cli.Context) error {
	comps, err := rt.searchService(c)
	if err != nil {
		return err
	}
	defer comps.Close()
	resp, err := comps.Search(rt.cfg.Search, rt.logger).SearchText(c.Context, c.Args().First(), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, resp)
}

func (rt *runtime) searchImage(c *cli.Context) error {
	data, err := os.ReadFile(c.String("file"))
	if err != nil {
		return err
	}
	comps, err := rt.searchService(c)
	if err != nil {
		return err
	}
	defer comps.Close()
	resp, err := comps.Search(rt.cfg.Search, rt.logger).SearchImage(c.Context, data, c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, resp)
}
