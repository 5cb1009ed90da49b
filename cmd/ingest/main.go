// Command ingest consumes products from NATS and, optionally, watches a
// directory for JSON product files, running both through the ingestion
// pipeline into the catalog and the vector index.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-catalog/engine/app"
	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/engine/ingest"
	"github.com/WessleyAI/wessley-catalog/pkg/config"
)

func main() {
	var (
		dataDir   = flag.String("dir", "", "directory to watch for JSON product files (disabled when empty)")
		interval  = flag.Duration("interval", 30*time.Second, "directory scan interval")
		stateFile = flag.String("state", "", "processed files state (default <dir>/.ingest-state.json)")
		noNATS    = flag.Bool("no-nats", false, "do not subscribe to NATS")
	)
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(log)

	if *stateFile == "" && *dataDir != "" {
		*stateFile = filepath.Join(*dataDir, ".ingest-state.json")
	}
	if err := run(cfg, log, *dataDir, *stateFile, *interval, !*noNATS); err != nil {
		log.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger, dataDir, stateFile string, interval time.Duration, useNATS bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comps.Close()

	// Ingestion cannot run without a loaded collection and a warm embedder.
	if err := comps.Warm(ctx, log); err != nil {
		return err
	}
	comps.Metrics.ServeAsync(ctx, cfg.Server.MetricsAddr, log)
	in := comps.Ingester(cfg.Ingest.Workers, log)

	if useNATS {
		nc, err := nats.Connect(cfg.Ingest.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		sub, err := in.StartConsumer(nc)
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
		log.Info("consuming products", "subject", ingest.Subject, "nats", cfg.Ingest.NATSURL)
	}

	if dataDir == "" {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	w := &watcher{dir: dataDir, stateFile: stateFile, batch: in.Batch, log: log, processed: loadState(stateFile)}
	log.Info("watching for product files", "dir", dataDir, "interval", interval)

	w.scan(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

type batchFunc func(ctx context.Context, products []domain.Product) (ingest.Report, error)

type watcher struct {
	dir       string
	stateFile string
	batch     batchFunc
	log       *slog.Logger
	processed map[string]bool
}

// scan ingests every unprocessed .json file in dir. A file is keyed by name
// and size, so a rewritten file is picked up again.
func (w *watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Error("readdir failed", "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", e.Name(), info.Size())
		if w.processed[key] {
			continue
		}

		products, err := readProducts(filepath.Join(w.dir, e.Name()))
		if err != nil {
			w.log.Error("file unreadable", "file", e.Name(), "err", err)
			continue
		}
		rep, err := w.batch(ctx, products)
		if err != nil {
			w.log.Warn("file failed, will retry on next scan", "file", e.Name(), "err", err)
			continue
		}
		w.log.Info("file done", "file", e.Name(), "stored", rep.Stored, "skipped", rep.Skipped, "failed", len(rep.Failed))

		// Only mark as processed when every product made it, so failures retry.
		if len(rep.Failed) == 0 {
			w.processed[key] = true
			saveState(w.stateFile, w.processed)
		}
	}
}

func readProducts(path string) ([]domain.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ingest.DecodeProducts(data)
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	if path == "" {
		return m
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	_ = json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) {
	if path == "" {
		return
	}
	data, _ := json.Marshal(m)
	_ = os.WriteFile(path, data, 0o644)
}
