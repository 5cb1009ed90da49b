package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/engine/ingest"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadProducts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "many.json", `[{"source_id":"1","name":"A"},{"source_id":"2","name":"B"}]`)
	writeFile(t, dir, "one.json", `{"source_id":"3","name":"C"}`)
	writeFile(t, dir, "bad.json", `{{`)

	ps, err := readProducts(filepath.Join(dir, "many.json"))
	if err != nil || len(ps) != 2 || ps[1].Name != "B" {
		t.Fatalf("many: %v %+v", err, ps)
	}
	ps, err = readProducts(filepath.Join(dir, "one.json"))
	if err != nil || len(ps) != 1 || ps[0].SourceID != "3" {
		t.Fatalf("one: %v %+v", err, ps)
	}
	if _, err := readProducts(filepath.Join(dir, "bad.json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWatcherScan(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, ".ingest-state.json")
	writeFile(t, dir, "ok.json", `[{"source_id":"1","name":"A"}]`)
	writeFile(t, dir, "partial.json", `[{"source_id":"2","name":"B"}]`)
	writeFile(t, dir, "notes.txt", `ignored`)

	calls := map[string]int{}
	batch := func(_ context.Context, ps []domain.Product) (ingest.Report, error) {
		id := ps[0].SourceID
		calls[id]++
		if id == "2" {
			return ingest.Report{Failed: map[string]string{"2": "embed failed"}}, nil
		}
		return ingest.Report{Stored: len(ps)}, nil
	}
	w := &watcher{
		dir: dir, stateFile: state, batch: batch,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		processed: loadState(state),
	}

	w.scan(context.Background())
	w.scan(context.Background())
	if calls["1"] != 1 {
		t.Fatalf("processed file should not be re-ingested, calls=%d", calls["1"])
	}
	if calls["2"] != 2 {
		t.Fatalf("file with failures should be retried, calls=%d", calls["2"])
	}

	saved := loadState(state)
	if len(saved) != 1 {
		t.Fatalf("state: %v", saved)
	}

	// A rewritten file has a new size and is ingested again.
	writeFile(t, dir, "ok.json", `[{"source_id":"1","name":"A longer name"}]`)
	w.scan(context.Background())
	if calls["1"] != 2 {
		t.Fatalf("rewritten file should be re-ingested, calls=%d", calls["1"])
	}
}

func TestWatcherBatchError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `[{"source_id":"1","name":"A"}]`)
	w := &watcher{
		dir: dir,
		batch: func(context.Context, []domain.Product) (ingest.Report, error) {
			return ingest.Report{}, errors.New("flush failed")
		},
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		processed: map[string]bool{},
	}
	w.scan(context.Background())
	if len(w.processed) != 0 {
		t.Fatal("failed batch must not be marked processed")
	}
}
