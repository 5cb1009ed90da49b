package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/WessleyAI/wessley-catalog/engine/caption"
	"github.com/WessleyAI/wessley-catalog/engine/domain"
)

type memCatalog struct {
	products []domain.Product
	captions map[string]string
	setErr   error
}

func (m *memCatalog) Recent(_ context.Context, limit int) ([]domain.Product, error) {
	if limit < len(m.products) {
		return m.products[:limit], nil
	}
	return m.products, nil
}

func (m *memCatalog) SetCaption(_ context.Context, id, text string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.captions[id] = text
	return nil
}

type stubCaptioner struct {
	fail  map[string]bool
	calls int
}

func (s *stubCaptioner) Caption(_ context.Context, ref caption.ImageRef) (string, error) {
	s.calls++
	if s.fail[ref.SourceID] {
		return "", domain.ErrCaptionUnavailable
	}
	return "Caption for " + ref.SourceID + ".", nil
}

func fixture() *memCatalog {
	return &memCatalog{
		captions: map[string]string{},
		products: []domain.Product{
			{SourceID: "1", Name: "A", Image: "a.jpg"},
			{SourceID: "2", Name: "B", Image: "b.jpg", Caption: "Already there."},
			{SourceID: "3", Name: "C"},
			{SourceID: "4", Name: "D", Image: "d.jpg"},
		},
	}
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBackfillCaptionsMissing(t *testing.T) {
	cat := fixture()
	capt := &stubCaptioner{fail: map[string]bool{"4": true}}
	b := &backfiller{catalog: cat, captioner: capt, log: quiet}

	res, err := b.run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	want := result{missing: 2, captioned: 1, skipped: 2, errors: 1}
	if res != want {
		t.Fatalf("got %+v, want %+v", res, want)
	}
	if cat.captions["1"] != "Caption for 1." {
		t.Fatalf("captions: %v", cat.captions)
	}
	if _, ok := cat.captions["2"]; ok {
		t.Fatal("existing caption must not be overwritten")
	}
}

func TestBackfillDryRun(t *testing.T) {
	cat := fixture()
	capt := &stubCaptioner{}
	b := &backfiller{catalog: cat, captioner: capt, log: quiet, dryRun: true}

	res, err := b.run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.missing != 2 || capt.calls != 0 || len(cat.captions) != 0 {
		t.Fatalf("dry run changed state: %+v calls=%d", res, capt.calls)
	}
}

func TestBackfillSetCaptionError(t *testing.T) {
	cat := fixture()
	cat.setErr = errors.New("locked")
	res, err := (&backfiller{catalog: cat, captioner: &stubCaptioner{}, log: quiet}).run(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.errors != 1 || res.captioned != 0 {
		t.Fatalf("got %+v", res)
	}
}

func TestBackfillStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&backfiller{catalog: fixture(), captioner: &stubCaptioner{}, log: quiet}).run(ctx, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
