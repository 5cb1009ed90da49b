package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/metrics"
)

type stubSearcher struct {
	resp      *domain.Response
	err       error
	gotQuery  string
	gotLimit  int
	gotImage  []byte
	textCalls int
}

func (s *stubSearcher) SearchText(_ context.Context, q string, limit int) (*domain.Response, error) {
	s.textCalls++
	s.gotQuery, s.gotLimit = q, limit
	return s.resp, s.err
}

func (s *stubSearcher) SearchImage(_ context.Context, data []byte, limit int) (*domain.Response, error) {
	s.gotImage, s.gotLimit = data, limit
	if s.err != nil {
		return nil, s.err
	}
	if err := domain.ValidateImage(data, 16); err != nil {
		return nil, err
	}
	return s.resp, nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func okResponse() *domain.Response {
	return &domain.Response{
		Query:   "backpack",
		Results: []domain.RankedResult{{ProductID: "1", MatchType: domain.MatchExact, Position: 1}},
		Count:   1,
	}
}

func newTestServer(s searcher, checks healthChecks) http.Handler {
	return routes(newHandler(s, checks, 16, quiet), "*", metrics.New(), quiet)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&stubSearcher{}, healthChecks{
		"catalog": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Dependencies["catalog"] != "ok" {
		t.Fatalf("unexpected health: %+v", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	srv := newTestServer(&stubSearcher{}, healthChecks{
		"catalog":  func(context.Context) error { return nil },
		"embedder": func(context.Context) error { return domain.ErrModelNotReady },
	})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("body: %s", rec.Body)
	}
}

func TestSearchText(t *testing.T) {
	s := &stubSearcher{resp: okResponse()}
	srv := newTestServer(s, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/search/text", strings.NewReader(`{"query":"backpack","limit":5}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if s.gotQuery != "backpack" || s.gotLimit != 5 {
		t.Fatalf("searcher got %q/%d", s.gotQuery, s.gotLimit)
	}
	var resp domain.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Results[0].ProductID != "1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSearchText_InvalidJSON(t *testing.T) {
	s := &stubSearcher{}
	rec := httptest.NewRecorder()
	newTestServer(s, nil).ServeHTTP(rec, httptest.NewRequest("POST", "/api/search/text", bytes.NewBufferString("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if s.textCalls != 0 {
		t.Fatal("searcher should not be called")
	}
}

func TestSearchText_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		leak bool
	}{
		{domain.ErrEmptyText, http.StatusBadRequest, true},
		{fmt.Errorf("search: %w", domain.ErrDependencyUnavailable), http.StatusServiceUnavailable, false},
		{domain.ErrModelNotReady, http.StatusServiceUnavailable, false},
		{domain.ErrNotLoaded, http.StatusServiceUnavailable, false},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, false},
		{errors.New("qdrant: secret internal detail"), http.StatusInternalServerError, false},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestServer(&stubSearcher{err: tc.err}, nil).ServeHTTP(rec,
				httptest.NewRequest("POST", "/api/search/text", strings.NewReader(`{"query":"x"}`)))
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			if got := strings.Contains(rec.Body.String(), tc.err.Error()); got != tc.leak {
				t.Fatalf("error text exposure = %v, want %v: %s", got, tc.leak, rec.Body)
			}
		})
	}
}

func TestSearchImage_RawBody(t *testing.T) {
	s := &stubSearcher{resp: okResponse()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/search/image?limit=3", bytes.NewReader([]byte("tiny")))
	req.Header.Set("Content-Type", "image/png")
	newTestServer(s, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if string(s.gotImage) != "tiny" || s.gotLimit != 3 {
		t.Fatalf("searcher got %q/%d", s.gotImage, s.gotLimit)
	}
}

func TestSearchImage_Multipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("note", "ignored")
	fw, _ := mw.CreateFormFile("image", "a.png")
	_, _ = fw.Write([]byte("pixels"))
	_ = mw.Close()

	s := &stubSearcher{resp: okResponse()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/search/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	newTestServer(s, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if string(s.gotImage) != "pixels" {
		t.Fatalf("searcher got %q", s.gotImage)
	}
}

func TestSearchImage_MissingField(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("note", "no image")
	_ = mw.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/search/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	newTestServer(&stubSearcher{}, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSearchImage_TooLarge(t *testing.T) {
	s := &stubSearcher{resp: okResponse()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/search/image", bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	newTestServer(s, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(s.gotImage) != 17 {
		t.Fatalf("handler should read at most max+1 bytes, read %d", len(s.gotImage))
	}
}

func TestMetricsRoute(t *testing.T) {
	srv := newTestServer(&stubSearcher{resp: okResponse()}, nil)
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/search/text", strings.NewReader(`{"query":"x"}`)))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("metrics missing request counter: %s", rec.Body)
	}
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&stubSearcher{}, nil).ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/api/search/text", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
