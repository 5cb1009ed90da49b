// Package main implements the product search API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/WessleyAI/wessley-catalog/engine/app"
	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/config"
	"github.com/WessleyAI/wessley-catalog/pkg/metrics"
	"github.com/WessleyAI/wessley-catalog/pkg/mid"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	// /api/health reports readiness while warm-up is incomplete.
	if err := comps.Warm(ctx, logger); err != nil {
		logger.Warn("warm-up incomplete, continuing degraded", "err", err, "retry_every", cfg.Server.RewarmInterval)
		go comps.KeepWarm(ctx, logger, cfg.Server.RewarmInterval)
	}

	svc := comps.Search(cfg.Search, logger)
	comps.Metrics.ServeAsync(ctx, cfg.Server.MetricsAddr, logger)

	h := newHandler(svc, healthChecks{
		"catalog": comps.Catalog.Ping,
		"vectors": func(ctx context.Context) error {
			if _, err := comps.Index.Stats(ctx); err != nil {
				return err
			}
			return comps.Index.Ping(ctx)
		},
		"embedder": func(context.Context) error {
			if !comps.Embedder.Ready() {
				return domain.ErrModelNotReady
			}
			return nil
		},
		"llm": func(context.Context) error {
			if !comps.Models.Available() {
				return domain.ErrDependencyUnavailable
			}
			return nil
		},
	}, cfg.Search.MaxImageBytes, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      routes(h, cfg.Server.CORSOrigin, comps.Metrics, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// searcher is the orchestrator surface the handlers need.
type searcher interface {
	SearchText(ctx context.Context, query string, limit int) (*domain.Response, error)
	SearchImage(ctx context.Context, data []byte, limit int) (*domain.Response, error)
}

type healthChecks map[string]func(context.Context) error

type handler struct {
	svc           searcher
	checks        healthChecks
	maxImageBytes int64
	logger        *slog.Logger
}

func newHandler(svc searcher, checks healthChecks, maxImageBytes int64, logger *slog.Logger) *handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &handler{svc: svc, checks: checks, maxImageBytes: maxImageBytes, logger: logger}
}

func routes(h *handler, corsOrigin string, reg *metrics.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("POST /api/search/text", h.searchText)
	mux.HandleFunc("POST /api/search/image", h.searchImage)
	mux.Handle("GET /metrics", reg.Handler())

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.Metrics(reg),
		mid.OTel("catalog-api"),
		mid.CORS(corsOrigin),
		mid.MaxBody(4*h.maxImageBytes+(1<<20)),
	)
}

// --- Handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses. Only validation
// messages reach the client; everything else is logged.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig), errors.Is(err, domain.ErrImageTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{"image too large"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
	case errors.Is(err, domain.ErrModelNotReady),
		errors.Is(err, domain.ErrDependencyUnavailable),
		errors.Is(err, domain.ErrNotLoaded):
		h.logger.Warn("search unavailable", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{"search temporarily unavailable"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{"search timed out"})
	default:
		h.logger.Error("search failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorBody{"internal server error"})
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "dependencies": deps})
}

// TextRequest is the JSON body for POST /api/search/text.
type TextRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (h *handler) searchText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"invalid request body"})
		return
	}
	resp, err := h.svc.SearchText(r.Context(), req.Query, req.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// searchImage accepts either a multipart form with an "image" file field or
// a raw image body. The limit comes from the "limit" query parameter.
func (h *handler) searchImage(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	data, err := h.readImage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.svc.SearchImage(r.Context(), data, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// readImage reads at most maxImageBytes+1 bytes so the orchestrator can
// reject oversized uploads itself.
func (h *handler) readImage(r *http.Request) ([]byte, error) {
	limit := h.maxImageBytes + 1
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		return io.ReadAll(io.LimitReader(r.Body, limit))
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, domain.NewValidationError("image", "", domain.ErrEmptyImage)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		if part.FormName() != "image" {
			part.Close()
			continue
		}
		defer part.Close()
		return io.ReadAll(io.LimitReader(part, limit))
	}
}
