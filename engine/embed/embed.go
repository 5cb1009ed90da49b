// Package embed maps product text and images into a shared fixed-dimension
// vector space. The Provider validates and normalizes; Backends talk to the
// model servers.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/imageutil"
)

// Options configures a Provider.
type Options struct {
	// Dims is the expected embedding dimension.
	Dims int
	// ImageSide bounds both image sides before embedding.
	ImageSide int
	// ProbeText is embedded by Init to warm the model.
	ProbeText string
}

// DefaultOptions returns the defaults for a 384-dimension CLIP-style model.
func DefaultOptions() Options {
	return Options{Dims: 384, ImageSide: 384, ProbeText: "product"}
}

// Provider is the embedding entry point used by search and ingest.
type Provider struct {
	backend Backend
	opts    Options
	ready   atomic.Bool
	logger  *slog.Logger
}

// New creates a Provider. It is not usable until Init succeeds.
func New(backend Backend, opts Options, logger *slog.Logger) *Provider {
	def := DefaultOptions()
	if opts.Dims <= 0 {
		opts.Dims = def.Dims
	}
	if opts.ImageSide <= 0 {
		opts.ImageSide = def.ImageSide
	}
	if opts.ProbeText == "" {
		opts.ProbeText = def.ProbeText
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{backend: backend, opts: opts, logger: logger.With("component", "embed")}
}

// ErrDimensionMismatch means the model's output size differs from the
// configured dimension. Retrying cannot fix it.
var ErrDimensionMismatch = errors.New("embed: dimension mismatch")

// Init warms the backend with a probe embedding and checks its dimension.
func (p *Provider) Init(ctx context.Context) error {
	v, err := p.backend.Embed(ctx, Input{Modality: ModalityText, Text: p.opts.ProbeText})
	if err != nil {
		return fmt.Errorf("embed: init: %w", err)
	}
	if len(v) != p.opts.Dims {
		return fmt.Errorf("%w: model returned %d dims, configured %d", ErrDimensionMismatch, len(v), p.opts.Dims)
	}
	p.ready.Store(true)
	p.logger.Info("embedding model ready", "dims", p.opts.Dims)
	return nil
}

// Ready reports whether Init has completed.
func (p *Provider) Ready() bool { return p.ready.Load() }

// Dims returns the embedding dimension.
func (p *Provider) Dims() int { return p.opts.Dims }

// EmbedText embeds trimmed text.
func (p *Provider) EmbedText(ctx context.Context, text string) (domain.Vector, error) {
	if !p.Ready() {
		return nil, domain.ErrModelNotReady
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyText
	}
	return p.embed(ctx, Input{Modality: ModalityText, Text: text})
}

// EmbedImage decodes, bounds and embeds image bytes.
func (p *Provider) EmbedImage(ctx context.Context, data []byte) (domain.Vector, error) {
	if !p.Ready() {
		return nil, domain.ErrModelNotReady
	}
	if len(data) == 0 {
		return nil, domain.ErrEmptyImage
	}
	jpegData, err := imageutil.Fit(data, p.opts.ImageSide)
	if err != nil {
		if errors.Is(err, imageutil.ErrDecode) {
			return nil, domain.NewValidationError("image", "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		}
		return nil, fmt.Errorf("embed: image: %w", err)
	}
	return p.embed(ctx, Input{Modality: ModalityImage, Image: jpegData})
}

func (p *Provider) embed(ctx context.Context, in Input) (domain.Vector, error) {
	raw, err := p.backend.Embed(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(raw) != p.opts.Dims {
		return nil, fmt.Errorf("embed: %s: got %d dims, want %d", in.Modality, len(raw), p.opts.Dims)
	}
	return domain.Vector(raw).Normalize(), nil
}
