// Package caption produces one-sentence descriptions of product images with
// a vision-language model. Remote images are cached on disk keyed by the
// product's source id so repeated calls never re-download.
package caption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/engine/llm"
	"github.com/WessleyAI/wessley-catalog/pkg/imageutil"
)

const (
	systemPrompt = "You write product catalog captions."
	userPrompt   = "Describe the product in this image in exactly one sentence. " +
		"Mention its type, color and notable features. " +
		"Output only the sentence, with no preamble, quotes or labels."
)

// Options configures a Generator.
type Options struct {
	CacheDir         string
	MaxDownloadBytes int64
	// ImageSide bounds the image sent to the model.
	ImageSide int
	// ImageRoot is the directory local product image paths must resolve
	// under. Relative paths are taken from it. When empty, product images
	// must be URLs.
	ImageRoot string
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{CacheDir: "image_cache", MaxDownloadBytes: 10 << 20, ImageSide: 384}
}

// ErrOutsideImageRoot rejects a local image path that does not resolve under
// Options.ImageRoot.
var ErrOutsideImageRoot = errors.New("caption: local image outside image root")

// ImageRef points at a product image. Ref is an http(s) URL or a path under
// the configured image root.
type ImageRef struct {
	SourceID string
	Ref      string
}

// Generator captions images.
type Generator struct {
	model  llm.Provider
	http   *http.Client
	opts   Options
	logger *slog.Logger
}

// New creates a Generator. A nil httpClient uses one with a 30s timeout.
func New(model llm.Provider, httpClient *http.Client, opts Options, logger *slog.Logger) *Generator {
	def := DefaultOptions()
	if opts.CacheDir == "" {
		opts.CacheDir = def.CacheDir
	}
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = def.MaxDownloadBytes
	}
	if opts.ImageSide <= 0 {
		opts.ImageSide = def.ImageSide
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{model: model, http: httpClient, opts: opts, logger: logger.With("component", "caption")}
}

func unavailable(err error) error {
	return fmt.Errorf("caption: %w: %w", domain.ErrCaptionUnavailable, err)
}

// Caption resolves ref to bytes and captions them.
func (g *Generator) Caption(ctx context.Context, ref ImageRef) (string, error) {
	data, err := g.resolve(ctx, ref)
	if err != nil {
		return "", unavailable(err)
	}
	return g.CaptionBytes(ctx, data)
}

// CaptionFile captions an image file the caller wrote itself, such as an
// uploaded query image. The image root does not apply.
func (g *Generator) CaptionFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", unavailable(err)
	}
	return g.CaptionBytes(ctx, data)
}

// Fetch returns the image bytes behind ref, downloading remote images into
// the cache on first use.
func (g *Generator) Fetch(ctx context.Context, ref ImageRef) ([]byte, error) {
	data, err := g.resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("caption: fetch: %w", err)
	}
	return data, nil
}

// CaptionBytes captions raw image bytes.
func (g *Generator) CaptionBytes(ctx context.Context, data []byte) (string, error) {
	jpegData, err := imageutil.Fit(data, g.opts.ImageSide)
	if err != nil {
		return "", unavailable(err)
	}
	reply, err := g.model.Complete(ctx, llm.Prompt{System: systemPrompt, Text: userPrompt, Image: jpegData})
	if err != nil {
		return "", unavailable(err)
	}
	sentence := Clean(reply.Text)
	if sentence == "" {
		return "", unavailable(errors.New("malformed reply: no sentence"))
	}
	return sentence, nil
}

// CachePath returns where a remote image for sourceID is cached. The name is
// a UUIDv5 of the source id, so it is stable across runs.
func (g *Generator) CachePath(sourceID, rawURL string) string {
	key := uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceID)).String()
	return filepath.Join(g.opts.CacheDir, key+imageExt(rawURL))
}

func (g *Generator) resolve(ctx context.Context, ref ImageRef) ([]byte, error) {
	if ref.Ref == "" {
		return nil, errors.New("empty image reference")
	}
	if !isRemote(ref.Ref) {
		path, err := g.localPath(ref.Ref)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}

	id := ref.SourceID
	if id == "" {
		id = ref.Ref
	}
	path := g.CachePath(id, ref.Ref)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	if err := g.download(ctx, ref.Ref, path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// localPath maps a local ref onto a path under the image root, following
// symlinks so a link cannot point outside it.
func (g *Generator) localPath(ref string) (string, error) {
	if g.opts.ImageRoot == "" {
		return "", fmt.Errorf("%w: no image root configured for %q", ErrOutsideImageRoot, ref)
	}
	root, err := filepath.Abs(g.opts.ImageRoot)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}

	path := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path, err = filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideImageRoot, ref)
	}
	return path, nil
}

func (g *Generator) download(ctx context.Context, rawURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, g.opts.MaxDownloadBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if n > g.opts.MaxDownloadBytes {
		return fmt.Errorf("download: image exceeds %d bytes", g.opts.MaxDownloadBytes)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	g.logger.Debug("image cached", "url", rawURL, "path", path, "bytes", n)
	return nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func imageExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	switch ext := strings.ToLower(filepath.Ext(u.Path)); ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	default:
		return ".jpg"
	}
}

var preambles = []string{
	"here is a one-sentence caption:",
	"here is the caption:",
	"caption:",
	"description:",
	"this image shows",
	"the image shows",
	"this image depicts",
	"the image depicts",
	"this is an image of",
	"this is a photo of",
	"in this image,",
}

// Clean normalizes a model reply to a single sentence: surrounding quotes
// and common preambles are stripped, only the first sentence is kept, and
// the first letter is capitalized.
func Clean(reply string) string {
	s := strings.TrimSpace(reply)
	for changed := true; changed; {
		changed = false
		s = strings.Trim(s, "\"'`“”‘’ \t\n")
		lower := strings.ToLower(s)
		for _, p := range preambles {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				changed = true
				break
			}
		}
	}
	s = firstSentence(s)
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 || s[i+1] == ' ' {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}
	return s
}
