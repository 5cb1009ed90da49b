package embed

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/ollama"
)

// Modality is the kind of content being embedded.
type Modality int

const (
	ModalityText Modality = iota
	ModalityImage
)

func (m Modality) String() string {
	if m == ModalityImage {
		return "image"
	}
	return "text"
}

// Input is one item to embed. Image holds JPEG bytes already bounded by the
// Provider.
type Input struct {
	Modality Modality
	Text     string
	Image    []byte
}

// Backend produces raw (unnormalized) embeddings.
type Backend interface {
	Embed(ctx context.Context, in Input) ([]float32, error)
}

// OllamaBackend embeds text through an Ollama server.
type OllamaBackend struct {
	client *ollama.Client
	model  string
}

// NewOllamaBackend creates a text-only backend.
func NewOllamaBackend(client *ollama.Client, model string) *OllamaBackend {
	return &OllamaBackend{client: client, model: model}
}

// Embed implements Backend.
func (b *OllamaBackend) Embed(ctx context.Context, in Input) ([]float32, error) {
	if in.Modality != ModalityText {
		return nil, fmt.Errorf("embed: ollama %s: %w", in.Modality, domain.ErrUnsupportedModality)
	}
	return b.client.Embed(ctx, b.model, in.Text)
}

// OpenAIBackend embeds through an OpenAI-compatible /embeddings endpoint.
// Images are sent as data URIs, the input convention of CLIP-serving
// OpenAI-compatible servers.
type OpenAIBackend struct {
	embedder embeddings.Embedder
}

// NewOpenAIBackend connects to baseURL with the given model. An empty token
// is replaced by "none" for local servers that do not authenticate.
func NewOpenAIBackend(baseURL, token, model string) (*OpenAIBackend, error) {
	if token == "" {
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("embed: openai client: %w", err)
	}
	return NewOpenAIBackendWithClient(client)
}

// NewOpenAIBackendWithClient wraps any langchaingo embedding client.
func NewOpenAIBackendWithClient(client embeddings.EmbedderClient) (*OpenAIBackend, error) {
	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("embed: openai embedder: %w", err)
	}
	return &OpenAIBackend{embedder: e}, nil
}

// Embed implements Backend.
func (b *OpenAIBackend) Embed(ctx context.Context, in Input) ([]float32, error) {
	doc := in.Text
	if in.Modality == ModalityImage {
		doc = DataURI(in.Image)
	}
	vecs, err := b.embedder.EmbedDocuments(ctx, []string{doc})
	if err != nil {
		return nil, fmt.Errorf("embed: openai %s: %w", in.Modality, err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed: openai %s: empty response", in.Modality)
	}
	return vecs[0], nil
}

// DataURI encodes JPEG bytes as a data URI.
func DataURI(jpegData []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
}

// Router sends each modality to its own backend. A nil backend makes that
// modality unsupported.
type Router struct {
	Text  Backend
	Image Backend
}

// Embed implements Backend.
func (r Router) Embed(ctx context.Context, in Input) ([]float32, error) {
	b := r.Text
	if in.Modality == ModalityImage {
		b = r.Image
	}
	if b == nil {
		return nil, fmt.Errorf("embed: no %s backend: %w", in.Modality, domain.ErrUnsupportedModality)
	}
	return b.Embed(ctx, in)
}
