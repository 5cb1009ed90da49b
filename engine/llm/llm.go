// Package llm normalizes vision-language model backends behind a single
// Prompt/Reply shape and supervises failover between them.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/WessleyAI/wessley-catalog/pkg/ollama"
)

// Prompt is one request. Image is optional raw JPEG bytes.
type Prompt struct {
	System string
	Text   string
	Image  []byte
}

// Reply is the normalized model answer.
type Reply struct {
	Text string
}

// Provider completes prompts against one backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (Reply, error)
}

// OllamaProvider completes prompts with Ollama's /api/chat.
type OllamaProvider struct {
	client      *ollama.Client
	model       string
	temperature float64
}

// NewOllamaProvider creates a provider for model.
func NewOllamaProvider(client *ollama.Client, model string, temperature float64) *OllamaProvider {
	return &OllamaProvider{client: client, model: model, temperature: temperature}
}

func (p *OllamaProvider) Name() string { return "ollama:" + p.model }

// Complete implements Provider.
func (p *OllamaProvider) Complete(ctx context.Context, pr Prompt) (Reply, error) {
	var msgs []ollama.Message
	if pr.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: pr.System})
	}
	user := ollama.Message{Role: "user", Content: pr.Text}
	if len(pr.Image) > 0 {
		user.Images = [][]byte{pr.Image}
	}
	msgs = append(msgs, user)

	out, err := p.client.Chat(ctx, p.model, msgs, p.temperature)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: strings.TrimSpace(out)}, nil
}

// OpenAIProvider completes prompts with any langchaingo model, normally an
// OpenAI-compatible chat endpoint.
type OpenAIProvider struct {
	name        string
	model       llms.Model
	temperature float64
}

// NewOpenAIProvider connects to an OpenAI-compatible endpoint.
func NewOpenAIProvider(baseURL, token, model string, temperature float64) (*OpenAIProvider, error) {
	if token == "" {
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(token),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: openai client: %w", err)
	}
	return NewModelProvider("openai:"+model, client, temperature), nil
}

// NewModelProvider wraps an existing langchaingo model.
func NewModelProvider(name string, model llms.Model, temperature float64) *OpenAIProvider {
	return &OpenAIProvider{name: name, model: model, temperature: temperature}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, pr Prompt) (Reply, error) {
	var content []llms.MessageContent
	if pr.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, pr.System))
	}
	parts := []llms.ContentPart{llms.TextPart(pr.Text)}
	if len(pr.Image) > 0 {
		parts = append(parts, llms.BinaryPart("image/jpeg", pr.Image))
	}
	content = append(content, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: parts})

	resp, err := p.model.GenerateContent(ctx, content, llms.WithTemperature(p.temperature))
	if err != nil {
		return Reply{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("llm: %s: no choices returned", p.name)
	}
	return Reply{Text: strings.TrimSpace(resp.Choices[0].Content)}, nil
}
