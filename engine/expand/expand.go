// Package expand rewrites short, sparse text into a richer phrase for
// embedding. Expansion is an enhancement: model failures return the input
// unchanged.
package expand

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/engine/llm"
)

const (
	queryTemplate = "Rewrite this shopping search query as one descriptive phrase " +
		"that names the product type and its likely attributes. " +
		"Output only the phrase.\n\nQuery: %s"
	productTemplate = "The following product fields are separated by %q. " +
		"Write one search-optimized sentence describing the product, " +
		"including its category and key features. Output only the sentence.\n\nProduct: %s"
)

// Options configures an Expander.
type Options struct {
	// MaxInputLen is the longest input, in runes, that may be expanded.
	MaxInputLen int
	// Separator marks structured product text.
	Separator string
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{MaxInputLen: 100, Separator: "|"}
}

// Expander rewrites text through an LLM.
type Expander struct {
	model  llm.Provider
	opts   Options
	logger *slog.Logger
}

// New creates an Expander.
func New(model llm.Provider, opts Options, logger *slog.Logger) *Expander {
	def := DefaultOptions()
	if opts.MaxInputLen <= 0 {
		opts.MaxInputLen = def.MaxInputLen
	}
	if opts.Separator == "" {
		opts.Separator = def.Separator
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{model: model, opts: opts, logger: logger.With("component", "expand")}
}

// MaxInputLen returns the expansion threshold in runes.
func (e *Expander) MaxInputLen() int { return e.opts.MaxInputLen }

// Separator returns the product field separator.
func (e *Expander) Separator() string { return e.opts.Separator }

// Eligible reports whether text is short enough to expand.
func (e *Expander) Eligible(text string) bool {
	return utf8.RuneCountInString(text) <= e.opts.MaxInputLen
}

// Expand returns an expanded version of text. Text above MaxInputLen is a
// caller error: the original text is returned with domain.ErrTextTooLong.
// Any model failure returns the original text and a nil error.
func (e *Expander) Expand(ctx context.Context, text string) (string, error) {
	if !e.Eligible(text) {
		return text, fmt.Errorf("expand: %d runes over limit %d: %w",
			utf8.RuneCountInString(text), e.opts.MaxInputLen, domain.ErrTextTooLong)
	}
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	reply, err := e.model.Complete(ctx, llm.Prompt{Text: e.prompt(text)})
	if err != nil {
		e.logger.Warn("expansion failed, continuing with original text", "err", err)
		return text, nil
	}
	out := strings.Trim(strings.TrimSpace(reply.Text), "\"'")
	if out == "" {
		e.logger.Warn("expansion returned empty reply, continuing with original text")
		return text, nil
	}
	return out, nil
}

func (e *Expander) prompt(text string) string {
	if strings.Contains(text, e.opts.Separator) {
		return fmt.Sprintf(productTemplate, e.opts.Separator, text)
	}
	return fmt.Sprintf(queryTemplate, text)
}

// JoinFields builds structured product text from non-empty fields.
func (e *Expander) JoinFields(fields ...string) string {
	var parts []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " "+e.opts.Separator+" ")
}
