package expand

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/engine/llm"
)

type stubModel struct {
	reply   string
	err     error
	prompts []string
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Complete(_ context.Context, p llm.Prompt) (llm.Reply, error) {
	m.prompts = append(m.prompts, p.Text)
	return llm.Reply{Text: m.reply}, m.err
}

func TestExpandQueryTemplate(t *testing.T) {
	m := &stubModel{reply: " \"lightweight waterproof hiking boots\" "}
	e := New(m, DefaultOptions(), nil)

	out, err := e.Expand(context.Background(), "hiking boots")
	require.NoError(t, err)
	assert.Equal(t, "lightweight waterproof hiking boots", out)
	require.Len(t, m.prompts, 1)
	assert.Contains(t, m.prompts[0], "Query: hiking boots")
}

func TestExpandProductTemplate(t *testing.T) {
	m := &stubModel{reply: "A ceramic mug for coffee."}
	e := New(m, DefaultOptions(), nil)

	text := e.JoinFields("Mug", "", "Kitchen")
	assert.Equal(t, "Mug | Kitchen", text)

	_, err := e.Expand(context.Background(), text)
	require.NoError(t, err)
	assert.Contains(t, m.prompts[0], "Product: Mug | Kitchen")
	assert.NotContains(t, m.prompts[0], "Query:")
}

func TestExpandFailureReturnsOriginal(t *testing.T) {
	e := New(&stubModel{err: errors.New("timeout")}, DefaultOptions(), nil)
	out, err := e.Expand(context.Background(), "desk lamp")
	require.NoError(t, err)
	assert.Equal(t, "desk lamp", out)

	e = New(&stubModel{reply: "  "}, DefaultOptions(), nil)
	out, err = e.Expand(context.Background(), "desk lamp")
	require.NoError(t, err)
	assert.Equal(t, "desk lamp", out)
}

func TestExpandRejectsLongText(t *testing.T) {
	m := &stubModel{reply: "x"}
	e := New(m, Options{MaxInputLen: 10}, nil)

	long := strings.Repeat("é", 11)
	out, err := e.Expand(context.Background(), long)
	assert.ErrorIs(t, err, domain.ErrTextTooLong)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, long, out)
	assert.Empty(t, m.prompts, "model must not be called for over-threshold text")

	assert.True(t, e.Eligible(strings.Repeat("é", 10)))
	assert.Equal(t, 10, e.MaxInputLen())
}

func TestExpandBlankIsNoop(t *testing.T) {
	m := &stubModel{reply: "x"}
	out, err := New(m, DefaultOptions(), nil).Expand(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "  ", out)
	assert.Empty(t, m.prompts)
}
