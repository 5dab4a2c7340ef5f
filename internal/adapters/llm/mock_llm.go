package llm

import (
	"context"
	"errors"
	"strings"
)

// Client generates text from a prompt.
type Client interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// MockLLM answers extractively from the first passages of the prompt, so
// local runs stay grounded without a model.
type MockLLM struct {
	MaxPassages int
}

func NewMockLLM() *MockLLM {
	return &MockLLM{MaxPassages: 2}
}

func (m *MockLLM) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(p.Passages) == 0 {
		return "", errors.New("mock llm: no passages to answer from")
	}
	n := m.MaxPassages
	if n <= 0 || n > len(p.Passages) {
		n = len(p.Passages)
	}
	return strings.Join(p.Passages[:n], " "), nil
}
