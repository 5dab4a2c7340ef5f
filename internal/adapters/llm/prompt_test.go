package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/llm"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

func TestBuildPromptNumbersPassages(t *testing.T) {
	chunks := []domain.Chunk{{Text: "Rifampicina 600 mg"}, {Text: "Dapsona 100 mg"}}

	p := llm.BuildPrompt("Qual a dose?", domain.PersonaTechnical, chunks)
	assert.Contains(t, p.System, "Dr. Gasnelio")
	assert.Contains(t, p.User, "[1] Rifampicina 600 mg")
	assert.Contains(t, p.User, "[2] Dapsona 100 mg")
	assert.Contains(t, p.User, "Pergunta:\nQual a dose?")
	assert.Equal(t, []string{"Rifampicina 600 mg", "Dapsona 100 mg"}, p.Passages)

	ga := llm.BuildPrompt("Qual a dose?", domain.PersonaEmpathetic, nil)
	assert.Contains(t, ga.System, "Gá")
	assert.NotContains(t, ga.User, "Trechos")
}

func TestMockLLMIsExtractive(t *testing.T) {
	ctx := context.Background()
	m := llm.NewMockLLM()

	out, err := m.Generate(ctx, llm.Prompt{Passages: []string{"a.", "b.", "c."}})
	require.NoError(t, err)
	assert.Equal(t, "a. b.", out)

	_, err = m.Generate(ctx, llm.Prompt{})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Generate(cancelled, llm.Prompt{Passages: []string{"a"}})
	assert.ErrorIs(t, err, context.Canceled)
}
