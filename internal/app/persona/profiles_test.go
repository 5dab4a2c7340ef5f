package persona_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnalineS/roteirosdedispersacao/internal/app/persona"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/sentiment"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

func TestLoadProfilesOverlaysBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
personas:
  - id: ga
    name: Gá
    tone: acolhedor
    signature: "Gá responde"
    style:
      formality: informal
      technicality: low
      include_citations: false
    retrieval:
      max_chunks: 2
      min_confidence: 0.4
  - id: enfermeira
    name: Enfermeira Ana
    signature: "Ana"
    style:
      technicality: medium
`), 0o600))

	p, err := persona.LoadProfiles(path)
	require.NoError(t, err)

	ga, ok := p.Get(domain.PersonaEmpathetic)
	require.True(t, ok)
	assert.Equal(t, "Gá responde", ga.Signature)
	assert.Equal(t, 2, ga.Retrieval.MaxChunks)

	_, ok = p.Get(domain.PersonaTechnical)
	assert.True(t, ok, "built-ins not listed in the file survive")
	assert.True(t, p.Has("enfermeira"))
	assert.Len(t, p.List(), 3)
}

func TestLoadProfilesRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := persona.LoadProfiles(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	noID := filepath.Join(dir, "noid.yaml")
	require.NoError(t, os.WriteFile(noID, []byte("personas:\n  - name: x\n"), 0o600))
	_, err = persona.LoadProfiles(noID)
	assert.ErrorContains(t, err, "no id")

	p, err := persona.LoadProfiles("")
	require.NoError(t, err)
	assert.Len(t, p.List(), 2)
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	p := persona.DefaultProfiles()
	a, _ := p.Get(domain.PersonaTechnical)
	a.Retrieval.PreferredCategories[0] = "mutated"
	b, _ := p.Get(domain.PersonaTechnical)
	assert.NotEqual(t, "mutated", b.Retrieval.PreferredCategories[0])
}

func TestPersonalize(t *testing.T) {
	profiles := persona.DefaultProfiles()
	tech, _ := profiles.Get(domain.PersonaTechnical)
	ga, _ := profiles.Get(domain.PersonaEmpathetic)
	calm := sentiment.Analyze("ok")

	assert.Equal(t, "rifampicina dosagem segurança", persona.Personalize("rifampicina", tech, calm, nil))
	assert.Equal(t, "Qual a dose de rifampicina?", persona.Personalize("Qual a dose de rifampicina?", tech, calm, nil))
	assert.Equal(t, "Qual a dose de rifampicina? gestacao", persona.Personalize("Qual a dose de rifampicina?", tech, calm, []string{"gestacao"}))

	assert.Equal(t, "Não entendi a cartela explicação simples tranquilizar",
		persona.Personalize("Não entendi a cartela", ga, calm, nil))
	assert.Equal(t, "Como guardar?", persona.Personalize("Como guardar?", ga, calm, nil))
}

func TestPipelineRespectsProfileFlags(t *testing.T) {
	profiles := persona.DefaultProfiles()
	tech, _ := profiles.Get(domain.PersonaTechnical)
	tech.Signature = ""

	text, applied := persona.DefaultPipeline().Run(context.Background(), persona.Draft{
		Text:    "Tome 100 mg de dapsona.",
		Query:   "como funciona a cartela?",
		Profile: tech,
		Sources: nil,
	})
	assert.Empty(t, applied, "no signature, no sources, not a dosage query")
	assert.Equal(t, "Tome 100 mg de dapsona.", text)
}

func TestStripCitationsForms(t *testing.T) {
	profiles := persona.DefaultProfiles()
	ga, _ := profiles.Get(domain.PersonaEmpathetic)
	ga.Signature = ""

	text, applied := persona.DefaultPipeline().Run(context.Background(), persona.Draft{
		Text:    "Tome após a refeição [2, 3] (Fonte: PCDT 2022).\nFontes: Ministério da Saúde",
		Profile: ga,
	})
	assert.Equal(t, []string{persona.AdaptNoCitation}, applied)
	assert.Equal(t, "Tome após a refeição.", text)
}

func TestScore(t *testing.T) {
	sc := persona.Score([]string{"a", "b", "c", "d", "e", "f"}, true, 1, domain.ConfidenceHigh, false)
	assert.Equal(t, 100.0, sc.Personalization, "capped")
	assert.Equal(t, 0.9, sc.Relevance)

	sc = persona.Score(nil, false, 0.55, domain.ConfidenceMedium, true)
	assert.InDelta(t, 16.5, sc.Personalization, 0.001)
	assert.Equal(t, 0.1, sc.Relevance)
	assert.InDelta(t, 0.4*16.5+4+0.11, sc.Satisfaction, 0.01)

	assert.Equal(t, 0.7, persona.Score(nil, false, 0.5, domain.ConfidenceMedium, false).Relevance)
	assert.Equal(t, 0.5, persona.Score(nil, false, 0.2, domain.ConfidenceLow, false).Relevance)
}

func TestExtractTopics(t *testing.T) {
	assert.Equal(t, []string{"dosagem", "rifampicina"}, persona.ExtractTopics("Qual a dose de rifampicina?"))
	assert.Equal(t, []string{"adesao"}, persona.ExtractTopics("Esqueci de tomar ontem"))
	assert.Empty(t, persona.ExtractTopics("bom dia"))
}
