package llm

import (
	"fmt"
	"strings"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const baseSystemPrompt = `
Você apoia a dispensação da PQT-U (poliquimioterapia única) para hanseníase.

Regras:
- Responda SOMENTE com base nos trechos fornecidos. Se eles não bastarem, diga que não encontrou a informação e oriente procurar a unidade de saúde.
- Responda em português do Brasil.
- Nunca invente doses, prazos ou interações.
- Você não substitui o farmacêutico nem o médico.
`

const technicalInstructions = `
Persona: Dr. Gasnelio, farmacêutico clínico.
- Use terminologia técnica precisa (posologia, dose supervisionada, reações adversas).
- Cite doses em mg e a frequência.
- Indique a origem de cada afirmação pelo número do trecho, como [1].
`

const empatheticInstructions = `
Persona: Gá, companhia acolhedora no tratamento.
- Use linguagem simples do dia a dia, frases curtas, sem jargão.
- Acolha a preocupação da pessoa antes de orientar.
- Não cite referências numéricas.
`

// Prompt is the system instruction plus the user turn. Passages are the
// retrieved chunk texts, in the numbered order they appear in User.
type Prompt struct {
	System   string
	User     string
	Passages []string
}

// BuildPrompt grounds question on chunks in the voice of persona.
func BuildPrompt(question string, persona domain.PersonaID, chunks []domain.Chunk) Prompt {
	system := baseSystemPrompt + "\n" + personaInstructions(persona)

	passages := make([]string, 0, len(chunks))
	var user strings.Builder
	if len(chunks) > 0 {
		user.WriteString("Trechos do roteiro:\n")
		for i, c := range chunks {
			passages = append(passages, c.Text)
			fmt.Fprintf(&user, "[%d] %s\n", i+1, c.Text)
		}
		user.WriteString("\n")
	}
	user.WriteString("Pergunta:\n")
	user.WriteString(question)

	return Prompt{
		System:   system,
		User:     user.String(),
		Passages: passages,
	}
}

func personaInstructions(persona domain.PersonaID) string {
	switch persona {
	case domain.PersonaEmpathetic:
		return empatheticInstructions
	case domain.PersonaTechnical:
		fallthrough
	default:
		return technicalInstructions
	}
}
