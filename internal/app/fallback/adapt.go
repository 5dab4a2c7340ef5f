package fallback

import (
	"strings"
	"unicode"

	"github.com/AnalineS/roteirosdedispersacao/internal/app/sentiment"
)

// ReassuranceMarker opens every answer adapted for an anxious user.
const ReassuranceMarker = "Fique tranquilo(a):"

const (
	summaryPrefix   = "Resumindo: "
	attentionPrefix = "Entendo sua preocupação com a segurança. "
	warmClosing     = " Que bom poder ajudar! Continue contando com a gente."
	reassurance     = " é normal ter dúvidas durante o tratamento, e estamos aqui para ajudar. "
)

// Adapt frames text for the caller's emotional state.
func Adapt(text string, s sentiment.Result) string {
	text = strings.TrimSpace(text)
	switch s.Category {
	case sentiment.Anxious:
		return ReassuranceMarker + reassurance + text
	case sentiment.Frustrated:
		return summaryPrefix + FirstSentences(text, 2)
	case sentiment.Concerned:
		return attentionPrefix + text
	case sentiment.Positive:
		return text + warmClosing
	default:
		return text
	}
}

// FirstSentences returns up to n leading sentences. A sentence ends at '.',
// '!' or '?' followed by whitespace or end of text, so "1,5 mg" or "0.5" stay whole.
func FirstSentences(text string, n int) string {
	runes := []rune(strings.TrimSpace(text))
	count := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		count++
		if count == n {
			return string(runes[:i+1])
		}
	}
	return string(runes)
}
