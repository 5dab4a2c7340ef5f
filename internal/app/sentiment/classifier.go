// Package sentiment maps free text to a coarse emotional category. It is a
// pure, deterministic keyword heuristic: no external calls, no learned state.
package sentiment

import (
	"math"
	"sort"
	"strings"

	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

type Category string

const (
	Neutral    Category = "neutral"
	Anxious    Category = "anxious"
	Frustrated Category = "frustrated"
	Positive   Category = "positive"
	Concerned  Category = "concerned"
)

// Result of Analyze. Consumers branch on Category; Score and Magnitude are advisory.
type Result struct {
	Category   Category `json:"category"`
	Score      float64  `json:"score"`     // [-1,1], negative = distress
	Magnitude  float64  `json:"magnitude"` // [0,1]
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords"`
}

// term is a lexicon entry. Stems match any token with that prefix; phrases
// must appear as whole words.
type term struct {
	text   string
	weight float64
	phrase bool
}

var lexicon = map[Category][]term{
	Anxious: {
		{text: "preocup", weight: 1}, {text: "ansios", weight: 1.2}, {text: "ansiedad", weight: 1.2},
		{text: "medo", weight: 1.2}, {text: "nervos", weight: 1}, {text: "assust", weight: 1},
		{text: "apavor", weight: 1.4}, {text: "panico", weight: 1.4}, {text: "desesper", weight: 1.4},
		{text: "sera que", weight: 0.6, phrase: true}, {text: "e se", weight: 0.4, phrase: true},
		{text: "worried", weight: 1}, {text: "anxious", weight: 1.2}, {text: "afraid", weight: 1.2},
		{text: "scared", weight: 1.2}, {text: "nervous", weight: 1}, {text: "panic", weight: 1.4},
	},
	Frustrated: {
		{text: "frustr", weight: 1.2}, {text: "irrit", weight: 1}, {text: "raiva", weight: 1.2},
		{text: "chatead", weight: 1}, {text: "absurd", weight: 1}, {text: "ridicul", weight: 1},
		{text: "inutil", weight: 1}, {text: "nao aguento", weight: 1.4, phrase: true},
		{text: "nao funciona", weight: 1, phrase: true}, {text: "de novo", weight: 0.5, phrase: true},
		{text: "cansad", weight: 0.6}, {text: "annoyed", weight: 1}, {text: "angry", weight: 1.2},
		{text: "useless", weight: 1}, {text: "fed up", weight: 1.2, phrase: true},
	},
	Concerned: {
		{text: "risco", weight: 0.8}, {text: "perig", weight: 1}, {text: "grave", weight: 1},
		{text: "serio", weight: 0.6}, {text: "cuidado", weight: 0.6}, {text: "problema", weight: 0.6},
		{text: "e seguro", weight: 0.8, phrase: true}, {text: "faz mal", weight: 1, phrase: true},
		{text: "concern", weight: 1}, {text: "risk", weight: 0.8}, {text: "danger", weight: 1},
		{text: "serious", weight: 0.8},
	},
	Positive: {
		{text: "obrigad", weight: 1}, {text: "agradec", weight: 1}, {text: "otimo", weight: 1},
		{text: "excelente", weight: 1.2}, {text: "ajudou", weight: 1}, {text: "feliz", weight: 1},
		{text: "maravilh", weight: 1.2}, {text: "adorei", weight: 1.2}, {text: "perfeito", weight: 1},
		{text: "thank", weight: 1}, {text: "great", weight: 1}, {text: "helpful", weight: 1},
		{text: "happy", weight: 1},
	},
}

var intensifiers = []string{"muito", "demais", "extremamente", "super", "tanto", "very", "really", "so"}

// precedence breaks ties between categories with equal weight.
var precedence = []Category{Anxious, Frustrated, Concerned, Positive}

// Analyze classifies text.
func Analyze(text string) Result {
	folded := textutil.Fold(text)
	tokens := textutil.Tokens(text)
	padded := " " + strings.Join(tokens, " ") + " "

	weights := make(map[Category]float64, len(lexicon))
	var keywords []string
	seen := map[string]bool{}

	for _, cat := range precedence {
		for _, t := range lexicon[cat] {
			if !matches(t, tokens, padded) {
				continue
			}
			weights[cat] += t.weight
			if !seen[t.text] {
				seen[t.text] = true
				keywords = append(keywords, t.text)
			}
		}
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return Result{Category: Neutral, Score: 0, Magnitude: 0, Confidence: 0.6, Keywords: []string{}}
	}

	best, runnerUp := rank(weights)

	negative := weights[Anxious] + weights[Frustrated] + weights[Concerned]
	score := (weights[Positive] - negative) / total

	boost := 0.0
	for _, tok := range tokens {
		for _, in := range intensifiers {
			if tok == in {
				boost += 0.5
			}
		}
	}
	boost += 0.2 * float64(strings.Count(folded, "!"))
	magnitude := math.Min(1, (total+boost)/3)

	confidence := math.Min(0.95, 0.5+0.15*(weights[best]-runnerUp)+0.05*float64(len(keywords)))

	sort.Strings(keywords)
	return Result{
		Category:   best,
		Score:      round2(score),
		Magnitude:  round2(magnitude),
		Confidence: round2(confidence),
		Keywords:   keywords,
	}
}

// IsDistressed reports whether the category calls for a gentler tone.
func (r Result) IsDistressed() bool {
	return r.Category == Anxious || r.Category == Frustrated || r.Category == Concerned
}

func matches(t term, tokens []string, padded string) bool {
	if t.phrase {
		return strings.Contains(padded, " "+t.text+" ")
	}
	for _, tok := range tokens {
		if strings.HasPrefix(tok, t.text) {
			return true
		}
	}
	return false
}

func rank(weights map[Category]float64) (Category, float64) {
	best := Neutral
	bestW, second := 0.0, 0.0
	for _, cat := range precedence {
		w := weights[cat]
		switch {
		case w > bestW:
			second = bestW
			best, bestW = cat, w
		case w > second:
			second = w
		}
	}
	return best, second
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
