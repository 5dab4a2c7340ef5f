package persona

import (
	"math"
	"sync"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const emaAlpha = 0.1

// Scores of one response.
type Scores struct {
	Personalization float64
	Relevance       float64
	Satisfaction    float64
}

// Score computes the three heuristic scores. confidence is the retrieval (or
// fallback) confidence in [0,1].
func Score(adaptations []string, signature bool, confidence float64, level domain.ConfidenceLevel, fallbackUsed bool) Scores {
	sig := 0.0
	if signature {
		sig = 1
	}
	personalization := math.Min(100, 15*float64(len(adaptations))+20*sig+30*confidence)

	relevance := 0.1
	if !fallbackUsed {
		switch level {
		case domain.ConfidenceHigh:
			relevance = 0.9
		case domain.ConfidenceMedium:
			relevance = 0.7
		default:
			relevance = 0.5
		}
	}

	satisfaction := math.Min(100, 0.4*personalization+40*relevance+0.2*confidence)

	return Scores{
		Personalization: round2(personalization),
		Relevance:       relevance,
		Satisfaction:    round2(satisfaction),
	}
}

// Stats are the orchestrator's running aggregates.
type Stats struct {
	Queries            int64                      `json:"queries"`
	FallbackCount      int64                      `json:"fallback_count"`
	CachedCount        int64                      `json:"cached_count"`
	PersonaUsage       map[domain.PersonaID]int64 `json:"persona_usage"`
	AvgPersonalization float64                    `json:"avg_personalization"`
	AvgRelevance       float64                    `json:"avg_relevance"`
	AvgSatisfaction    float64                    `json:"avg_satisfaction"`
	AvgLatencyMs       float64                    `json:"avg_latency_ms"`
}

type aggregator struct {
	mu sync.Mutex
	s  Stats
}

func newAggregator() *aggregator {
	return &aggregator{s: Stats{PersonaUsage: make(map[domain.PersonaID]int64)}}
}

func (a *aggregator) observe(persona domain.PersonaID, sc Scores, latency time.Duration, fallbackUsed, cached bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first := a.s.Queries == 0
	a.s.Queries++
	a.s.PersonaUsage[persona]++
	if fallbackUsed {
		a.s.FallbackCount++
	}
	if cached {
		a.s.CachedCount++
	}
	ms := float64(latency) / float64(time.Millisecond)
	a.s.AvgPersonalization = ema(a.s.AvgPersonalization, sc.Personalization, first)
	a.s.AvgRelevance = ema(a.s.AvgRelevance, sc.Relevance, first)
	a.s.AvgSatisfaction = ema(a.s.AvgSatisfaction, sc.Satisfaction, first)
	a.s.AvgLatencyMs = ema(a.s.AvgLatencyMs, ms, first)
}

func (a *aggregator) snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.s
	out.PersonaUsage = make(map[domain.PersonaID]int64, len(a.s.PersonaUsage))
	for k, v := range a.s.PersonaUsage {
		out.PersonaUsage[k] = v
	}
	return out
}

// ema seeds with the first sample, then smooths.
func ema(prev, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*prev
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
