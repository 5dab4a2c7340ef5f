package session

import (
	"context"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/app/fallback"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

const latencyAlpha = 0.1

// Stats are lifetime counters of the manager.
type Stats struct {
	Active                int                        `json:"active_sessions"`
	Started               int64                      `json:"sessions_started"`
	Ended                 int64                      `json:"sessions_ended"`
	Evicted               int64                      `json:"sessions_evicted"`
	Messages              int64                      `json:"messages"`
	Switches              int64                      `json:"persona_switches"`
	TechnicalDifficulties int64                      `json:"technical_difficulties"`
	PersonaUsage          map[domain.PersonaID]int64 `json:"persona_usage"`
	AvgLatencyMs          float64                    `json:"avg_latency_ms"`
}

func (s *Stats) observeLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if s.Messages <= 2 {
		s.AvgLatencyMs = ms
		return
	}
	s.AvgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*s.AvgLatencyMs
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.Active = len(m.active)
	out.PersonaUsage = make(map[domain.PersonaID]int64, len(m.stats.PersonaUsage))
	for k, v := range m.stats.PersonaUsage {
		out.PersonaUsage[k] = v
	}
	return out
}

// HealthReport rolls the component checks into one status.
type HealthReport struct {
	Status    HealthStatus    `json:"status"`
	Services  map[string]bool `json:"services"`
	Metrics   map[string]any  `json:"metrics"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Health is healthy when at least 80% of the checked services are up,
// degraded from 50% and critical below.
func (m *Manager) Health(ctx context.Context) HealthReport {
	st := m.Stats()
	rep := HealthReport{
		Services: make(map[string]bool, 3),
		Metrics: map[string]any{
			"active_sessions":        st.Active,
			"sessions_started":       st.Started,
			"messages":               st.Messages,
			"technical_difficulties": st.TechnicalDifficulties,
			"avg_latency_ms":         st.AvgLatencyMs,
		},
		CheckedAt: m.cfg.Now(),
	}

	if p := m.deps.Cache; p != nil {
		rep.Services["cache"] = p.Healthy()
		cs := p.Stats()
		rep.Metrics["cache_entries"] = cs.Entries
		if total := cs.Hits + cs.Misses; total > 0 {
			rep.Metrics["cache_hit_rate"] = float64(cs.Hits) / float64(total)
		}
	}
	if p := m.deps.Retrieval; p != nil {
		h := p.Health()
		rep.Services["retrieval"] = h.Healthy
		rep.Metrics["retrieval_success_rate"] = h.SuccessRate
		rep.Metrics["retrieval_queries"] = h.Queries
	}
	if p := m.deps.Fallback; p != nil {
		h := p.Health()
		rep.Services["fallback"] = h.Status == fallback.StatusGood
		rep.Metrics["fallback_status"] = string(h.Status)
		rep.Metrics["fallback_recent_failures"] = h.RecentFailures
	}

	rep.Status = rollup(rep.Services)
	return rep
}

func rollup(services map[string]bool) HealthStatus {
	if len(services) == 0 {
		return StatusHealthy
	}
	up := 0
	for _, ok := range services {
		if ok {
			up++
		}
	}
	ratio := float64(up) / float64(len(services))
	switch {
	case ratio >= 0.8:
		return StatusHealthy
	case ratio >= 0.5:
		return StatusDegraded
	default:
		return StatusCritical
	}
}
