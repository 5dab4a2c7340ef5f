package fallback

import (
	"sync"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

type Status string

const (
	StatusGood     Status = "good"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

const (
	recentWindow = 5 * time.Minute
	windowCap    = 100
	degradedAt   = 3
	criticalAt   = 10
)

// Health is a snapshot of fallback activity.
type Health struct {
	Status         Status                          `json:"status"`
	TotalFailures  int64                           `json:"total_failures"`
	RecentFailures int                             `json:"recent_failures"`
	ByKind         map[domain.FailureKind]int64    `json:"by_kind"`
	BySource       map[domain.FallbackSource]int64 `json:"by_source"`
	LastFailureAt  *time.Time                      `json:"last_failure_at,omitempty"`
}

type healthTracker struct {
	mu       sync.Mutex
	total    int64
	byKind   map[domain.FailureKind]int64
	bySource map[domain.FallbackSource]int64
	last     time.Time
	window   []time.Time // most recent failure times, oldest first
}

func newHealthTracker() *healthTracker {
	return &healthTracker{
		byKind:   make(map[domain.FailureKind]int64),
		bySource: make(map[domain.FallbackSource]int64),
	}
}

func (h *healthTracker) failure(kind domain.FailureKind, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.byKind[kind]++
	h.last = at
	h.window = append(h.window, at)
	if len(h.window) > windowCap {
		h.window = h.window[len(h.window)-windowCap:]
	}
}

func (h *healthTracker) served(src domain.FallbackSource) {
	h.mu.Lock()
	h.bySource[src]++
	h.mu.Unlock()
}

func (h *healthTracker) snapshot(now time.Time) Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := Health{
		TotalFailures: h.total,
		ByKind:        make(map[domain.FailureKind]int64, len(h.byKind)),
		BySource:      make(map[domain.FallbackSource]int64, len(h.bySource)),
	}
	for k, v := range h.byKind {
		out.ByKind[k] = v
	}
	for k, v := range h.bySource {
		out.BySource[k] = v
	}
	if !h.last.IsZero() {
		last := h.last
		out.LastFailureAt = &last
	}

	cutoff := now.Add(-recentWindow)
	for _, t := range h.window {
		if t.After(cutoff) {
			out.RecentFailures++
		}
	}
	switch {
	case out.RecentFailures < degradedAt:
		out.Status = StatusGood
	case out.RecentFailures < criticalAt:
		out.Status = StatusDegraded
	default:
		out.Status = StatusCritical
	}
	return out
}
