// Package fallback is the terminal safety net: given a failure kind and the
// user's sentiment it walks an ordered chain of degraded answers and always
// returns one.
package fallback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/cache"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/sentiment"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

// Tier confidences. All stay below what a healthy retrieval reports.
const (
	ConfidenceCache          = 0.5
	ConfidenceLocalKnowledge = 0.55
	ConfidenceEmergency      = 0.3
	ConfidenceGeneric        = 0.1
)

const (
	DefaultCacheTTL         = 5 * time.Minute
	DefaultEmergencyContact = "Disque Saúde 136"

	emergencyText = "No momento não consegui consultar a base de conhecimento completa. Para orientações sobre a " +
		"PQT-U, procure o farmacêutico ou a equipe da sua unidade de saúde. Se surgirem falta de ar, pele ou " +
		"olhos amarelados, manchas roxas ou febre alta, procure atendimento imediatamente."
	emergencyAdvisory = "Resposta de contingência: confirme as orientações com um profissional de saúde."
	genericText       = "Desculpe, tivemos uma dificuldade técnica. Tente novamente em instantes ou procure sua unidade de saúde."
)

// Options carry per-call context.
type Options struct {
	Persona domain.PersonaID
}

// Config for a System. Zero values use the defaults.
type Config struct {
	CacheTTL         time.Duration
	Knowledge        []Entry
	EmergencyContact string
	Now              func() time.Time
}

type System struct {
	cache   cache.Store // the fallback namespace
	events  domain.EventSink
	table   []Entry
	ttl     time.Duration
	contact string
	now     func() time.Time
	health  *healthTracker
}

// New builds a System. store should be a namespace dedicated to fallback
// answers; it may be nil.
func New(store cache.Store, events domain.EventSink, cfg Config) *System {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Knowledge == nil {
		cfg.Knowledge = DefaultKnowledge()
	}
	if cfg.EmergencyContact == "" {
		cfg.EmergencyContact = DefaultEmergencyContact
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &System{
		cache:   store,
		events:  events,
		table:   cfg.Knowledge,
		ttl:     cfg.CacheTTL,
		contact: cfg.EmergencyContact,
		now:     cfg.Now,
		health:  newHealthTracker(),
	}
}

// chainFor lists the tiers tried for a failure kind, in order.
func chainFor(kind domain.FailureKind) []domain.FallbackSource {
	switch kind {
	case domain.FailureNetwork, domain.FailureTimeout:
		return []domain.FallbackSource{domain.FallbackCache, domain.FallbackLocalKnowledge, domain.FallbackEmergency}
	case domain.FailureServerError, domain.FailureDataCorruption, domain.FailureLowConfidence:
		return []domain.FallbackSource{domain.FallbackLocalKnowledge, domain.FallbackEmergency}
	default:
		return []domain.FallbackSource{domain.FallbackEmergency}
	}
}

// Recover never fails. When sent is nil the query itself is analyzed.
func (s *System) Recover(ctx context.Context, query string, kind domain.FailureKind, sent *sentiment.Result, opt Options) (res domain.FallbackResult) {
	log := observability.LoggerFromContext(ctx).With("failure_kind", kind, "persona", opt.Persona)
	s.health.failure(kind, s.now())

	var tried []domain.FallbackSource
	defer func() {
		if r := recover(); r != nil {
			log.Error("fallback chain panicked", "error", &domain.UnrecoverableError{Op: "fallback.Recover", Cause: r})
			res = s.generic(tried)
		}
		s.health.served(res.Source)
		s.emit(domain.Event{Category: "fallback", Action: string(res.Source), Label: string(kind), Value: res.Confidence})
	}()

	mood := sentiment.Analyze(query)
	if sent != nil {
		mood = *sent
	}

	for _, tier := range chainFor(kind) {
		tried = append(tried, tier)
		raw, ok := s.try(ctx, tier, query, opt)
		if !ok {
			continue
		}

		res = domain.FallbackResult{
			Success:    true,
			Text:       Adapt(raw, mood),
			Source:     tier,
			Confidence: tierConfidence(tier),
			Sentiment:  string(mood.Category),
			Tried:      tried,
		}
		if tier == domain.FallbackEmergency {
			res.Advisory = emergencyAdvisory
			res.EmergencyContact = s.contact
		}
		if tier == domain.FallbackLocalKnowledge {
			s.Remember(ctx, query, opt.Persona, raw)
		}
		log.Info("fallback served", "source", tier, "sentiment", mood.Category)
		return res
	}

	// Unreachable while emergency ends every chain.
	return s.generic(tried)
}

func (s *System) try(ctx context.Context, tier domain.FallbackSource, query string, opt Options) (string, bool) {
	switch tier {
	case domain.FallbackCache:
		if s.cache == nil {
			return "", false
		}
		raw, ok := s.cache.Get(ctx, Key(query, opt.Persona))
		if !ok || len(raw) == 0 {
			return "", false
		}
		return string(raw), true
	case domain.FallbackLocalKnowledge:
		e, ok := Lookup(s.table, query)
		if !ok {
			return "", false
		}
		return e.Answer, true
	case domain.FallbackEmergency:
		return emergencyText, true
	default:
		panic(fmt.Sprintf("unknown fallback tier %q", tier))
	}
}

// Remember stores a raw (unadapted) answer for later cache-tier recoveries.
func (s *System) Remember(ctx context.Context, query string, persona domain.PersonaID, raw string) {
	if s.cache == nil || strings.TrimSpace(raw) == "" {
		return
	}
	s.cache.Set(ctx, Key(query, persona), []byte(raw), s.ttl)
}

// Health derives good/degraded/critical from recent failures.
func (s *System) Health() Health {
	return s.health.snapshot(s.now())
}

// Key is the fallback cache key for a query (relative to the namespace).
func Key(query string, persona domain.PersonaID) string {
	sum := sha256.Sum256([]byte(textutil.Normalize(query) + "|" + string(persona)))
	return hex.EncodeToString(sum[:])
}

func (s *System) generic(tried []domain.FallbackSource) domain.FallbackResult {
	return domain.FallbackResult{
		Success:          true,
		Text:             genericText,
		Source:           domain.FallbackGeneric,
		Confidence:       ConfidenceGeneric,
		EmergencyContact: s.contact,
		Tried:            append(tried, domain.FallbackGeneric),
	}
}

func (s *System) emit(ev domain.Event) {
	if s.events != nil {
		s.events.Emit(ev)
	}
}

func tierConfidence(tier domain.FallbackSource) float64 {
	switch tier {
	case domain.FallbackCache:
		return ConfidenceCache
	case domain.FallbackLocalKnowledge:
		return ConfidenceLocalKnowledge
	case domain.FallbackEmergency:
		return ConfidenceEmergency
	default:
		return ConfidenceGeneric
	}
}
