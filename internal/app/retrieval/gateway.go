// Package retrieval is the uniform query interface over the primary
// (contextual-answer) and secondary (raw-search) knowledge backends.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/cache"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

const (
	KeyPrefix = "retrieval:"

	BackendPrimary   = "primary"
	BackendSecondary = "secondary"

	defaultTimeout   = 8 * time.Second
	defaultMaxChunks = 5
	healthWindow     = 20
)

// Options tune one query.
type Options struct {
	MaxChunks           int
	MinConfidence       float64
	MinSimilarity       float64
	PreferredCategories []string
	UseCache            bool
	// KeyText, when set, replaces the query text in the cache key. Callers that
	// decorate the query use it to keep memoization stable.
	KeyText string
}

// Config holds gateway-wide settings.
type Config struct {
	Timeout        time.Duration
	MaxChunks      int
	EnhanceWithLLM bool
}

// Health summarizes the recent outcome window.
type Health struct {
	Healthy     bool                       `json:"healthy"`
	SuccessRate float64                    `json:"success_rate"`
	Window      int                        `json:"window"`
	Queries     int64                      `json:"queries"`
	CacheHits   int64                      `json:"cache_hits"`
	Failures    map[domain.FailureKind]int `json:"failures"`
	LastError   string                     `json:"last_error,omitempty"`
}

type Gateway struct {
	primary   domain.PrimaryBackend
	secondary domain.SecondaryBackend
	cache     cache.Store
	events    domain.EventSink
	cfg       Config

	group singleflight.Group

	mu        sync.Mutex
	outcomes  [healthWindow]bool
	recorded  int
	next      int
	queries   int64
	cacheHits int64
	failures  map[domain.FailureKind]int
	lastError string
}

// New builds a Gateway. Either backend may be nil; store and events are optional.
func New(primary domain.PrimaryBackend, secondary domain.SecondaryBackend, store cache.Store, events domain.EventSink, cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultMaxChunks
	}
	return &Gateway{
		primary:   primary,
		secondary: secondary,
		cache:     store,
		events:    events,
		cfg:       cfg,
		failures:  make(map[domain.FailureKind]int),
	}
}

// CacheKey is the memoization key for a query.
func CacheKey(text string, persona domain.PersonaID, maxChunks int) string {
	sum := sha256.Sum256([]byte(textutil.Normalize(text) + "|" + string(persona) + "|" + strconv.Itoa(maxChunks)))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// TTLFor maps a confidence to its cache lifetime. ok is false when the
// result is too weak to memoize.
func TTLFor(confidence float64) (ttl time.Duration, ok bool) {
	switch {
	case confidence >= 0.8:
		return 60 * time.Minute, true
	case confidence >= 0.6:
		return 30 * time.Minute, true
	case confidence >= 0.4:
		return 10 * time.Minute, true
	default:
		return 0, false
	}
}

// Query returns a normalized RetrievalContext or a *domain.RetrievalError once
// every backend is exhausted. It never synthesizes an answer.
func (g *Gateway) Query(ctx context.Context, text string, persona domain.PersonaID, opt Options) (*domain.RetrievalContext, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.Invalid("query", domain.ErrEmptyQuery)
	}
	if opt.MaxChunks <= 0 {
		opt.MaxChunks = g.cfg.MaxChunks
	}
	keyText := opt.KeyText
	if strings.TrimSpace(keyText) == "" {
		keyText = text
	}
	key := CacheKey(keyText, persona, opt.MaxChunks)

	log := observability.LoggerFromContext(ctx).With("persona", persona, "max_chunks", opt.MaxChunks)

	if opt.UseCache && g.cache != nil {
		if rc, ok := cache.GetJSON[domain.RetrievalContext](ctx, g.cache, key); ok {
			rc.Cached = true
			rc.CacheStatus = domain.CacheHit
			g.record(true, "", nil, true)
			g.emit(domain.Event{Category: "retrieval", Action: "cache_hit", Label: rc.Backend, Value: rc.Confidence})
			log.Debug("retrieval cache hit", "backend", rc.Backend)
			return &rc, nil
		}
	}

	// The cache key alone is not enough: two decorations of the same key text
	// may reach the backends with different wording.
	flightKey := key + "|" + textutil.Normalize(text) + "|" + strconv.FormatFloat(opt.MinConfidence, 'f', 3, 64)
	v, err, shared := g.group.Do(flightKey, func() (any, error) {
		return g.fetch(ctx, text, persona, opt, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug("retrieval result shared with concurrent caller")
	}
	return clone(v.(*domain.RetrievalContext)), nil
}

func (g *Gateway) fetch(ctx context.Context, text string, persona domain.PersonaID, opt Options, key string) (*domain.RetrievalContext, error) {
	log := observability.LoggerFromContext(ctx).With("persona", persona)
	start := time.Now()

	var (
		errs     []error
		lastKind = domain.FailureUnknown
		lastName string
	)
	attempt := func(name string, fn func(context.Context) (*domain.RetrievalContext, error)) *domain.RetrievalContext {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		rc, err := fn(cctx)
		if err == nil && rc.Confidence < opt.MinConfidence {
			err = fmt.Errorf("%s: confidence %.2f below %.2f: %w", name, rc.Confidence, opt.MinConfidence, errLowConfidence)
		}
		if err != nil {
			lastKind, lastName = Classify(err), name
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			log.Warn("retrieval backend failed", "backend", name, "kind", lastKind, "error", err)
			return nil
		}
		return rc
	}

	var rc *domain.RetrievalContext
	if g.primary != nil {
		rc = attempt(BackendPrimary, func(ctx context.Context) (*domain.RetrievalContext, error) {
			return g.askPrimary(ctx, text, persona, opt)
		})
	}
	if rc == nil && g.secondary != nil {
		rc = attempt(BackendSecondary, func(ctx context.Context) (*domain.RetrievalContext, error) {
			return g.askSecondary(ctx, text, opt)
		})
	}

	if rc == nil {
		if len(errs) == 0 {
			errs = append(errs, errors.New("no retrieval backend configured"))
		}
		rerr := &domain.RetrievalError{Kind: lastKind, Backend: lastName, Err: errors.Join(errs...)}
		g.record(false, lastKind, rerr, false)
		g.emit(domain.Event{Category: "retrieval", Action: "failure", Label: string(lastKind)})
		return nil, rerr
	}

	rc.Query = domain.QueryMetadata{
		Query:          text,
		Persona:        persona,
		MaxChunks:      opt.MaxChunks,
		ProcessingTime: time.Since(start),
	}

	switch ttl, eligible := TTLFor(rc.Confidence); {
	case !opt.UseCache || g.cache == nil:
		rc.CacheStatus = domain.CacheBypassed
	case !eligible:
		rc.CacheStatus = domain.CacheIneligible
	default:
		rc.CacheStatus = domain.CacheStored
		cache.SetJSON(ctx, g.cache, key, rc, ttl)
	}

	g.record(true, "", nil, false)
	g.emit(domain.Event{Category: "retrieval", Action: "success", Label: rc.Backend, Value: rc.Confidence})
	log.Info("retrieval succeeded",
		"backend", rc.Backend,
		"confidence", rc.Confidence,
		"chunks", len(rc.Chunks),
		"cache_status", rc.CacheStatus,
		"elapsed_ms", rc.Query.ProcessingTime.Milliseconds())
	return rc, nil
}

var errLowConfidence = errors.New("low confidence")

func (g *Gateway) askPrimary(ctx context.Context, text string, persona domain.PersonaID, opt Options) (*domain.RetrievalContext, error) {
	resp, err := g.primary.Answer(ctx, domain.PrimaryRequest{
		Question:       text,
		Persona:        persona,
		MaxChunks:      opt.MaxChunks,
		EnhanceWithLLM: g.cfg.EnhanceWithLLM,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &domain.MalformedPayloadError{Backend: BackendPrimary, Reason: "nil response"}
	}
	if len(resp.Chunks) == 0 {
		return nil, &domain.MalformedPayloadError{Backend: BackendPrimary, Reason: "zero chunks"}
	}
	if strings.TrimSpace(resp.Answer) == "" {
		return nil, &domain.MalformedPayloadError{Backend: BackendPrimary, Reason: "empty answer"}
	}
	if invalidConfidence(resp.Confidence) {
		return nil, &domain.MalformedPayloadError{Backend: BackendPrimary, Reason: "confidence out of range"}
	}

	chunks := rank(resp.Chunks, opt.PreferredCategories, opt.MaxChunks)
	sources := resp.Sources
	if len(sources) == 0 {
		sources = chunkIDs(chunks)
	}
	return &domain.RetrievalContext{
		Answer:     resp.Answer,
		Chunks:     chunks,
		TotalScore: totalScore(chunks),
		Confidence: resp.Confidence,
		SourceIDs:  sources,
		Level:      domain.LevelFor(resp.Confidence),
		Backend:    BackendPrimary,
	}, nil
}

func (g *Gateway) askSecondary(ctx context.Context, text string, opt Options) (*domain.RetrievalContext, error) {
	// The similarity floor is applied here. An empty payload is corruption;
	// a payload of weak matches is low confidence.
	resp, err := g.secondary.Search(ctx, domain.SearchRequest{
		Query:      text,
		MaxChunks:  opt.MaxChunks,
		ChunkTypes: opt.PreferredCategories,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &domain.MalformedPayloadError{Backend: BackendSecondary, Reason: "nil response"}
	}

	var (
		kept  = make([]domain.Chunk, 0, len(resp.Chunks))
		texts int
		best  float64
	)
	for _, c := range resp.Chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		texts++
		best = max(best, c.Score)
		if c.Score < opt.MinSimilarity {
			continue
		}
		kept = append(kept, c)
	}
	switch {
	case texts == 0:
		return nil, &domain.MalformedPayloadError{Backend: BackendSecondary, Reason: "zero chunks"}
	case len(kept) == 0:
		return nil, fmt.Errorf("best similarity %.2f below %.2f: %w", best, opt.MinSimilarity, errLowConfidence)
	}
	chunks := rank(kept, opt.PreferredCategories, opt.MaxChunks)

	conf := resp.Confidence
	if invalidConfidence(conf) {
		return nil, &domain.MalformedPayloadError{Backend: BackendSecondary, Reason: "confidence out of range"}
	}
	answer := strings.TrimSpace(resp.CombinedContext)
	if conf == 0 || len(kept) < texts {
		conf = domain.Clamp01(totalScore(chunks) / float64(len(chunks)))
		answer = ""
	}

	if answer == "" {
		parts := make([]string, 0, len(chunks))
		for _, c := range chunks {
			parts = append(parts, strings.TrimSpace(c.Text))
		}
		answer = strings.Join(parts, "\n\n")
	}

	return &domain.RetrievalContext{
		Answer:     answer,
		Chunks:     chunks,
		TotalScore: totalScore(chunks),
		Confidence: conf,
		SourceIDs:  chunkIDs(chunks),
		Level:      domain.LevelFor(conf),
		Backend:    BackendSecondary,
	}, nil
}

// Classify maps a backend error to a failure kind.
func Classify(err error) domain.FailureKind {
	var (
		status    *domain.BackendStatusError
		malformed *domain.MalformedPayloadError
		netErr    net.Error
	)
	switch {
	case err == nil:
		return domain.FailureUnknown
	case errors.Is(err, errLowConfidence):
		return domain.FailureLowConfidence
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.FailureTimeout
	case errors.As(err, &malformed):
		return domain.FailureDataCorruption
	case errors.As(err, &status):
		switch {
		case status.StatusCode == http.StatusRequestTimeout || status.StatusCode == http.StatusGatewayTimeout:
			return domain.FailureTimeout
		case status.StatusCode >= 500:
			return domain.FailureServerError
		default:
			return domain.FailureDataCorruption
		}
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return domain.FailureTimeout
		}
		return domain.FailureNetwork
	default:
		return domain.FailureUnknown
	}
}

// Health reports whether at least half of the recent outcomes succeeded.
func (g *Gateway) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := Health{
		Healthy:     true,
		SuccessRate: 1,
		Window:      g.recorded,
		Queries:     g.queries,
		CacheHits:   g.cacheHits,
		Failures:    make(map[domain.FailureKind]int, len(g.failures)),
		LastError:   g.lastError,
	}
	for k, v := range g.failures {
		h.Failures[k] = v
	}
	if g.recorded > 0 {
		ok := 0
		for i := 0; i < g.recorded; i++ {
			if g.outcomes[i] {
				ok++
			}
		}
		h.SuccessRate = float64(ok) / float64(g.recorded)
		h.Healthy = ok*2 >= g.recorded
	}
	return h
}

func (g *Gateway) record(success bool, kind domain.FailureKind, err error, cacheHit bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queries++
	if cacheHit {
		g.cacheHits++
	}
	if !success {
		g.failures[kind]++
		g.lastError = err.Error()
	}
	g.outcomes[g.next] = success
	g.next = (g.next + 1) % healthWindow
	if g.recorded < healthWindow {
		g.recorded++
	}
}

func (g *Gateway) emit(ev domain.Event) {
	if g.events != nil {
		g.events.Emit(ev)
	}
}

// rank puts preferred categories first, then orders by score, and keeps at
// most n chunks.
func rank(chunks []domain.Chunk, preferred []string, n int) []domain.Chunk {
	pref := make(map[string]bool, len(preferred))
	for _, p := range preferred {
		pref[p] = true
	}
	out := append([]domain.Chunk(nil), chunks...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := pref[out[i].Category], pref[out[j].Category]
		if pi != pj {
			return pi
		}
		return out[i].Score > out[j].Score
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func chunkIDs(chunks []domain.Chunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		id := c.Source
		if id == "" {
			id = c.ID
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func totalScore(chunks []domain.Chunk) float64 {
	var s float64
	for _, c := range chunks {
		s += c.Score
	}
	return s
}

func invalidConfidence(c float64) bool {
	return math.IsNaN(c) || c < 0 || c > 1
}

func clone(rc *domain.RetrievalContext) *domain.RetrievalContext {
	c := *rc
	c.Chunks = append([]domain.Chunk(nil), rc.Chunks...)
	c.SourceIDs = append([]string(nil), rc.SourceIDs...)
	return &c
}
