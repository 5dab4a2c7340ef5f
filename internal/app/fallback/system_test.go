package fallback_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/cache"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/fallback"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/sentiment"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const rifampicinaQuery = "Qual a dose de rifampicina?"

type panickingStore struct{}

func (panickingStore) Get(context.Context, string) ([]byte, bool) { panic("boom") }
func (panickingStore) Set(context.Context, string, []byte, time.Duration) {}
func (panickingStore) Delete(context.Context, string) {}
func (panickingStore) Clear(context.Context, string) {}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func newSystem(now func() time.Time) (*fallback.System, *cache.Namespace) {
	ns := cache.New(cache.Options{}).Namespace("fallback:", fallback.DefaultCacheTTL)
	return fallback.New(ns, nil, fallback.Config{Now: now}), ns
}

func neutral() *sentiment.Result {
	r := sentiment.Analyze("qual o horário")
	return &r
}

func TestTimeoutFallsToLocalKnowledge(t *testing.T) {
	sys, _ := newSystem(nil)

	res := sys.Recover(context.Background(), rifampicinaQuery, domain.FailureTimeout, neutral(), fallback.Options{Persona: domain.PersonaTechnical})
	assert.True(t, res.Success)
	assert.Equal(t, domain.FallbackLocalKnowledge, res.Source)
	assert.InDelta(t, 0.55, res.Confidence, 1e-9)
	assert.Less(t, res.Confidence, 0.6)
	assert.Contains(t, res.Text, "600 mg")
	assert.Equal(t, []domain.FallbackSource{domain.FallbackCache, domain.FallbackLocalKnowledge}, res.Tried)
}

func TestRepeatedNetworkFailureHitsFallbackCache(t *testing.T) {
	ctx := context.Background()
	sys, _ := newSystem(nil)

	first := sys.Recover(ctx, rifampicinaQuery, domain.FailureNetwork, neutral(), fallback.Options{})
	require.Equal(t, domain.FallbackLocalKnowledge, first.Source)

	second := sys.Recover(ctx, rifampicinaQuery, domain.FailureNetwork, neutral(), fallback.Options{})
	assert.Equal(t, domain.FallbackCache, second.Source)
	assert.Equal(t, fallback.ConfidenceCache, second.Confidence)
	assert.Equal(t, first.Text, second.Text)
}

func TestCacheHitIsReadaptedToCurrentSentiment(t *testing.T) {
	ctx := context.Background()
	sys, _ := newSystem(nil)

	_ = sys.Recover(ctx, rifampicinaQuery, domain.FailureNetwork, neutral(), fallback.Options{})
	anxious := sentiment.Analyze("estou com medo")
	res := sys.Recover(ctx, rifampicinaQuery, domain.FailureNetwork, &anxious, fallback.Options{})

	require.Equal(t, domain.FallbackCache, res.Source)
	assert.True(t, strings.HasPrefix(res.Text, fallback.ReassuranceMarker))
	assert.Equal(t, 1, strings.Count(res.Text, fallback.ReassuranceMarker), "raw text is cached, not the adapted one")
}

func TestServerErrorSkipsCache(t *testing.T) {
	ctx := context.Background()
	sys, ns := newSystem(nil)
	ns.Set(ctx, fallback.Key("pergunta sem resposta curada", ""), []byte("stale"), time.Minute)

	res := sys.Recover(ctx, "pergunta sem resposta curada", domain.FailureServerError, neutral(), fallback.Options{})
	assert.Equal(t, domain.FallbackEmergency, res.Source)
	assert.Equal(t, []domain.FallbackSource{domain.FallbackLocalKnowledge, domain.FallbackEmergency}, res.Tried)
}

func TestDataCorruptionAndLowConfidenceUseLocalKnowledge(t *testing.T) {
	sys, _ := newSystem(nil)
	for _, kind := range []domain.FailureKind{domain.FailureDataCorruption, domain.FailureLowConfidence} {
		res := sys.Recover(context.Background(), "Quanto tempo dura o tratamento com a PQT-U?", kind, neutral(), fallback.Options{})
		assert.Equal(t, domain.FallbackLocalKnowledge, res.Source, kind)
		assert.Contains(t, res.Text, "12 meses")
	}
}

func TestUnknownKindGoesStraightToEmergency(t *testing.T) {
	sys, _ := newSystem(nil)

	res := sys.Recover(context.Background(), rifampicinaQuery, domain.FailureUnknown, neutral(), fallback.Options{})
	assert.Equal(t, domain.FallbackEmergency, res.Source)
	assert.Equal(t, fallback.ConfidenceEmergency, res.Confidence)
	assert.Equal(t, fallback.DefaultEmergencyContact, res.EmergencyContact)
	assert.NotEmpty(t, res.Advisory)
}

func TestReassuranceMarkerOnlyWhenAnxious(t *testing.T) {
	sys, _ := newSystem(nil)
	anxious := sentiment.Analyze("Estou muito preocupado e com medo")
	require.Equal(t, sentiment.Anxious, anxious.Category)

	for _, kind := range []domain.FailureKind{domain.FailureServerError, domain.FailureUnknown} {
		calm := sys.Recover(context.Background(), rifampicinaQuery, kind, neutral(), fallback.Options{})
		worried := sys.Recover(context.Background(), rifampicinaQuery, kind, &anxious, fallback.Options{})
		assert.NotContains(t, calm.Text, fallback.ReassuranceMarker, kind)
		assert.Contains(t, worried.Text, fallback.ReassuranceMarker, kind)
	}
}

func TestNilSentimentAnalyzesQuery(t *testing.T) {
	sys, _ := newSystem(nil)
	res := sys.Recover(context.Background(), "Estou com medo, qual a dose de rifampicina?", domain.FailureServerError, nil, fallback.Options{})
	assert.Equal(t, string(sentiment.Anxious), res.Sentiment)
	assert.Contains(t, res.Text, fallback.ReassuranceMarker)
}

func TestPanicBecomesGeneric(t *testing.T) {
	ev := &recorder{}
	sys := fallback.New(panickingStore{}, ev, fallback.Config{})

	res := sys.Recover(context.Background(), rifampicinaQuery, domain.FailureTimeout, neutral(), fallback.Options{})
	assert.True(t, res.Success)
	assert.Equal(t, domain.FallbackGeneric, res.Source)
	assert.Equal(t, fallback.ConfidenceGeneric, res.Confidence)
	require.Len(t, ev.events, 1)
	assert.Equal(t, "generic", ev.events[0].Action)
	assert.Equal(t, int64(1), sys.Health().BySource[domain.FallbackGeneric])
}

func TestHealthThresholds(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	sys, _ := newSystem(func() time.Time { return now })
	assert.Equal(t, fallback.StatusGood, sys.Health().Status)

	for i := 0; i < 3; i++ {
		sys.Recover(context.Background(), "x", domain.FailureTimeout, neutral(), fallback.Options{})
	}
	h := sys.Health()
	assert.Equal(t, fallback.StatusDegraded, h.Status)
	assert.Equal(t, int64(3), h.TotalFailures)
	assert.Equal(t, int64(3), h.ByKind[domain.FailureTimeout])
	require.NotNil(t, h.LastFailureAt)

	for i := 0; i < 7; i++ {
		sys.Recover(context.Background(), "x", domain.FailureNetwork, neutral(), fallback.Options{})
	}
	assert.Equal(t, fallback.StatusCritical, sys.Health().Status)

	now = now.Add(6 * time.Minute)
	h = sys.Health()
	assert.Equal(t, fallback.StatusGood, h.Status, "old failures age out")
	assert.Equal(t, int64(10), h.TotalFailures)
}
