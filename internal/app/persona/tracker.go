package persona

import (
	"context"
	"sync"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/cache"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

const (
	ProfileKeyPrefix = "profile:"

	maxTopics  = 10
	profileTTL = 30 * 24 * time.Hour
)

// topicPatterns maps a topic to the stems that reveal it.
var topicPatterns = []struct {
	topic string
	stems []string
}{
	{"dosagem", []string{"dose", "dosag", "posolog", "mg", "comprimido", "capsula"}},
	{"efeitos adversos", []string{"efeito", "reac", "colateral", "advers", "enjoo", "nausea"}},
	{"interacoes", []string{"interac", "alcool", "bebida", "anticoncepcional", "misturar"}},
	{"adesao", []string{"esquec", "atras", "perdi", "pulei", "parar", "abandon"}},
	{"gestacao", []string{"gravid", "gestant", "gestacao", "amament"}},
	{"armazenamento", []string{"guardar", "armazen", "conservar", "geladeira"}},
	{"transmissao", []string{"transmi", "contagi"}},
	{"duracao", []string{"duracao", "meses", "cartela", "blister"}},
	{"rifampicina", []string{"rifampicin"}},
	{"clofazimina", []string{"clofazimin"}},
	{"dapsona", []string{"dapson"}},
}

// ExtractTopics returns the known topics mentioned in text, in table order.
func ExtractTopics(text string) []string {
	folded := textutil.Fold(text)
	var out []string
	for _, p := range topicPatterns {
		if _, ok := textutil.HasPrefixWord(folded, p.stems...); ok {
			out = append(out, p.topic)
		}
	}
	return out
}

// Tracker keeps per-user interaction profiles in the cache and the recent
// interaction log in an InteractionStore.
type Tracker struct {
	mu    sync.Mutex // serializes profile read-modify-write
	cache cache.Store
	log   domain.InteractionStore
	now   func() time.Time
}

// NewTracker builds a Tracker. A nil store gets a private in-memory cache;
// a nil log disables the interaction log.
func NewTracker(store cache.Store, log domain.InteractionStore, now func() time.Time) *Tracker {
	if store == nil {
		store = cache.New(cache.Options{})
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{cache: store, log: log, now: now}
}

// Touch records a query on the user's profile and returns the topics the user
// raised before it, most recent first.
func (t *Tracker) Touch(ctx context.Context, user domain.UserID, persona domain.PersonaID, topics []string) []string {
	if user == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ProfileKeyPrefix + string(user)
	prof, ok := cache.GetJSON[domain.UserInteractionProfile](ctx, t.cache, key)
	if !ok {
		prof = domain.UserInteractionProfile{UserID: user}
	}
	if prof.PersonaUsage == nil {
		prof.PersonaUsage = make(map[domain.PersonaID]int)
	}

	prior := make([]string, 0, len(prof.Topics))
	for i := len(prof.Topics) - 1; i >= 0; i-- {
		prior = append(prior, prof.Topics[i])
	}

	prof.InteractionCount++
	prof.LastInteractionAt = t.now()
	prof.PersonaUsage[persona]++
	if prof.PreferredPersona == "" || prof.PersonaUsage[persona] > prof.PersonaUsage[prof.PreferredPersona] {
		prof.PreferredPersona = persona
	}
	for _, topic := range topics {
		prof.Topics = pushTopic(prof.Topics, topic)
	}

	cache.SetJSON(ctx, t.cache, key, prof, profileTTL)
	return prior
}

// Profile returns the stored profile for user.
func (t *Tracker) Profile(ctx context.Context, user domain.UserID) (domain.UserInteractionProfile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cache.GetJSON[domain.UserInteractionProfile](ctx, t.cache, ProfileKeyPrefix+string(user))
}

// Record appends to the user's interaction log. Failures are logged only.
func (t *Tracker) Record(ctx context.Context, rec domain.InteractionRecord) {
	if t.log == nil || rec.UserID == "" {
		return
	}
	if err := t.log.AppendInteraction(ctx, rec); err != nil {
		observability.LoggerFromContext(ctx).Warn("interaction log append failed",
			"user_id", rec.UserID,
			"error", err)
	}
}

// Recent returns up to limit interactions, oldest first.
func (t *Tracker) Recent(ctx context.Context, user domain.UserID, limit int) ([]domain.InteractionRecord, error) {
	if t.log == nil {
		return nil, nil
	}
	return t.log.ListInteractions(ctx, user, limit)
}

// pushTopic moves topic to the end and keeps the last maxTopics distinct topics.
func pushTopic(topics []string, topic string) []string {
	out := topics[:0:0]
	for _, t := range topics {
		if t != topic {
			out = append(out, t)
		}
	}
	out = append(out, topic)
	if len(out) > maxTopics {
		out = out[len(out)-maxTopics:]
	}
	return out
}
