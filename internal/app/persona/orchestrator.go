// Package persona turns a question into a persona-voiced, scored answer. It
// personalizes the query, asks the retrieval gateway, falls back when that
// fails, and keeps per-user interaction profiles.
package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/app/fallback"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/retrieval"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/sentiment"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

// Retriever is the gateway as seen by the orchestrator.
type Retriever interface {
	Query(ctx context.Context, text string, persona domain.PersonaID, opt retrieval.Options) (*domain.RetrievalContext, error)
}

// Recoverer is the fallback system as seen by the orchestrator.
type Recoverer interface {
	Recover(ctx context.Context, query string, kind domain.FailureKind, sent *sentiment.Result, opt fallback.Options) domain.FallbackResult
	Remember(ctx context.Context, query string, persona domain.PersonaID, raw string)
}

// Query is one question addressed to a persona.
type Query struct {
	Text      string
	PersonaID domain.PersonaID
	UserID    domain.UserID
	SessionID domain.SessionID
	History   []*domain.Message
}

// Response is what the caller always gets back for valid input.
type Response struct {
	Text                   string                 `json:"text"`
	Persona                domain.PersonaID       `json:"persona"`
	Confidence             float64                `json:"confidence"`
	Level                  domain.ConfidenceLevel `json:"confidence_level"`
	Sources                []string               `json:"sources,omitempty"`
	PersonalizationScore   float64                `json:"personalization_score"`
	Adaptations            []string               `json:"adaptations"`
	ContextRelevance       float64                `json:"context_relevance"`
	SatisfactionPrediction float64                `json:"satisfaction_prediction"`
	ProcessingTime         time.Duration          `json:"processing_time"`
	FallbackUsed           bool                   `json:"fallback_used"`
	FallbackSource         domain.FallbackSource  `json:"fallback_source,omitempty"`
	Advisory               string                 `json:"advisory,omitempty"`
	EmergencyContact       string                 `json:"emergency_contact,omitempty"`
	Cached                 bool                   `json:"cached"`
	Sentiment              sentiment.Category     `json:"sentiment"`
}

// Config holds orchestrator settings.
type Config struct {
	DefaultMinConfidence float64
	UseCache             bool
	Now                  func() time.Time
}

type Orchestrator struct {
	profiles *Profiles
	gateway  Retriever
	fallback Recoverer
	tracker  *Tracker
	pipeline *Pipeline
	events   domain.EventSink
	cfg      Config
	stats    *aggregator
}

func NewOrchestrator(profiles *Profiles, gateway Retriever, fb Recoverer, tracker *Tracker, events domain.EventSink, cfg Config) *Orchestrator {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	if fb == nil {
		fb = fallback.New(nil, events, fallback.Config{})
	}
	if tracker == nil {
		tracker = NewTracker(nil, nil, cfg.Now)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		profiles: profiles,
		gateway:  gateway,
		fallback: fb,
		tracker:  tracker,
		pipeline: DefaultPipeline(),
		events:   events,
		cfg:      cfg,
		stats:    newAggregator(),
	}
}

func (o *Orchestrator) Profiles() *Profiles { return o.profiles }

func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

func (o *Orchestrator) Stats() Stats { return o.stats.snapshot() }

// QueryWithPersona answers q in the voice of q.PersonaID. Only validation
// errors are returned; retrieval failures become a fallback answer.
func (o *Orchestrator) QueryWithPersona(ctx context.Context, q Query) (*Response, error) {
	start := o.cfg.Now()

	if strings.TrimSpace(q.Text) == "" {
		return nil, domain.Invalid("text", domain.ErrEmptyQuery)
	}
	profile, ok := o.profiles.Get(q.PersonaID)
	if !ok {
		return nil, domain.Invalid("persona", fmt.Errorf("%w: %q", domain.ErrUnknownPersona, q.PersonaID))
	}

	log := observability.LoggerFromContext(ctx).With(
		"persona", profile.ID,
		"user_id", q.UserID,
		"session_id", q.SessionID,
	)

	mood := sentiment.Analyze(q.Text)
	topics := ExtractTopics(q.Text)
	prior := o.tracker.Touch(ctx, q.UserID, profile.ID, topics)
	if q.UserID == "" {
		prior = historyTopics(q.History)
	}
	personalized := Personalize(q.Text, profile, mood, recentTopics(prior, topics, 2))

	minConf := profile.Retrieval.MinConfidence
	if minConf <= 0 {
		minConf = o.cfg.DefaultMinConfidence
	}

	resp := &Response{Persona: profile.ID, Sentiment: mood.Category}

	rc, err := o.retrieve(ctx, personalized, profile, retrieval.Options{
		MaxChunks:           profile.Retrieval.MaxChunks,
		MinConfidence:       minConf,
		MinSimilarity:       profile.Retrieval.MinSimilarity,
		PreferredCategories: profile.Retrieval.PreferredCategories,
		UseCache:            o.cfg.UseCache,
		KeyText:             q.Text,
	})
	switch {
	case err != nil && domain.IsValidation(err):
		return nil, err
	case err != nil:
		kind := domain.KindOf(err)
		log.Warn("retrieval failed, using fallback", "kind", kind, "error", err)
		fr := o.fallback.Recover(ctx, q.Text, kind, &mood, fallback.Options{Persona: profile.ID})

		resp.Text = fr.Text
		resp.Confidence = domain.Clamp01(fr.Confidence)
		resp.Level = domain.LevelFor(resp.Confidence)
		resp.FallbackUsed = true
		resp.FallbackSource = fr.Source
		resp.Advisory = fr.Advisory
		resp.EmergencyContact = fr.EmergencyContact
		resp.Adaptations = []string{}
	default:
		if !rc.Cached {
			o.fallback.Remember(ctx, q.Text, profile.ID, rc.Answer)
		}
		text, applied := o.pipeline.Run(ctx, Draft{
			Text:    rc.Answer,
			Query:   q.Text,
			Profile: profile,
			Mood:    mood,
			Sources: rc.SourceIDs,
		})
		resp.Text = text
		resp.Confidence = domain.Clamp01(rc.Confidence)
		resp.Level = rc.Level
		resp.Sources = rc.SourceIDs
		resp.Adaptations = applied
		resp.Cached = rc.Cached
	}

	sc := Score(resp.Adaptations, contains(resp.Adaptations, AdaptSignature), resp.Confidence, resp.Level, resp.FallbackUsed)
	resp.PersonalizationScore = sc.Personalization
	resp.ContextRelevance = sc.Relevance
	resp.SatisfactionPrediction = sc.Satisfaction
	resp.ProcessingTime = o.cfg.Now().Sub(start)

	o.tracker.Record(ctx, domain.InteractionRecord{
		UserID:               q.UserID,
		SessionID:            q.SessionID,
		Persona:              profile.ID,
		Query:                q.Text,
		Confidence:           resp.Confidence,
		FallbackUsed:         resp.FallbackUsed,
		PersonalizationScore: resp.PersonalizationScore,
		SatisfactionScore:    resp.SatisfactionPrediction,
		At:                   start,
	})
	o.stats.observe(profile.ID, sc, resp.ProcessingTime, resp.FallbackUsed, resp.Cached)
	o.emit(domain.Event{Category: "persona", Action: "answer", Label: string(profile.ID), Value: resp.SatisfactionPrediction})

	log.Info("persona answer ready",
		"confidence", resp.Confidence,
		"fallback_used", resp.FallbackUsed,
		"cached", resp.Cached,
		"adaptations", len(resp.Adaptations),
		"elapsed_ms", resp.ProcessingTime.Milliseconds())
	return resp, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, text string, profile domain.PersonaProfile, opt retrieval.Options) (*domain.RetrievalContext, error) {
	if o.gateway == nil {
		return nil, &domain.RetrievalError{Kind: domain.FailureUnknown, Err: errors.New("no retrieval gateway")}
	}
	return o.gateway.Query(ctx, text, profile.ID, opt)
}

var difficultyTerms = []string{"nao entendi", "nao entendo", "dificil", "confus", "complicad", "nao sei"}

// Personalize decorates the query with persona hints and recent topics.
func Personalize(text string, profile domain.PersonaProfile, mood sentiment.Result, recent []string) string {
	var hints []string
	switch profile.Style.Technicality {
	case TechnicalityHigh:
		if isAmbiguous(text) {
			hints = append(hints, "dosagem", "segurança")
		}
	case TechnicalityLow:
		folded := textutil.Fold(text)
		_, difficult := textutil.ContainsAny(folded, difficultyTerms...)
		if !difficult {
			_, difficult = textutil.HasPrefixWord(folded, "dificil", "confus", "complicad")
		}
		if mood.Category == sentiment.Anxious || difficult {
			hints = append(hints, "explicação simples", "tranquilizar")
		}
	}
	hints = append(hints, recent...)
	if len(hints) == 0 {
		return text
	}
	return strings.TrimSpace(text) + " " + strings.Join(hints, " ")
}

// isAmbiguous: short, or names neither a dose nor a safety concern.
func isAmbiguous(text string) bool {
	if len(textutil.Tokens(text)) <= 3 {
		return true
	}
	for _, t := range ExtractTopics(text) {
		if t == "dosagem" || t == "efeitos adversos" || t == "interacoes" {
			return false
		}
	}
	return true
}

// recentTopics picks up to n prior topics not already in the query.
func recentTopics(prior, current []string, n int) []string {
	out := make([]string, 0, n)
	for _, t := range prior {
		if len(out) == n {
			break
		}
		if !contains(current, t) && !contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// historyTopics derives prior topics from the session history when the caller
// is anonymous, most recent first.
func historyTopics(history []*domain.Message) []string {
	var out []string
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m == nil || m.Role != domain.RoleUser {
			continue
		}
		for _, t := range ExtractTopics(m.Text) {
			if !contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

func (o *Orchestrator) emit(ev domain.Event) {
	if o.events != nil {
		o.events.Emit(ev)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
