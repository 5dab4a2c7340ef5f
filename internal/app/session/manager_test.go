package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/cache"
	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/storage/memory"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/fallback"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/persona"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/retrieval"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/session"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubAnswerer struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	personas    []domain.PersonaID
	panicWith   any
	err         error
	fallback    bool
	delay       time.Duration
}

func (s *stubAnswerer) QueryWithPersona(_ context.Context, q persona.Query) (*persona.Response, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.personas = append(s.personas, q.PersonaID)
	p, err, fb, delay := s.panicWith, s.err, s.fallback, s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if p != nil {
		panic(p)
	}
	if err != nil {
		return nil, err
	}
	resp := &persona.Response{
		Text:        "resposta para: " + q.Text,
		Persona:     q.PersonaID,
		Confidence:  0.8,
		Level:       domain.ConfidenceHigh,
		Adaptations: []string{persona.AdaptSignature},
	}
	if fb {
		resp.Confidence = fallback.ConfidenceLocalKnowledge
		resp.FallbackUsed = true
		resp.FallbackSource = domain.FallbackLocalKnowledge
	}
	return resp, nil
}

func (s *stubAnswerer) lastPersona() domain.PersonaID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.personas[len(s.personas)-1]
}

type fixture struct {
	mgr      *session.Manager
	answerer *stubAnswerer
	clock    *clock
	sessions *memory.SessionStore
}

func newFixture(t *testing.T, cfg session.Config) *fixture {
	t.Helper()
	clk := newClock()
	cfg.Now = clk.Now
	ans := &stubAnswerer{}
	sessions := memory.NewSessionStore()
	mgr := session.NewManager(session.Deps{
		Answerer: ans,
		Personas: persona.DefaultProfiles(),
		Sessions: sessions,
		Messages: memory.NewMessageStore(0),
		Prefs:    cache.New(cache.Options{}),
	}, cfg)
	return &fixture{mgr: mgr, answerer: ans, clock: clk, sessions: sessions}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	sess, err := f.mgr.Start(ctx, session.StartInput{UserID: "u1", Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, domain.SessionCreated, sess.Status)

	reply, err := f.mgr.ProcessMessage(ctx, sess.ID, "Qual a dose de rifampicina?", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAnswer, reply.Kind)
	assert.Equal(t, domain.RoleAssistant, reply.Role)
	assert.Equal(t, 2, reply.Seq)
	require.NotNil(t, reply.Reply)
	assert.Equal(t, domain.SourceRetrieval, reply.Reply.Source)

	got, msgs, err := f.mgr.Timeline(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)
	assert.Equal(t, 2, got.MessageCount)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.KindUser, msgs[0].Kind)
	assert.Equal(t, 1, msgs[0].Seq)

	f.mgr.End(ctx, sess.ID)
	got, err = f.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, got.Status)
	assert.Equal(t, session.EndReasonUser, got.EndReason)
	require.NotNil(t, got.EndedAt)

	_, err = f.mgr.ProcessMessage(ctx, sess.ID, "mais uma", nil)
	assert.True(t, domain.IsValidation(err))
	assert.ErrorIs(t, err, domain.ErrSessionEnded)

	assert.NotPanics(t, func() { f.mgr.End(ctx, sess.ID) })
	assert.NotPanics(t, func() { f.mgr.End(ctx, "nope") })
	assert.Equal(t, int64(1), f.mgr.Stats().Ended)
}

func TestFallbackAnswersAreTagged(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()
	f.answerer.fallback = true

	sess, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaEmpathetic})
	require.NoError(t, err)
	reply, err := f.mgr.ProcessMessage(ctx, sess.ID, "Esqueci a dose", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.KindFallback, reply.Kind)
	assert.Equal(t, domain.SourceFallback, reply.Reply.Source)
	assert.Equal(t, domain.FallbackLocalKnowledge, reply.Reply.FallbackSource)
}

func TestStartValidatesPersona(t *testing.T) {
	f := newFixture(t, session.Config{})
	_, err := f.mgr.Start(context.Background(), session.StartInput{Persona: "nurse"})
	assert.True(t, domain.IsValidation(err))
	assert.ErrorIs(t, err, domain.ErrUnknownPersona)
}

func TestStartUsesSavedPreferences(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, session.StartInput{
		UserID:      "u1",
		Persona:     domain.PersonaEmpathetic,
		Language:    "pt-BR",
		Preferences: map[string]string{"font": "large"},
	})
	require.NoError(t, err)

	prefs, ok := f.mgr.Preferences(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, domain.PersonaEmpathetic, prefs.Persona)

	again, err := f.mgr.Start(ctx, session.StartInput{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, domain.PersonaEmpathetic, again.Persona)
	assert.Equal(t, "pt-BR", again.Settings.Language)
	assert.Equal(t, "large", again.Settings.Preferences["font"])

	anon, err := f.mgr.Start(ctx, session.StartInput{})
	require.NoError(t, err)
	assert.Equal(t, domain.PersonaTechnical, anon.Persona)
}

func TestProcessMessageValidation(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	_, err := f.mgr.ProcessMessage(ctx, "missing", "oi", nil)
	assert.True(t, domain.IsValidation(err))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	sess, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	_, err = f.mgr.ProcessMessage(ctx, sess.ID, "   ", nil)
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)
}

func TestUnexpectedFailuresBecomeTechnicalDifficulty(t *testing.T) {
	cases := map[string]func(*stubAnswerer){
		"panic": func(s *stubAnswerer) { s.panicWith = "boom" },
		"error": func(s *stubAnswerer) { s.err = errors.New("store exploded") },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, session.Config{})
			ctx := context.Background()
			setup(f.answerer)

			sess, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
			require.NoError(t, err)

			reply, err := f.mgr.ProcessMessage(ctx, sess.ID, "Qual a dose?", nil)
			require.NoError(t, err)
			assert.Equal(t, domain.KindTechnicalDifficulty, reply.Kind)
			assert.NotEmpty(t, reply.Text)
			assert.Equal(t, 0.1, reply.Reply.Confidence)
			assert.Equal(t, domain.SourceGeneric, reply.Reply.Source)
			assert.Equal(t, int64(1), f.mgr.Stats().TechnicalDifficulties)

			got, err := f.mgr.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.SessionActive, got.Status, "session survives the failure")
		})
	}
}

func TestAnswererValidationErrorPropagates(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()
	f.answerer.err = domain.Invalid("persona", domain.ErrUnknownPersona)

	sess, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	_, err = f.mgr.ProcessMessage(ctx, sess.ID, "oi", nil)
	assert.True(t, domain.IsValidation(err))
}

func TestSwitchPersona(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	sess, err := f.mgr.Start(ctx, session.StartInput{UserID: "u1", Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	_, err = f.mgr.ProcessMessage(ctx, sess.ID, "primeira", nil)
	require.NoError(t, err)

	ok, err := f.mgr.SwitchPersona(ctx, sess.ID, "nurse")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrUnknownPersona)

	ok, err = f.mgr.SwitchPersona(ctx, "missing", domain.PersonaEmpathetic)
	assert.False(t, ok)
	assert.NoError(t, err)

	ok, err = f.mgr.SwitchPersona(ctx, sess.ID, domain.PersonaEmpathetic)
	require.NoError(t, err)
	assert.True(t, ok)

	reply, err := f.mgr.ProcessMessage(ctx, sess.ID, "segunda", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PersonaEmpathetic, f.answerer.lastPersona())
	assert.Equal(t, domain.PersonaEmpathetic, reply.Persona)
	assert.Equal(t, 4, reply.Seq, "history is kept across the switch")

	prefs, _ := f.mgr.Preferences(ctx, "u1")
	assert.Equal(t, domain.PersonaEmpathetic, prefs.Persona)

	f.mgr.End(ctx, sess.ID)
	ok, err = f.mgr.SwitchPersona(ctx, sess.ID, domain.PersonaTechnical)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestMessagesOfOneSessionAreSerialized(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()
	f.answerer.delay = 5 * time.Millisecond

	sess, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	seqs := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := f.mgr.ProcessMessage(ctx, sess.ID, "pergunta", nil)
			if assert.NoError(t, err) {
				seqs <- reply.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int]bool{}
	for s := range seqs {
		assert.Equal(t, 0, s%2, "assistant replies take even sequence numbers")
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, 1, f.answerer.maxInFlight)

	got, err := f.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*n, got.MessageCount)
}

func TestSweepArchivesIdleSessions(t *testing.T) {
	f := newFixture(t, session.Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	idle, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	f.clock.Advance(8 * time.Minute)
	busy, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	assert.Equal(t, 1, f.mgr.Sweep(ctx, f.clock.Now()))

	got, err := f.mgr.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, got.Status)
	assert.Equal(t, session.EndReasonIdle, got.EndReason)

	got, err = f.mgr.Get(ctx, busy.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.SessionEnded, got.Status)
	assert.Equal(t, 1, f.mgr.Stats().Active)
}

func TestCapacityDropsLeastRecentlyActiveButKeepsItOpen(t *testing.T) {
	f := newFixture(t, session.Config{MaxActive: 2})
	ctx := context.Background()

	first, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaEmpathetic})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	// touching first makes second the oldest
	_, err = f.mgr.ProcessMessage(ctx, first.ID, "oi", nil)
	require.NoError(t, err)
	_, err = f.mgr.ProcessMessage(ctx, second.ID, "oi", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.mgr.ProcessMessage(ctx, first.ID, "de novo", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)

	st := f.mgr.Stats()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, int64(1), st.Evicted)
	assert.Zero(t, st.Ended, "dropping for capacity does not end the session")

	stored, err := f.sessions.GetSession(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, stored.Status)
	assert.Empty(t, stored.EndReason)
	assert.Equal(t, 2, stored.MessageCount, "latest state is written before the drop")

	// the next message brings it back with its history intact
	reply, err := f.mgr.ProcessMessage(ctx, second.ID, "voltei", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, reply.Seq)
	assert.Equal(t, domain.PersonaEmpathetic, reply.Persona)

	got, err := f.mgr.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)
	assert.Equal(t, 4, got.MessageCount)
	assert.Equal(t, 2, f.mgr.Stats().Active)
}

// gatedStore blocks UpdateSession while armed, so tests can act while a
// session's final state is still being written.
type gatedStore struct {
	*memory.SessionStore
	mu      sync.Mutex
	gate    chan struct{}
	entered chan domain.SessionID
}

func newGatedStore() *gatedStore {
	return &gatedStore{SessionStore: memory.NewSessionStore(), entered: make(chan domain.SessionID, 8)}
}

func (g *gatedStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		g.entered <- sess.ID
		<-gate
	}
	return g.SessionStore.UpdateSession(ctx, sess)
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	g.gate = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedStore) open() {
	g.mu.Lock()
	close(g.gate)
	g.gate = nil
	g.mu.Unlock()
}

func newGatedManager(t *testing.T, cfg session.Config) (*session.Manager, *gatedStore, *stubAnswerer) {
	t.Helper()
	store := newGatedStore()
	ans := &stubAnswerer{}
	mgr := session.NewManager(session.Deps{
		Answerer: ans,
		Personas: persona.DefaultProfiles(),
		Sessions: store,
		Messages: memory.NewMessageStore(0),
	}, cfg)
	return mgr, store, ans
}

type outcome struct {
	reply *domain.Message
	err   error
}

func send(mgr *session.Manager, id domain.SessionID, text string) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		reply, err := mgr.ProcessMessage(context.Background(), id, text, nil)
		out <- outcome{reply: reply, err: err}
	}()
	return out
}

func TestMessageWaitsForEndToBeWritten(t *testing.T) {
	mgr, store, ans := newGatedManager(t, session.Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)

	store.arm()
	ended := make(chan struct{})
	go func() {
		mgr.End(ctx, sess.ID)
		close(ended)
	}()
	assert.Equal(t, sess.ID, <-store.entered)

	// the store still says open; the message must not revive the session
	res := send(mgr, sess.ID, "ainda está aí?")
	select {
	case o := <-res:
		t.Fatalf("message finished before the end was written: %+v", o)
	case <-time.After(20 * time.Millisecond):
	}

	store.open()
	<-ended
	o := <-res
	assert.ErrorIs(t, o.err, domain.ErrSessionEnded)
	assert.Empty(t, ans.personas, "no answer for an ended session")

	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, stored.Status)
	assert.Zero(t, mgr.Stats().Active)
}

func TestMessageWaitsForCapacityDropToBeWritten(t *testing.T) {
	mgr, store, _ := newGatedManager(t, session.Config{MaxActive: 1})
	ctx := context.Background()

	first, err := mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	_, err = mgr.ProcessMessage(ctx, first.ID, "oi", nil)
	require.NoError(t, err)

	store.arm()
	started := make(chan struct{})
	go func() {
		_, err := mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
		assert.NoError(t, err)
		close(started)
	}()
	assert.Equal(t, first.ID, <-store.entered)

	res := send(mgr, first.ID, "voltei")
	select {
	case o := <-res:
		t.Fatalf("message finished before the drop was written: %+v", o)
	case <-time.After(20 * time.Millisecond):
	}

	store.open()
	<-started
	o := <-res
	require.NoError(t, o.err)
	assert.Equal(t, 4, o.reply.Seq, "sequence continues from the written state")

	got, err := mgr.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)
	assert.Equal(t, 4, got.MessageCount)

	st := mgr.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, int64(2), st.Evicted, "the rehydrated session displaced the new one")
	assert.Zero(t, st.Ended)
}

func TestStoredOpenSessionIsRehydrated(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()
	require.NoError(t, f.sessions.CreateSession(ctx, &domain.Session{
		ID:             "restored",
		Persona:        domain.PersonaEmpathetic,
		Status:         domain.SessionActive,
		LastActivityAt: f.clock.Now(),
		MessageCount:   4,
	}))

	reply, err := f.mgr.ProcessMessage(ctx, "restored", "voltei", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, reply.Seq)
	assert.Equal(t, domain.PersonaEmpathetic, f.answerer.lastPersona())
}

type cacheStub struct{ up bool }

func (c cacheStub) Healthy() bool      { return c.up }
func (c cacheStub) Stats() cache.Stats { return cache.Stats{Hits: 3, Misses: 1} }

type retrievalStub struct{ up bool }

func (r retrievalStub) Health() retrieval.Health { return retrieval.Health{Healthy: r.up, SuccessRate: 0.5} }

type fallbackStub struct{ status fallback.Status }

func (f fallbackStub) Health() fallback.Health { return fallback.Health{Status: f.status} }

func TestHealthRollup(t *testing.T) {
	cases := []struct {
		name      string
		cacheUp   bool
		retrieval bool
		fallback  fallback.Status
		want      session.HealthStatus
	}{
		{"all up", true, true, fallback.StatusGood, session.StatusHealthy},
		{"one down", true, false, fallback.StatusGood, session.StatusDegraded},
		{"two down", true, false, fallback.StatusCritical, session.StatusCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mgr := session.NewManager(session.Deps{
				Sessions:  memory.NewSessionStore(),
				Messages:  memory.NewMessageStore(0),
				Cache:     cacheStub{up: tc.cacheUp},
				Retrieval: retrievalStub{up: tc.retrieval},
				Fallback:  fallbackStub{status: tc.fallback},
			}, session.Config{})

			rep := mgr.Health(context.Background())
			assert.Equal(t, tc.want, rep.Status)
			assert.Len(t, rep.Services, 3)
			assert.Equal(t, 0.75, rep.Metrics["cache_hit_rate"])
		})
	}

	bare := session.NewManager(session.Deps{Sessions: memory.NewSessionStore(), Messages: memory.NewMessageStore(0)}, session.Config{})
	assert.Equal(t, session.StatusHealthy, bare.Health(context.Background()).Status)
}

func TestEndToEndWithFailingBackends(t *testing.T) {
	c := cache.New(cache.Options{})
	down := &domain.BackendStatusError{Backend: "primary", StatusCode: 503}
	gw := retrieval.New(failingPrimary{err: down}, failingSecondary{err: context.DeadlineExceeded}, c, nil, retrieval.Config{})
	fb := fallback.New(c.Namespace("fallback:", fallback.DefaultCacheTTL), nil, fallback.Config{})
	orch := persona.NewOrchestrator(persona.DefaultProfiles(), gw, fb, persona.NewTracker(c, nil, nil), nil, persona.Config{UseCache: true})

	mgr := session.NewManager(session.Deps{
		Answerer:  orch,
		Personas:  orch.Profiles(),
		Sessions:  memory.NewSessionStore(),
		Messages:  memory.NewMessageStore(0),
		Prefs:     c,
		Cache:     c,
		Retrieval: gw,
		Fallback:  fb,
	}, session.Config{})
	ctx := context.Background()

	sess, err := mgr.Start(ctx, session.StartInput{Persona: domain.PersonaTechnical})
	require.NoError(t, err)
	reply, err := mgr.ProcessMessage(ctx, sess.ID, "Qual a dose de rifampicina?", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.KindFallback, reply.Kind)
	assert.Equal(t, domain.FallbackLocalKnowledge, reply.Reply.FallbackSource)
	assert.Contains(t, reply.Text, "600 mg")
	assert.Less(t, reply.Reply.Confidence, 0.6)
}

type failingPrimary struct{ err error }

func (f failingPrimary) Answer(context.Context, domain.PrimaryRequest) (*domain.PrimaryResponse, error) {
	return nil, f.err
}

type failingSecondary struct{ err error }

func (f failingSecondary) Search(context.Context, domain.SearchRequest) (*domain.SearchResponse, error) {
	return nil, f.err
}
