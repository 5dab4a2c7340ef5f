// Package session owns chat-session lifecycle: start, message sequencing,
// persona switching, ending and idle eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/cache"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/fallback"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/persona"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/retrieval"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
)

const (
	PrefsKeyPrefix = "prefs:"
	prefsTTL       = 24 * time.Hour

	defaultMaxActive    = 1000
	defaultIdleTimeout  = 30 * time.Minute
	defaultHistoryLimit = 20

	EndReasonUser = "ended_by_user"
	EndReasonIdle = "idle_timeout"

	difficultyText = "Desculpe, estamos com uma dificuldade técnica no momento. Tente novamente em instantes. " +
		"Se precisar de orientação urgente, procure sua unidade de saúde ou ligue para o Disque Saúde 136."
	difficultyConfidence = 0.1
)

// Answerer is the persona orchestrator as seen by the manager.
type Answerer interface {
	QueryWithPersona(ctx context.Context, q persona.Query) (*persona.Response, error)
}

// Personas validates persona ids.
type Personas interface {
	Has(id domain.PersonaID) bool
}

// Health checks. Any of them may be nil.
type (
	CacheChecker interface {
		Healthy() bool
		Stats() cache.Stats
	}
	RetrievalChecker interface {
		Health() retrieval.Health
	}
	FallbackChecker interface {
		Health() fallback.Health
	}
)

// Deps are the collaborators of a Manager.
type Deps struct {
	Answerer Answerer
	Personas Personas
	Sessions domain.SessionStore
	Messages domain.MessageStore
	Prefs    cache.Store
	Events   domain.EventSink

	Cache     CacheChecker
	Retrieval RetrievalChecker
	Fallback  FallbackChecker
}

type Config struct {
	MaxActive      int
	IdleTimeout    time.Duration
	HistoryLimit   int
	DefaultPersona domain.PersonaID
	Now            func() time.Time
}

// Prefs are the per-user preferences persisted across sessions.
type Prefs struct {
	Persona     domain.PersonaID  `json:"persona"`
	Language    string            `json:"language,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

type StartInput struct {
	UserID      domain.UserID
	Persona     domain.PersonaID
	Language    string
	Preferences map[string]string
}

// entry is a live session. run serializes message processing; sess is
// guarded by Manager.mu.
type entry struct {
	run  sync.Mutex
	sess *domain.Session
	seq  int
}

type Manager struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	active map[domain.SessionID]*entry
	// pending holds ids dropped from active whose final state is still being
	// written. They are not rehydrated until the channel closes.
	pending  map[domain.SessionID]chan struct{}
	releases uint64
	stats    Stats
}

func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = defaultMaxActive
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.DefaultPersona == "" {
		cfg.DefaultPersona = domain.PersonaTechnical
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		active:  make(map[domain.SessionID]*entry),
		pending: make(map[domain.SessionID]chan struct{}),
		stats:   Stats{PersonaUsage: make(map[domain.PersonaID]int64)},
	}
}

// Start opens a session. Without an explicit persona the user's saved
// preference (or the default persona) is used.
func (m *Manager) Start(ctx context.Context, in StartInput) (*domain.Session, error) {
	log := observability.LoggerFromContext(ctx).With("user_id", in.UserID, "persona", in.Persona)

	saved, hasSaved := m.prefs(ctx, in.UserID)
	pid := in.Persona
	if pid == "" && hasSaved {
		pid = saved.Persona
	}
	if pid == "" {
		pid = m.cfg.DefaultPersona
	}
	if !m.hasPersona(pid) {
		return nil, domain.Invalid("persona", fmt.Errorf("%w: %q", domain.ErrUnknownPersona, pid))
	}

	settings := domain.SessionSettings{Language: in.Language, Preferences: in.Preferences}
	if hasSaved {
		if settings.Language == "" {
			settings.Language = saved.Language
		}
		if settings.Preferences == nil {
			settings.Preferences = saved.Preferences
		}
	}

	now := m.cfg.Now()
	sess := &domain.Session{
		ID:             domain.SessionID(uuid.NewString()),
		OwnerID:        in.UserID,
		Persona:        pid,
		Status:         domain.SessionCreated,
		StartedAt:      now,
		LastActivityAt: now,
		Settings:       settings,
	}

	if err := m.deps.Sessions.CreateSession(ctx, sess); err != nil {
		log.Error("failed to create session", "error", err)
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	parked := m.makeRoomLocked()
	m.active[sess.ID] = &entry{sess: sess.Clone()}
	m.stats.Started++
	m.stats.PersonaUsage[pid]++
	m.mu.Unlock()

	m.park(ctx, parked)
	m.savePrefs(ctx, in.UserID, Prefs{Persona: pid, Language: settings.Language, Preferences: settings.Preferences})
	m.emit(domain.Event{Category: "session", Action: "start", Label: string(pid)})

	log.Info("session started", "session_id", sess.ID, "persona", pid)
	return sess, nil
}

// ProcessMessage answers text within the session. Messages of one session are
// handled one at a time, in arrival order. Only validation errors are
// returned; anything else becomes a technical-difficulty reply.
func (m *Manager) ProcessMessage(ctx context.Context, id domain.SessionID, text string, history []*domain.Message) (*domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.Invalid("text", domain.ErrEmptyQuery)
	}
	e, err := m.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.run.Unlock()

	m.mu.Lock()
	if e.sess.Status == domain.SessionEnded {
		m.mu.Unlock()
		return nil, domain.Invalid("session", fmt.Errorf("%w: %s", domain.ErrSessionEnded, id))
	}
	sess := e.sess.Clone()
	m.mu.Unlock()

	log := observability.LoggerFromContext(ctx).With("session_id", id, "persona", sess.Persona)
	start := m.cfg.Now()

	e.seq++
	userMsg := &domain.Message{
		ID:        domain.MessageID(uuid.NewString()),
		SessionID: id,
		Seq:       e.seq,
		Role:      domain.RoleUser,
		Kind:      domain.KindUser,
		Text:      text,
		CreatedAt: start,
		Persona:   sess.Persona,
	}
	m.appendMessage(ctx, userMsg)

	if history == nil {
		history = m.history(ctx, id, userMsg.ID)
	}

	resp, err := m.answer(ctx, persona.Query{
		Text:      text,
		PersonaID: sess.Persona,
		UserID:    sess.OwnerID,
		SessionID: id,
		History:   history,
	})
	if err != nil && domain.IsValidation(err) {
		return nil, err
	}

	e.seq++
	reply := &domain.Message{
		ID:        domain.MessageID(uuid.NewString()),
		SessionID: id,
		Seq:       e.seq,
		Role:      domain.RoleAssistant,
		CreatedAt: m.cfg.Now(),
		Persona:   sess.Persona,
	}
	if err != nil {
		log.Error("answer failed, replying with technical difficulty", "error", err)
		reply.Kind = domain.KindTechnicalDifficulty
		reply.Text = difficultyText
		reply.Reply = &domain.ReplyMeta{
			Confidence:     difficultyConfidence,
			Source:         domain.SourceGeneric,
			FallbackUsed:   true,
			FallbackSource: domain.FallbackGeneric,
			ProcessingTime: reply.CreatedAt.Sub(start),
			Adaptations:    []string{},
		}
	} else {
		reply.Kind = domain.KindAnswer
		source := domain.SourceRetrieval
		if resp.FallbackUsed {
			reply.Kind = domain.KindFallback
			source = domain.SourceFallback
		}
		reply.Text = resp.Text
		reply.Reply = &domain.ReplyMeta{
			Confidence:           resp.Confidence,
			Source:               source,
			Sources:              resp.Sources,
			ProcessingTime:       resp.ProcessingTime,
			FallbackUsed:         resp.FallbackUsed,
			FallbackSource:       resp.FallbackSource,
			Cached:               resp.Cached,
			PersonalizationScore: resp.PersonalizationScore,
			ContextRelevance:     resp.ContextRelevance,
			SatisfactionScore:    resp.SatisfactionPrediction,
			Adaptations:          resp.Adaptations,
		}
	}
	m.appendMessage(ctx, reply)

	latency := m.cfg.Now().Sub(start)
	m.mu.Lock()
	// An end that raced this message keeps the session closed.
	if e.sess.Status != domain.SessionEnded {
		e.sess.Status = domain.SessionActive
	}
	e.sess.LastActivityAt = m.cfg.Now()
	e.sess.MessageCount += 2
	updated := e.sess.Clone()
	m.stats.Messages += 2
	m.stats.observeLatency(latency)
	if reply.Kind == domain.KindTechnicalDifficulty {
		m.stats.TechnicalDifficulties++
	}
	m.mu.Unlock()

	m.persist(ctx, updated)
	m.emit(domain.Event{Category: "session", Action: "message", Label: string(reply.Kind), Value: reply.Reply.Confidence})
	log.Info("message processed",
		"kind", reply.Kind,
		"confidence", reply.Reply.Confidence,
		"elapsed_ms", latency.Milliseconds())
	return reply, nil
}

// answer calls the orchestrator and converts a panic into an UnrecoverableError.
func (m *Manager) answer(ctx context.Context, q persona.Query) (resp *persona.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.UnrecoverableError{Op: "session.answer", Cause: r}
		}
	}()
	if m.deps.Answerer == nil {
		return nil, &domain.UnrecoverableError{Op: "session.answer", Cause: errors.New("no answerer configured")}
	}
	resp, err = m.deps.Answerer.QueryWithPersona(ctx, q)
	if err == nil && resp == nil {
		err = &domain.UnrecoverableError{Op: "session.answer", Cause: errors.New("nil response")}
	}
	return resp, err
}

// SwitchPersona changes the persona of a live session. History and message
// count are kept. Unknown or ended sessions report false without error.
func (m *Manager) SwitchPersona(ctx context.Context, id domain.SessionID, pid domain.PersonaID) (bool, error) {
	if !m.hasPersona(pid) {
		return false, domain.Invalid("persona", fmt.Errorf("%w: %q", domain.ErrUnknownPersona, pid))
	}
	log := observability.LoggerFromContext(ctx).With("session_id", id, "persona", pid)

	e, err := m.acquire(ctx, id)
	if err != nil {
		log.Info("persona switch ignored", "reason", err)
		return false, nil
	}
	defer e.run.Unlock()

	m.mu.Lock()
	if e.sess.Status == domain.SessionEnded {
		m.mu.Unlock()
		return false, nil
	}
	from := e.sess.Persona
	e.sess.Persona = pid
	e.sess.LastActivityAt = m.cfg.Now()
	updated := e.sess.Clone()
	m.stats.Switches++
	m.stats.PersonaUsage[pid]++
	m.mu.Unlock()

	m.persist(ctx, updated)
	if updated.OwnerID != "" {
		prefs, _ := m.prefs(ctx, updated.OwnerID)
		prefs.Persona = pid
		m.savePrefs(ctx, updated.OwnerID, prefs)
	}
	m.emit(domain.Event{Category: "session", Action: "switch_persona", Label: string(from) + "->" + string(pid)})
	log.Info("persona switched", "from", from)
	return true, nil
}

// End closes a session. Ending an unknown or already ended session is a no-op.
// A message in flight is answered first; the session is closed for any later one.
func (m *Manager) End(ctx context.Context, id domain.SessionID) {
	log := observability.LoggerFromContext(ctx).With("session_id", id)

	for {
		e, err := m.live(ctx, id)
		if err != nil {
			log.Info("end ignored", "reason", err)
			return
		}
		if m.archive(ctx, e, EndReasonUser) {
			log.Info("session ended")
			return
		}
		// dropped from memory meanwhile; end the stored copy
	}
}

// archive marks a live entry ended, drops it and persists it once any message
// in flight on it is done. It reports false when e is no longer the live entry.
func (m *Manager) archive(ctx context.Context, e *entry, reason string) bool {
	now := m.cfg.Now()

	m.mu.Lock()
	id := e.sess.ID
	if m.active[id] != e || e.sess.Status == domain.SessionEnded {
		m.mu.Unlock()
		return false
	}
	e.sess.Status = domain.SessionEnded
	e.sess.EndedAt = &now
	e.sess.EndReason = reason
	delete(m.active, id)
	release := m.holdLocked(id)
	m.stats.Ended++
	if reason != EndReasonUser {
		m.stats.Evicted++
	}
	m.mu.Unlock()

	m.flush(ctx, e)
	release()
	m.emit(domain.Event{Category: "session", Action: "end", Label: reason})
	return true
}

type parkedEntry struct {
	entry   *entry
	release func()
}

// park persists entries dropped for capacity. They stay open and are
// rehydrated by their next message.
func (m *Manager) park(ctx context.Context, list []parkedEntry) {
	for _, p := range list {
		m.flush(ctx, p.entry)
		p.release()
		m.emit(domain.Event{Category: "session", Action: "evict", Label: "capacity"})
		observability.LoggerFromContext(ctx).Info("session dropped from memory", "session_id", p.entry.sess.ID)
	}
}

// flush writes the entry's state once no message is running on it.
func (m *Manager) flush(ctx context.Context, e *entry) {
	e.run.Lock()
	defer e.run.Unlock()

	m.mu.Lock()
	snapshot := e.sess.Clone()
	m.mu.Unlock()
	m.persist(ctx, snapshot)
}

// holdLocked marks id as pending until the returned release is called.
// Caller holds m.mu and has just removed id from active.
func (m *Manager) holdLocked(id domain.SessionID) (release func()) {
	done := make(chan struct{})
	m.pending[id] = done
	return func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.releases++
		m.mu.Unlock()
		close(done)
	}
}

// makeRoomLocked drops the least recently active sessions so one more fits
// under MaxActive. Caller holds m.mu and must park the result.
func (m *Manager) makeRoomLocked() []parkedEntry {
	excess := len(m.active) + 1 - m.cfg.MaxActive
	if excess <= 0 {
		return nil
	}
	all := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].sess.LastActivityAt.Before(all[j].sess.LastActivityAt)
	})
	out := make([]parkedEntry, 0, excess)
	for _, e := range all[:excess] {
		delete(m.active, e.sess.ID)
		out = append(out, parkedEntry{entry: e, release: m.holdLocked(e.sess.ID)})
		m.stats.Evicted++
	}
	return out
}

// Sweep archives sessions idle for longer than IdleTimeout and returns how
// many were archived.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*entry
	for _, e := range m.active {
		if e.sess.LastActivityAt.Before(cutoff) {
			idle = append(idle, e)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, e := range idle {
		if m.archive(ctx, e, EndReasonIdle) {
			n++
		}
	}
	if n > 0 {
		observability.LoggerFromContext(ctx).Info("idle sessions archived", "count", n)
	}
	return n
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, m.cfg.Now())
		}
	}
}

// Get returns a session, live or archived.
func (m *Manager) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	for {
		m.mu.Lock()
		if e, ok := m.active[id]; ok {
			s := e.sess.Clone()
			m.mu.Unlock()
			return s, nil
		}
		wait, held := m.pending[id]
		m.mu.Unlock()
		if !held {
			break
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sess, err := m.deps.Sessions.GetSession(ctx, id)
	if err != nil {
		return nil, domain.Invalid("session", fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id))
	}
	return sess, nil
}

// Timeline returns a session and its last limit messages, oldest first.
func (m *Manager) Timeline(ctx context.Context, id domain.SessionID, limit int) (*domain.Session, []*domain.Message, error) {
	log := observability.LoggerFromContext(ctx).With("session_id", id, "limit", limit)

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := m.deps.Messages.GetMessagesBySession(ctx, id, limit)
	if err != nil {
		log.Error("failed to get messages", "error", err)
		return nil, nil, fmt.Errorf("load timeline: %w", err)
	}
	log.Info("fetched session timeline", "message_count", len(msgs))
	return sess, msgs, nil
}

// Preferences returns the saved preferences of a user.
func (m *Manager) Preferences(ctx context.Context, user domain.UserID) (Prefs, bool) {
	return m.prefs(ctx, user)
}

// live returns the in-memory entry for id, rehydrating a stored session that
// is still open. It waits while id is pending.
func (m *Manager) live(ctx context.Context, id domain.SessionID) (*entry, error) {
	for {
		m.mu.Lock()
		e, ok := m.active[id]
		wait, held := m.pending[id]
		gen := m.releases
		m.mu.Unlock()
		switch {
		case ok:
			return e, nil
		case held:
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		stored, err := m.deps.Sessions.GetSession(ctx, id)
		if err != nil {
			return nil, domain.Invalid("session", fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id))
		}
		if stored.Status == domain.SessionEnded {
			return nil, domain.Invalid("session", fmt.Errorf("%w: %s", domain.ErrSessionEnded, id))
		}

		m.mu.Lock()
		if e, ok := m.active[id]; ok {
			m.mu.Unlock()
			return e, nil
		}
		if _, held := m.pending[id]; held || m.releases != gen {
			// the stored copy may predate a write that just finished
			m.mu.Unlock()
			continue
		}
		parked := m.makeRoomLocked()
		e = &entry{sess: stored, seq: stored.MessageCount}
		m.active[id] = e
		m.mu.Unlock()

		m.park(ctx, parked)
		return e, nil
	}
}

// acquire returns the live entry for id with its run lock held. An entry
// dropped while the caller waited for the lock is looked up again.
func (m *Manager) acquire(ctx context.Context, id domain.SessionID) (*entry, error) {
	for {
		e, err := m.live(ctx, id)
		if err != nil {
			return nil, err
		}
		e.run.Lock()

		m.mu.Lock()
		ended, current := e.sess.Status == domain.SessionEnded, m.active[id] == e
		m.mu.Unlock()
		switch {
		case ended:
			e.run.Unlock()
			return nil, domain.Invalid("session", fmt.Errorf("%w: %s", domain.ErrSessionEnded, id))
		case current:
			return e, nil
		}
		e.run.Unlock()
	}
}

func (m *Manager) history(ctx context.Context, id domain.SessionID, exclude domain.MessageID) []*domain.Message {
	msgs, err := m.deps.Messages.GetMessagesBySession(ctx, id, m.cfg.HistoryLimit+1)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to load history", "session_id", id, "error", err)
		return nil
	}
	out := make([]*domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID != exclude {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Manager) appendMessage(ctx context.Context, msg *domain.Message) {
	if err := m.deps.Messages.AppendMessage(ctx, msg); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to append message",
			"session_id", msg.SessionID,
			"seq", msg.Seq,
			"error", err)
	}
}

func (m *Manager) persist(ctx context.Context, sess *domain.Session) {
	if err := m.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to update session", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) prefs(ctx context.Context, user domain.UserID) (Prefs, bool) {
	if user == "" || m.deps.Prefs == nil {
		return Prefs{}, false
	}
	return cache.GetJSON[Prefs](ctx, m.deps.Prefs, PrefsKeyPrefix+string(user))
}

func (m *Manager) savePrefs(ctx context.Context, user domain.UserID, p Prefs) {
	if user == "" || m.deps.Prefs == nil {
		return
	}
	cache.SetJSON(ctx, m.deps.Prefs, PrefsKeyPrefix+string(user), p, prefsTTL)
}

func (m *Manager) hasPersona(id domain.PersonaID) bool {
	if m.deps.Personas == nil {
		return id == domain.PersonaTechnical || id == domain.PersonaEmpathetic
	}
	return m.deps.Personas.Has(id)
}

func (m *Manager) emit(ev domain.Event) {
	if m.deps.Events != nil {
		m.deps.Events.Emit(ev)
	}
}
