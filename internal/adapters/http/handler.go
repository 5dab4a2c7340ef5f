package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/analytics"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/persona"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/session"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
)

type Server struct {
	sessions *session.Manager
	personas *persona.Orchestrator
	events   *analytics.Counter
}

// NewServer builds the JSON API. events may be nil.
func NewServer(sessions *session.Manager, personas *persona.Orchestrator, events *analytics.Counter) http.Handler {
	s := &Server{sessions: sessions, personas: personas, events: events}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, withRequestContext, withLogging, middleware.Recoverer, withCORS)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/query", s.handleQuery)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleEndSession)
			r.Post("/messages", s.handleSendMessage)
			r.Put("/persona", s.handleSwitchPersona)
			r.Post("/persona", s.handleSwitchPersona)
		})
	})

	return r
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type createSessionRequest struct {
	UserID      string            `json:"user_id,omitempty"`
	Persona     string            `json:"persona,omitempty"`
	Language    string            `json:"language,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

type sessionResponse struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id,omitempty"`
	Persona        string            `json:"persona"`
	Status         string            `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	EndReason      string            `json:"end_reason,omitempty"`
	MessageCount   int               `json:"message_count"`
	Language       string            `json:"language,omitempty"`
	Preferences    map[string]string `json:"preferences,omitempty"`
}

type messageResponse struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Seq       int               `json:"seq"`
	Role      string            `json:"role"`
	Kind      string            `json:"kind"`
	Text      string            `json:"text"`
	Persona   string            `json:"persona"`
	CreatedAt time.Time         `json:"created_at"`
	Reply     *domain.ReplyMeta `json:"reply,omitempty"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type switchPersonaRequest struct {
	Persona string `json:"persona"`
}

type queryRequest struct {
	Question string `json:"question"`
	Persona  string `json:"persona"`
	UserID   string `json:"user_id,omitempty"`
}

type getSessionResponse struct {
	Session  sessionResponse   `json:"session"`
	Messages []messageResponse `json:"messages"`
}

type statsResponse struct {
	Sessions session.Stats     `json:"sessions"`
	Personas persona.Stats     `json:"personas"`
	Events   []analytics.Total `json:"events,omitempty"`
}

// ─────────────────────────────────────────────
// Concrete handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.sessions.Health(r.Context())
	code := http.StatusOK
	if rep.Status == session.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Sessions: s.sessions.Stats(),
		Personas: s.personas.Stats(),
	}
	if s.events != nil {
		resp.Events = s.events.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}
	pid := domain.PersonaID(req.Persona)
	if pid == "" {
		pid = domain.PersonaTechnical
	}

	resp, err := s.personas.QueryWithPersona(r.Context(), persona.Query{
		Text:      req.Question,
		PersonaID: pid,
		UserID:    domain.UserID(req.UserID),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}

	sess, err := s.sessions.Start(r.Context(), session.StartInput{
		UserID:      domain.UserID(req.UserID),
		Persona:     domain.PersonaID(req.Persona),
		Language:    req.Language,
		Preferences: req.Preferences,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sess, msgs, err := s.sessions.Timeline(r.Context(), sessionID(r), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, getSessionResponse{
		Session:  toSessionResponse(sess),
		Messages: toMessagesResponse(msgs),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.End(r.Context(), sessionID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decode(w, r, &req) {
		return
	}

	reply, err := s.sessions.ProcessMessage(r.Context(), sessionID(r), req.Text, nil)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(reply))
}

func (s *Server) handleSwitchPersona(w http.ResponseWriter, r *http.Request) {
	var req switchPersonaRequest
	if !decode(w, r, &req) {
		return
	}

	ok, err := s.sessions.SwitchPersona(r.Context(), sessionID(r), domain.PersonaID(req.Persona))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]bool{"switched": ok})
}

// ─────────────────────────────────────────────
// Conversation Helpers
// ─────────────────────────────────────────────

func sessionID(r *http.Request) domain.SessionID {
	return domain.SessionID(chi.URLParam(r, "id"))
}

func toSessionResponse(s *domain.Session) sessionResponse {
	return sessionResponse{
		ID:             string(s.ID),
		UserID:         string(s.OwnerID),
		Persona:        string(s.Persona),
		Status:         string(s.Status),
		StartedAt:      s.StartedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
		EndReason:      s.EndReason,
		MessageCount:   s.MessageCount,
		Language:       s.Settings.Language,
		Preferences:    s.Settings.Preferences,
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:        string(m.ID),
		SessionID: string(m.SessionID),
		Seq:       m.Seq,
		Role:      string(m.Role),
		Kind:      string(m.Kind),
		Text:      m.Text,
		Persona:   string(m.Persona),
		CreatedAt: m.CreatedAt,
		Reply:     m.Reply,
	}
}

func toMessagesResponse(msgs []*domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

const maxBody = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors to status codes. Internal details are
// logged, never sent.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, domain.ErrSessionEnded):
		writeError(w, http.StatusConflict, "session ended")
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "validation: "))
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
