package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore store for the given project (ROTEIROS_GCP_PROJECT).
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error { return s.client.Close() }

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) sessionsCol() *firestore.CollectionRef {
	return s.client.Collection("sessions")
}

func (s *Store) sessionDoc(id domain.SessionID) *firestore.DocumentRef {
	return s.sessionsCol().Doc(string(id))
}

func (s *Store) messagesCol(sessionID domain.SessionID) *firestore.CollectionRef {
	return s.sessionDoc(sessionID).Collection("messages")
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type sessionDoc struct {
	OwnerID        string            `firestore:"owner_id"`
	Persona        string            `firestore:"persona"`
	Status         string            `firestore:"status"`
	StartedAt      time.Time         `firestore:"started_at"`
	LastActivityAt time.Time         `firestore:"last_activity_at"`
	EndedAt        *time.Time        `firestore:"ended_at"`
	EndReason      string            `firestore:"end_reason"`
	MessageCount   int               `firestore:"message_count"`
	Language       string            `firestore:"language"`
	Preferences    map[string]string `firestore:"preferences"`
}

type replyDoc struct {
	Confidence           float64  `firestore:"confidence"`
	Source               string   `firestore:"source"`
	Sources              []string `firestore:"sources"`
	ProcessingMs         int64    `firestore:"processing_ms"`
	FallbackUsed         bool     `firestore:"fallback_used"`
	FallbackSource       string   `firestore:"fallback_source"`
	Cached               bool     `firestore:"cached"`
	PersonalizationScore float64  `firestore:"personalization_score"`
	ContextRelevance     float64  `firestore:"context_relevance"`
	SatisfactionScore    float64  `firestore:"satisfaction_prediction"`
	Adaptations          []string `firestore:"adaptations"`
}

type messageDoc struct {
	SessionID string    `firestore:"session_id"`
	Seq       int       `firestore:"seq"`
	Role      string    `firestore:"role"`
	Kind      string    `firestore:"kind"`
	Text      string    `firestore:"text"`
	Persona   string    `firestore:"persona"`
	CreatedAt time.Time `firestore:"created_at"`
	Reply     *replyDoc `firestore:"reply"`
}

func toSessionDoc(session *domain.Session) sessionDoc {
	return sessionDoc{
		OwnerID:        string(session.OwnerID),
		Persona:        string(session.Persona),
		Status:         string(session.Status),
		StartedAt:      session.StartedAt,
		LastActivityAt: session.LastActivityAt,
		EndedAt:        session.EndedAt,
		EndReason:      session.EndReason,
		MessageCount:   session.MessageCount,
		Language:       session.Settings.Language,
		Preferences:    session.Settings.Preferences,
	}
}

func (d sessionDoc) toDomain(id domain.SessionID) *domain.Session {
	return &domain.Session{
		ID:             id,
		OwnerID:        domain.UserID(d.OwnerID),
		Persona:        domain.PersonaID(d.Persona),
		Status:         domain.SessionStatus(d.Status),
		StartedAt:      d.StartedAt,
		LastActivityAt: d.LastActivityAt,
		EndedAt:        d.EndedAt,
		EndReason:      d.EndReason,
		MessageCount:   d.MessageCount,
		Settings: domain.SessionSettings{
			Language:    d.Language,
			Preferences: d.Preferences,
		},
	}
}

// ─────────────────────────────────────────
// SessionStore implementation
// ─────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.sessionDoc(session.ID).Create(ctx, toSessionDoc(session))
	if err != nil {
		return fmt.Errorf("firestore CreateSession: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.sessionDoc(session.ID).Set(ctx, toSessionDoc(session))
	if err != nil {
		return fmt.Errorf("firestore UpdateSession: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	snap, err := s.sessionDoc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("firestore GetSession: %w", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetSession decode: %w", err)
	}
	return doc.toDomain(id), nil
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.Session, error) {
	q := s.sessionsCol().Where("owner_id", "==", string(userID)).OrderBy("last_activity_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*domain.Session
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore ListSessionsByUser: %w", err)
		}

		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode sessionDoc: %w", err)
		}
		out = append(out, doc.toDomain(domain.SessionID(snap.Ref.ID)))
	}
	return out, nil
}

// ─────────────────────────────────────────
// MessageStore implementation
// ─────────────────────────────────────────

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	doc := messageDoc{
		SessionID: string(msg.SessionID),
		Seq:       msg.Seq,
		Role:      string(msg.Role),
		Kind:      string(msg.Kind),
		Text:      msg.Text,
		Persona:   string(msg.Persona),
		CreatedAt: msg.CreatedAt,
	}
	if r := msg.Reply; r != nil {
		doc.Reply = &replyDoc{
			Confidence:           r.Confidence,
			Source:               string(r.Source),
			Sources:              r.Sources,
			ProcessingMs:         r.ProcessingTime.Milliseconds(),
			FallbackUsed:         r.FallbackUsed,
			FallbackSource:       string(r.FallbackSource),
			Cached:               r.Cached,
			PersonalizationScore: r.PersonalizationScore,
			ContextRelevance:     r.ContextRelevance,
			SatisfactionScore:    r.SatisfactionScore,
			Adaptations:          r.Adaptations,
		}
	}

	_, err := s.messagesCol(msg.SessionID).Doc(string(msg.ID)).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("firestore AppendMessage: %w", err)
	}
	return nil
}

// GetMessagesBySession returns the last limit messages (all when limit <= 0), oldest first.
func (s *Store) GetMessagesBySession(ctx context.Context, sessionID domain.SessionID, limit int) ([]*domain.Message, error) {
	q := s.messagesCol(sessionID).OrderBy("seq", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*domain.Message
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore GetMessagesBySession: %w", err)
		}

		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}

		msg := &domain.Message{
			ID:        domain.MessageID(snap.Ref.ID),
			SessionID: sessionID,
			Seq:       doc.Seq,
			Role:      domain.Role(doc.Role),
			Kind:      domain.MessageKind(doc.Kind),
			Text:      doc.Text,
			Persona:   domain.PersonaID(doc.Persona),
			CreatedAt: doc.CreatedAt,
		}
		if r := doc.Reply; r != nil {
			msg.Reply = &domain.ReplyMeta{
				Confidence:           r.Confidence,
				Source:               domain.AnswerSource(r.Source),
				Sources:              r.Sources,
				ProcessingTime:       time.Duration(r.ProcessingMs) * time.Millisecond,
				FallbackUsed:         r.FallbackUsed,
				FallbackSource:       domain.FallbackSource(r.FallbackSource),
				Cached:               r.Cached,
				PersonalizationScore: r.PersonalizationScore,
				ContextRelevance:     r.ContextRelevance,
				SatisfactionScore:    r.SatisfactionScore,
				Adaptations:          r.Adaptations,
			}
		}
		out = append(out, msg)
	}

	// newest-first from the query
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
