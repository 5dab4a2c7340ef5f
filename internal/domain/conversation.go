package domain

import "time"

// MessageKind tags what produced a message, so the reply metadata can be read
// without guessing.
type MessageKind string

const (
	KindUser                MessageKind = "user"
	KindAnswer              MessageKind = "answer"               // persona-adapted retrieval answer
	KindFallback            MessageKind = "fallback"             // produced by the fallback chain
	KindTechnicalDifficulty MessageKind = "technical_difficulty" // outermost safety net
)

// ReplyMeta is attached to every assistant message.
type ReplyMeta struct {
	Confidence           float64        `json:"confidence"`
	Source               AnswerSource   `json:"source"`
	Sources              []string       `json:"sources,omitempty"`
	ProcessingTime       time.Duration  `json:"processing_time"`
	FallbackUsed         bool           `json:"fallback_used"`
	FallbackSource       FallbackSource `json:"fallback_source,omitempty"`
	Cached               bool           `json:"cached"`
	PersonalizationScore float64        `json:"personalization_score"`
	ContextRelevance     float64        `json:"context_relevance"`
	SatisfactionScore    float64        `json:"satisfaction_prediction"`
	Adaptations          []string       `json:"adaptations,omitempty"`
}

// AnswerSource classifies where the surfaced text came from.
type AnswerSource string

const (
	SourceRetrieval AnswerSource = "retrieval"
	SourceFallback  AnswerSource = "fallback"
	SourceGeneric   AnswerSource = "generic"
)

// Message is one immutable entry in a session timeline (user or assistant).
type Message struct {
	ID        MessageID
	SessionID SessionID
	Seq       int
	Role      Role
	Kind      MessageKind
	Text      string
	CreatedAt Timestamp
	Persona   PersonaID

	// Reply is nil for user messages.
	Reply *ReplyMeta
}

// SessionSettings are the per-session preferences chosen at start.
type SessionSettings struct {
	Language    string            `json:"language,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Session is one conversation between a (possibly anonymous) user and a persona.
type Session struct {
	ID             SessionID
	OwnerID        UserID
	Persona        PersonaID
	Status         SessionStatus
	StartedAt      Timestamp
	LastActivityAt Timestamp
	EndedAt        *Timestamp
	EndReason      string
	MessageCount   int
	Settings       SessionSettings
}

// Clone returns a copy safe to hand outside the owning lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Settings.Preferences != nil {
		c.Settings.Preferences = make(map[string]string, len(s.Settings.Preferences))
		for k, v := range s.Settings.Preferences {
			c.Settings.Preferences[k] = v
		}
	}
	return &c
}
