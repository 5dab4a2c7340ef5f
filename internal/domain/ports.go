package domain

import (
	"context"
	"strconv"
	"time"
)

// PrimaryBackend is the contextual-answer service.
type PrimaryBackend interface {
	Answer(ctx context.Context, req PrimaryRequest) (*PrimaryResponse, error)
}

// SecondaryBackend is the raw-search service.
type SecondaryBackend interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// BackendStatusError is returned by backends reached over the network when
// the remote side answered with a non-success status.
type BackendStatusError struct {
	Backend    string
	StatusCode int
}

func (e *BackendStatusError) Error() string {
	return e.Backend + ": unexpected status " + strconv.Itoa(e.StatusCode)
}

// MalformedPayloadError is returned when a backend answered with data that
// cannot be used (undecodable, zero chunks, empty answer).
type MalformedPayloadError struct {
	Backend string
	Reason  string
}

func (e *MalformedPayloadError) Error() string {
	return e.Backend + ": malformed payload: " + e.Reason
}

// Event is one analytics emission.
type Event struct {
	Category string  `json:"category"`
	Action   string  `json:"action"`
	Label    string  `json:"label,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

// EventSink receives fire-and-forget analytics. Implementations must never
// block or fail the caller.
type EventSink interface {
	Emit(ev Event)
}

// KVStore is a durable key -> blob store with expiry, used behind the cache.
type KVStore interface {
	GetKV(ctx context.Context, key string) (value []byte, expiresAt time.Time, found bool, err error)
	SetKV(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	DeleteKV(ctx context.Context, key string) error
	DeleteKVPrefix(ctx context.Context, prefix string) error
}

// SessionStore defines session's persistence
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID UserID, limit int) ([]*Session, error)
}

// MessageStore defines message's persistence
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessagesBySession(ctx context.Context, sessionID SessionID, limit int) ([]*Message, error)
}

// InteractionStore keeps each user's recent-interaction log.
type InteractionStore interface {
	AppendInteraction(ctx context.Context, rec InteractionRecord) error
	ListInteractions(ctx context.Context, userID UserID, limit int) ([]InteractionRecord, error)
}
