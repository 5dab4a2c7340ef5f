package memory

import (
	"context"
	"sync"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const DefaultMessageCap = 500

// MessageStore keeps each session's timeline in insertion order. Timelines are
// softly capped; the oldest messages go first.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[domain.SessionID][]*domain.Message
	capacity int
}

// NewMessageStore builds a store; perSession <= 0 uses DefaultMessageCap.
func NewMessageStore(perSession int) *MessageStore {
	if perSession <= 0 {
		perSession = DefaultMessageCap
	}
	return &MessageStore{
		messages: make(map[domain.SessionID][]*domain.Message),
		capacity: perSession,
	}
}

func (s *MessageStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.messages[msg.SessionID], msg)
	if len(msgs) > s.capacity {
		msgs = append([]*domain.Message(nil), msgs[len(msgs)-s.capacity:]...)
	}
	s.messages[msg.SessionID] = msgs
	return nil
}

// GetMessagesBySession returns the last limit messages (all when limit <= 0), oldest first.
func (s *MessageStore) GetMessagesBySession(_ context.Context, sessionID domain.SessionID, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*domain.Message(nil), msgs...), nil
}

// DeleteSession drops a session's timeline.
func (s *MessageStore) DeleteSession(sessionID domain.SessionID) {
	s.mu.Lock()
	delete(s.messages, sessionID)
	s.mu.Unlock()
}
