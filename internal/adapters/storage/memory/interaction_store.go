package memory

import (
	"context"
	"sync"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const DefaultInteractionCap = 50

// InteractionStore keeps each user's recent-interaction log in memory.
// It is NOT persistent and is only suitable for development / local mode.
type InteractionStore struct {
	mu       sync.RWMutex
	byUser   map[domain.UserID][]domain.InteractionRecord
	capacity int
}

// NewInteractionStore builds a store; perUser <= 0 uses DefaultInteractionCap.
func NewInteractionStore(perUser int) *InteractionStore {
	if perUser <= 0 {
		perUser = DefaultInteractionCap
	}
	return &InteractionStore{
		byUser:   make(map[domain.UserID][]domain.InteractionRecord),
		capacity: perUser,
	}
}

// AppendInteraction saves a record, dropping the oldest beyond the cap.
func (s *InteractionStore) AppendInteraction(_ context.Context, rec domain.InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.byUser[rec.UserID], rec)
	if len(log) > s.capacity {
		log = append([]domain.InteractionRecord(nil), log[len(log)-s.capacity:]...)
	}
	s.byUser[rec.UserID] = log
	return nil
}

// ListInteractions returns the last `limit` records for a user, oldest first.
// If limit <= 0, returns all.
func (s *InteractionStore) ListInteractions(_ context.Context, userID domain.UserID, limit int) ([]domain.InteractionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.byUser[userID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	return append([]domain.InteractionRecord{}, log[len(log)-limit:]...), nil
}
