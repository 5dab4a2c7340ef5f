package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

type interactionDoc struct {
	SessionID            string    `firestore:"session_id"`
	Persona              string    `firestore:"persona"`
	Query                string    `firestore:"query"`
	Confidence           float64   `firestore:"confidence"`
	FallbackUsed         bool      `firestore:"fallback_used"`
	PersonalizationScore float64   `firestore:"personalization_score"`
	SatisfactionScore    float64   `firestore:"satisfaction_prediction"`
	At                   time.Time `firestore:"at"`
}

func (s *Store) interactionsCol(userID domain.UserID) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(string(userID)).Collection("interactions")
}

func (s *Store) AppendInteraction(ctx context.Context, rec domain.InteractionRecord) error {
	_, _, err := s.interactionsCol(rec.UserID).Add(ctx, interactionDoc{
		SessionID:            string(rec.SessionID),
		Persona:              string(rec.Persona),
		Query:                rec.Query,
		Confidence:           rec.Confidence,
		FallbackUsed:         rec.FallbackUsed,
		PersonalizationScore: rec.PersonalizationScore,
		SatisfactionScore:    rec.SatisfactionScore,
		At:                   rec.At,
	})
	if err != nil {
		return fmt.Errorf("firestore AppendInteraction: %w", err)
	}
	return nil
}

// ListInteractions returns the last limit records (all when limit <= 0), oldest first.
func (s *Store) ListInteractions(ctx context.Context, userID domain.UserID, limit int) ([]domain.InteractionRecord, error) {
	q := s.interactionsCol(userID).OrderBy("at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []domain.InteractionRecord
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore ListInteractions: %w", err)
		}
		var doc interactionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode interactionDoc: %w", err)
		}
		out = append(out, domain.InteractionRecord{
			UserID:               userID,
			SessionID:            domain.SessionID(doc.SessionID),
			Persona:              domain.PersonaID(doc.Persona),
			Query:                doc.Query,
			Confidence:           doc.Confidence,
			FallbackUsed:         doc.FallbackUsed,
			PersonalizationScore: doc.PersonalizationScore,
			SatisfactionScore:    doc.SatisfactionScore,
			At:                   doc.At,
		})
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var (
	_ domain.SessionStore     = (*Store)(nil)
	_ domain.MessageStore     = (*Store)(nil)
	_ domain.InteractionStore = (*Store)(nil)
)
