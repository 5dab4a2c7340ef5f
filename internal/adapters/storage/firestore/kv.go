package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

// Document ids cannot contain "/", so keys are path-escaped; the raw key is
// kept in a field for prefix queries.
type kvDoc struct {
	Key       string    `firestore:"key"`
	Value     []byte    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func (s *Store) kvCol() *firestore.CollectionRef {
	return s.client.Collection("kv")
}

func (s *Store) kvDoc(key string) *firestore.DocumentRef {
	return s.kvCol().Doc(url.PathEscape(key))
}

func (s *Store) GetKV(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	snap, err := s.kvDoc(key).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, fmt.Errorf("firestore GetKV: %w", err)
	}
	var doc kvDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("firestore GetKV decode: %w", err)
	}
	return doc.Value, doc.ExpiresAt, true, nil
}

func (s *Store) SetKV(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.kvDoc(key).Set(ctx, kvDoc{Key: key, Value: value, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("firestore SetKV: %w", err)
	}
	return nil
}

func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.kvDoc(key).Delete(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("firestore DeleteKV: %w", err)
	}
	return nil
}

// DeleteKVPrefix removes every key starting with prefix. An empty prefix
// clears the collection.
func (s *Store) DeleteKVPrefix(ctx context.Context, prefix string) error {
	q := s.kvCol().Query
	if prefix != "" {
		// \uf8ff sorts after any key sharing the prefix
		q = q.Where("key", ">=", prefix).Where("key", "<", prefix+"\uf8ff")
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			bw.End()
			return fmt.Errorf("firestore DeleteKVPrefix: %w", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return fmt.Errorf("firestore DeleteKVPrefix enqueue: %w", err)
		}
	}
	bw.End()
	return nil
}

var _ domain.KVStore = (*Store)(nil)
