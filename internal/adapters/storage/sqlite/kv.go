// Package sqlite is a durable key/value store with expiry, used as the
// cache's backing store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

type KV struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*KV, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	kv := &KV{db: db, now: time.Now}
	if err := kv.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return kv, nil
}

func (k *KV) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
            key TEXT PRIMARY KEY,
            value BLOB NOT NULL,
            expires_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := k.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (k *KV) Close() error { return k.db.Close() }

// GetKV returns the stored value. Expired rows are reported as missing.
func (k *KV) GetKV(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var (
		value   []byte
		expires int64
	)
	err := k.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("sqlite GetKV: %w", err)
	}
	exp := time.UnixMilli(expires)
	if !k.now().Before(exp) {
		return nil, time.Time{}, false, nil
	}
	return value, exp, true, nil
}

func (k *KV) SetKV(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite SetKV: %w", err)
	}
	return nil
}

func (k *KV) DeleteKV(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite DeleteKV: %w", err)
	}
	return nil
}

// DeleteKVPrefix removes every key starting with prefix.
func (k *KV) DeleteKVPrefix(ctx context.Context, prefix string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return fmt.Errorf("sqlite DeleteKVPrefix: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry is not after now and reports how
// many were removed.
func (k *KV) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite PurgeExpired: %w", err)
	}
	return res.RowsAffected()
}

var _ domain.KVStore = (*KV)(nil)
