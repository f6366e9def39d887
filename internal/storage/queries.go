package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoEntry is returned by ReadEntry when the key has never been populated.
var ErrNoEntry = errors.New("no cache entry")

// ReadEntry returns the payload stored under key and the time it was written.
func (db *DB) ReadEntry(ctx context.Context, key string) ([]byte, time.Time, error) {
	var payload []byte
	var fetchedAt int64
	err := db.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM cache_entries WHERE key = ?`, key).
		Scan(&payload, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, ErrNoEntry
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read cache entry %q: %w", key, err)
	}
	return payload, time.Unix(fetchedAt, 0), nil
}

// WriteEntry stores payload under key with the current timestamp, replacing
// any previous payload atomically.
func (db *DB) WriteEntry(ctx context.Context, key string, payload []byte) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, payload, fetched_at) VALUES (?, ?, ?)`,
		key, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write cache entry %q: %w", key, err)
	}
	return nil
}

// DeleteEntry removes a cache entry. Missing keys are not an error.
func (db *DB) DeleteEntry(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// GetMetadata retrieves a value from the feed_metadata table.
// Missing keys return an empty string.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM feed_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMetadata stores a key-value pair in the feed_metadata table.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`,
		key, value)
	return err
}
