package store

import (
	"context"
	"database/sql"
	"errors"
)

// SetMetadata upserts a key-value pair.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// PutMetadataIfAbsent stores a key only if it is not set yet. It reports
// whether the value was stored; when it was not, the existing value is
// returned.
func (s *Store) PutMetadataIfAbsent(ctx context.Context, key, value string) (bool, string, error) {
	res, err := s.exec(ctx, s.db,
		`INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		key, value,
	)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n > 0 {
		return true, value, nil
	}
	existing, err := s.GetMetadata(ctx, key)
	return false, existing, err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.queryRow(ctx, s.db, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// DeleteMetadata removes a key. Missing keys are not an error.
func (s *Store) DeleteMetadata(ctx context.Context, key string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM metadata WHERE key = ?`, key)
	return err
}
