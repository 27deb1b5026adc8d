package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey, changes ...events.Change) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.UserID == "" {
		return errors.New("user_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	return r.inTx(ctx, changes, func(tx *sql.Tx) error {
		if err := userExists(ctx, tx, key.UserID); err != nil {
			return err
		}
		var n int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM api_keys WHERE id=? OR key_hash=?`, key.ID, key.KeyHash).Scan(&n)
		if err == nil {
			return fmt.Errorf("api key %s: %w", key.ID, store.ErrConflict)
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO api_keys(id, user_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
			key.ID, key.UserID, nullable(key.Name), key.KeyHash, formatTime(key.CreatedAt))
		return err
	})
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	var createdAt string
	err := row.Scan(&key.ID, &key.UserID, &key.Name, &key.KeyHash, &createdAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, store.ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	key.CreatedAt, err = parseTime(createdAt)
	return key, err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT id, user_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash))
}

// ListAPIKeys returns API keys, optionally filtered by user ID, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	query := `SELECT id, user_id, COALESCE(name,''), key_hash, created_at FROM api_keys`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string, changes ...events.Change) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return r.inTx(ctx, changes, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
