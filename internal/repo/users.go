package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

const userColumns = `id,email,name,department,role,created_at,last_access_at,active,preferences_json,photo_url,phone`

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u                     domain.User
		createdAt, lastAccess string
		active                int
		prefsJSON             string
		photo                 sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Department, &u.Role, &createdAt, &lastAccess, &active, &prefsJSON, &photo, &u.Phone)
	if err == sql.ErrNoRows {
		return u, store.ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return u, err
	}
	if u.LastAccessAt, err = parseTime(lastAccess); err != nil {
		return u, err
	}
	u.Active = active != 0
	u.PhotoURL = stringPtr(photo)
	var prefs map[string]any
	if err := json.Unmarshal([]byte(prefsJSON), &prefs); err != nil {
		return u, fmt.Errorf("decode preferences of %s: %w", u.ID, err)
	}
	if len(prefs) > 0 {
		u.Preferences = prefs
	}
	return u, nil
}

func (r Repo) PutUser(ctx context.Context, u domain.User, changes ...events.Change) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	prefsJSON, err := encodePreferences(u.Preferences)
	if err != nil {
		return err
	}
	return r.inTx(ctx, changes, func(tx *sql.Tx) error {
		var other string
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email=? COLLATE NOCASE AND id<>?`, u.Email, u.ID).Scan(&other)
		if err == nil {
			return fmt.Errorf("email %s already registered: %w", u.Email, store.ErrConflict)
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name, department=excluded.department, role=excluded.role,
created_at=excluded.created_at, last_access_at=excluded.last_access_at, active=excluded.active,
preferences_json=excluded.preferences_json, photo_url=excluded.photo_url, phone=excluded.phone`,
			u.ID, u.Email, u.Name, string(u.Department), string(u.Role), formatTime(u.CreatedAt), formatTime(u.LastAccessAt),
			boolInt(u.Active), prefsJSON, nullableStringPtr(u.PhotoURL), u.Phone)
		if err != nil {
			return fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
		return nil
	})
}

func (r Repo) CreateUser(ctx context.Context, u domain.User, passwordHash string, changes ...events.Change) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	prefsJSON, err := encodePreferences(u.Preferences)
	if err != nil {
		return err
	}
	return r.inTx(ctx, changes, func(tx *sql.Tx) error {
		var other string
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id=? OR email=? COLLATE NOCASE`, u.ID, u.Email).Scan(&other)
		if err == nil {
			return fmt.Errorf("user %s <%s>: %w", u.ID, u.Email, store.ErrConflict)
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			u.ID, u.Email, u.Name, string(u.Department), string(u.Role), formatTime(u.CreatedAt), formatTime(u.LastAccessAt),
			boolInt(u.Active), prefsJSON, nullableStringPtr(u.PhotoURL), u.Phone)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", u.ID, err)
		}
		if passwordHash == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO credentials(user_id,password_hash,updated_at) VALUES (?,?,?)`,
			u.ID, passwordHash, r.Events.Timestamp())
		if err != nil {
			return fmt.Errorf("insert credential %s: %w", u.ID, err)
		}
		return nil
	})
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=? COLLATE NOCASE`, email))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetPassword(ctx context.Context, userID, hash string, changes ...events.Change) error {
	return r.inTx(ctx, changes, func(tx *sql.Tx) error {
		if err := userExists(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO credentials(user_id,password_hash,updated_at) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET password_hash=excluded.password_hash, updated_at=excluded.updated_at`,
			userID, hash, r.Events.Timestamp())
		return err
	})
}

func (r Repo) PasswordHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := r.DB.QueryRowContext(ctx, `SELECT password_hash FROM credentials WHERE user_id=?`, userID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	return hash, err
}

func userExists(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	return err
}

func encodePreferences(prefs map[string]any) (string, error) {
	if prefs == nil {
		prefs = map[string]any{}
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return "", fmt.Errorf("encode preferences: %w", err)
	}
	return string(data), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
