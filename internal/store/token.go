package store

import (
	"database/sql"
	"time"
)

// SaveToken persists the session token. There is at most one row.
func (db *DB) SaveToken(t *Token) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO tokens (id, access_token, user_id, scope, offline, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			user_id = excluded.user_id,
			scope = excluded.scope,
			offline = excluded.offline,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		t.AccessToken, t.UserID, t.Scope, t.Offline, t.ExpiresAt, now)
	return err
}

// LoadToken returns the persisted token, or nil if none is stored.
func (db *DB) LoadToken() (*Token, error) {
	var t Token
	err := db.QueryRow(`SELECT access_token, user_id, scope, offline, expires_at FROM tokens WHERE id = 1`).
		Scan(&t.AccessToken, &t.UserID, &t.Scope, &t.Offline, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClearToken removes the persisted token.
func (db *DB) ClearToken() error {
	_, err := db.Exec(`DELETE FROM tokens WHERE id = 1`)
	return err
}
