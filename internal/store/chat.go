package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertChat inserts or updates a chat record. An empty title never erases a
// previously stored one.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, title, last_message_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE chats.title END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.LastMessageAt, now)
	return err
}

// GetChat returns a single chat by id, or nil if not found.
func (db *DB) GetChat(id int64) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`SELECT id, title, last_message_at FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, title, last_message_at FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.LastMessageAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// SetChatParticipants replaces the participant set of a chat.
func (db *DB) SetChatParticipants(chatID int64, entryIDs []int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chat_participants WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	for _, id := range entryIDs {
		if _, err := tx.Exec(`INSERT INTO chat_participants (chat_id, entry_id) VALUES (?, ?)`, chatID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ChatParticipants returns the entry ids participating in a chat.
func (db *DB) ChatParticipants(chatID int64) ([]int64, error) {
	rows, err := db.Query(`SELECT entry_id FROM chat_participants WHERE chat_id = ? ORDER BY entry_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
