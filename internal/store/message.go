package store

import (
	"database/sql"
	"fmt"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (peer_id, msg_id, sender_id, body, timestamp, outgoing, status, edited, likes, reposts, attachments, forward_of, read, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(peer_id, msg_id) DO UPDATE SET
		body = excluded.body,
		status = excluded.status,
		edited = excluded.edited,
		attachments = CASE WHEN excluded.attachments != '' THEN excluded.attachments ELSE messages.attachments END,
		forward_of = CASE WHEN excluded.forward_of != 0 THEN excluded.forward_of ELSE messages.forward_of END`

// UpsertMessage inserts or updates a message (idempotent on peer_id + msg_id).
// Like/repost counters are not touched on conflict; use UpdateCounters.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertMessageSQL,
		m.PeerID, m.MsgID, m.SenderID, m.Body, m.Timestamp, m.Outgoing, m.Status,
		m.Edited, m.Likes, m.Reposts, m.Attachments, m.ForwardOf, m.Read, now)
	return err
}

// AppendBatch inserts a batch of messages in a single transaction, idempotently.
func (db *DB) AppendBatch(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(upsertMessageSQL,
			m.PeerID, m.MsgID, m.SenderID, m.Body, m.Timestamp, m.Outgoing, m.Status,
			m.Edited, m.Likes, m.Reposts, m.Attachments, m.ForwardOf, m.Read, now); err != nil {
			return fmt.Errorf("upsert message %d/%d: %w", m.PeerID, m.MsgID, err)
		}
	}
	return tx.Commit()
}

const messageColumns = `id, peer_id, msg_id, sender_id, body, timestamp, outgoing, status, edited, likes, reposts, attachments, forward_of, read`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.PeerID, &m.MsgID, &m.SenderID, &m.Body, &m.Timestamp,
		&m.Outgoing, &m.Status, &m.Edited, &m.Likes, &m.Reposts, &m.Attachments,
		&m.ForwardOf, &m.Read)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a peer using keyset pagination: strictly
// older than beforeTS, newest first, ordered by (timestamp, msg_id).
func (db *DB) ListMessages(peerID, beforeTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE peer_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, msg_id DESC
		LIMIT ?`, peerID, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a message by peer and server id, or nil if unknown.
func (db *DB) GetMessage(peerID, msgID int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE peer_id = ? AND msg_id = ?`, peerID, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpdateCounters sets the like/repost counters of a message.
func (db *DB) UpdateCounters(peerID, msgID int64, likes, reposts int) error {
	_, err := db.Exec(`UPDATE messages SET likes = ?, reposts = ? WHERE peer_id = ? AND msg_id = ?`,
		likes, reposts, peerID, msgID)
	return err
}

// MarkEdited replaces the body of an edited message.
func (db *DB) MarkEdited(peerID, msgID int64, body string) error {
	_, err := db.Exec(`UPDATE messages SET body = ?, edited = 1 WHERE peer_id = ? AND msg_id = ?`,
		body, peerID, msgID)
	return err
}

// UnreadIDs returns the server ids of unread incoming messages for a peer.
func (db *DB) UnreadIDs(peerID int64) ([]int64, error) {
	rows, err := db.Query(`SELECT msg_id FROM messages WHERE peer_id = ? AND read = 0 AND outgoing = 0`, peerID)
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

// MarkRead flags the given server ids as read for a peer.
func (db *DB) MarkRead(peerID int64, ids []int64) error {
	for _, id := range ids {
		if _, err := db.Exec(`UPDATE messages SET read = 1 WHERE peer_id = ? AND msg_id = ?`, peerID, id); err != nil {
			return err
		}
	}
	return nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
