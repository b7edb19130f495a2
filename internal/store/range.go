package store

import (
	"database/sql"
	"time"
)

// GetRange returns the history range for a peer, or nil if never fetched.
func (db *DB) GetRange(peerID int64) (*HistoryRange, error) {
	var r HistoryRange
	err := db.QueryRow(`SELECT peer_id, earliest, latest, complete FROM history_ranges WHERE peer_id = ?`, peerID).
		Scan(&r.PeerID, &r.Earliest, &r.Latest, &r.Complete)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRange stores the history range for a peer. The stored range only ever
// widens: earliest shrinks, latest grows, and completeness sticks once set.
func (db *DB) UpsertRange(r *HistoryRange) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO history_ranges (peer_id, earliest, latest, complete, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			earliest = CASE
				WHEN history_ranges.earliest = 0 THEN excluded.earliest
				WHEN excluded.earliest != 0 AND excluded.earliest < history_ranges.earliest THEN excluded.earliest
				ELSE history_ranges.earliest END,
			latest = MAX(history_ranges.latest, excluded.latest),
			complete = MAX(history_ranges.complete, excluded.complete),
			updated_at = excluded.updated_at`,
		r.PeerID, r.Earliest, r.Latest, r.Complete, now)
	return err
}
