package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertEntry inserts or updates an entry. Text fields merge per-field: an
// empty value in the update never erases a previously stored one. Presence
// flags always take the incoming value.
func (db *DB) UpsertEntry(e *Entry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO entries (id, first_name, last_name, nick, photo_url, birthday, phones, timezone, city, country, online, mobile, classification, in_roster, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = CASE WHEN excluded.first_name != '' THEN excluded.first_name ELSE entries.first_name END,
			last_name = CASE WHEN excluded.last_name != '' THEN excluded.last_name ELSE entries.last_name END,
			nick = CASE WHEN excluded.nick != '' THEN excluded.nick ELSE entries.nick END,
			photo_url = CASE WHEN excluded.photo_url != '' THEN excluded.photo_url ELSE entries.photo_url END,
			birthday = CASE WHEN excluded.birthday != '' THEN excluded.birthday ELSE entries.birthday END,
			phones = CASE WHEN excluded.phones != '' THEN excluded.phones ELSE entries.phones END,
			timezone = CASE WHEN excluded.timezone != 0 THEN excluded.timezone ELSE entries.timezone END,
			city = CASE WHEN excluded.city != '' THEN excluded.city ELSE entries.city END,
			country = CASE WHEN excluded.country != '' THEN excluded.country ELSE entries.country END,
			online = excluded.online,
			mobile = excluded.mobile,
			classification = excluded.classification,
			in_roster = excluded.in_roster,
			updated_at = excluded.updated_at`,
		e.ID, e.FirstName, e.LastName, e.Nick, e.PhotoURL, e.Birthday, e.Phones,
		e.Timezone, e.City, e.Country, e.Online, e.Mobile, e.Classification, e.InRoster, now)
	return err
}

// BulkUpsertEntries applies UpsertEntry semantics to many entries in one transaction.
func (db *DB) BulkUpsertEntries(entries []Entry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		if _, err := tx.Exec(`
			INSERT INTO entries (id, first_name, last_name, nick, photo_url, birthday, phones, timezone, city, country, online, mobile, classification, in_roster, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				first_name = CASE WHEN excluded.first_name != '' THEN excluded.first_name ELSE entries.first_name END,
				last_name = CASE WHEN excluded.last_name != '' THEN excluded.last_name ELSE entries.last_name END,
				nick = CASE WHEN excluded.nick != '' THEN excluded.nick ELSE entries.nick END,
				photo_url = CASE WHEN excluded.photo_url != '' THEN excluded.photo_url ELSE entries.photo_url END,
				birthday = CASE WHEN excluded.birthday != '' THEN excluded.birthday ELSE entries.birthday END,
				phones = CASE WHEN excluded.phones != '' THEN excluded.phones ELSE entries.phones END,
				timezone = CASE WHEN excluded.timezone != 0 THEN excluded.timezone ELSE entries.timezone END,
				city = CASE WHEN excluded.city != '' THEN excluded.city ELSE entries.city END,
				country = CASE WHEN excluded.country != '' THEN excluded.country ELSE entries.country END,
				online = excluded.online,
				mobile = excluded.mobile,
				classification = excluded.classification,
				in_roster = excluded.in_roster,
				updated_at = excluded.updated_at`,
			e.ID, e.FirstName, e.LastName, e.Nick, e.PhotoURL, e.Birthday, e.Phones,
			e.Timezone, e.City, e.Country, e.Online, e.Mobile, e.Classification, e.InRoster, now); err != nil {
			return fmt.Errorf("upsert entry %d: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

const entryColumns = `id, first_name, last_name, nick, photo_url, birthday, phones, timezone, city, country, online, mobile, classification, in_roster`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.FirstName, &e.LastName, &e.Nick, &e.PhotoURL,
		&e.Birthday, &e.Phones, &e.Timezone, &e.City, &e.Country,
		&e.Online, &e.Mobile, &e.Classification, &e.InRoster)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntry returns an entry by id, or nil if not found.
func (db *DB) GetEntry(id int64) (*Entry, error) {
	e, err := scanEntry(db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListEntries returns all entries ordered by classification then name.
func (db *DB) ListEntries() ([]Entry, error) {
	rows, err := db.Query(`SELECT ` + entryColumns + ` FROM entries ORDER BY classification, first_name, last_name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// EntryCount returns the total number of entries.
func (db *DB) EntryCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count)
	return count, err
}
