package store

import "database/sql"

// UpsertSentRecord inserts or updates a sent record. The (message, contact)
// pair is unique; a second insert for the same pair updates sync state and
// timestamps instead of duplicating.
func (db *DB) UpsertSentRecord(r *SentRecord) error {
	_, err := db.Exec(`
		INSERT INTO sent_records (message_id, contact_id, sync_state, sent_at, confirmed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, contact_id) DO UPDATE SET
			sync_state = excluded.sync_state,
			confirmed_at = excluded.confirmed_at,
			last_error = excluded.last_error`,
		r.MessageID, r.ContactID, r.SyncState, r.SentAt, r.ConfirmedAt, r.LastError)
	if err != nil {
		return &StorageError{Op: "upsert sent record", Err: err}
	}
	return nil
}

// ListSentRecords returns every sent record, oldest first. Used to rehydrate
// the mutation log at engine start.
func (db *DB) ListSentRecords() ([]SentRecord, error) {
	rows, err := db.Query(`
		SELECT id, message_id, contact_id, sync_state, sent_at, confirmed_at, last_error
		FROM sent_records ORDER BY sent_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []SentRecord
	for rows.Next() {
		var r SentRecord
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ContactID, &r.SyncState, &r.SentAt, &r.ConfirmedAt, &r.LastError); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetSentRecord returns the record for a (message, contact) pair, or nil.
func (db *DB) GetSentRecord(messageID, contactID string) (*SentRecord, error) {
	var r SentRecord
	err := db.QueryRow(`
		SELECT id, message_id, contact_id, sync_state, sent_at, confirmed_at, last_error
		FROM sent_records WHERE message_id = ? AND contact_id = ?`,
		messageID, contactID).
		Scan(&r.ID, &r.MessageID, &r.ContactID, &r.SyncState, &r.SentAt, &r.ConfirmedAt, &r.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetSentCount rewrites the display counter for a message.
func (db *DB) SetSentCount(messageID string, count int) error {
	_, err := db.Exec(`
		INSERT INTO sent_counts (message_id, count)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET count = excluded.count`,
		messageID, count)
	if err != nil {
		return &StorageError{Op: "set sent count", Err: err}
	}
	return nil
}

// SentCounts returns the full messageID -> count map for rehydration.
func (db *DB) SentCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT message_id, count FROM sent_counts`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
