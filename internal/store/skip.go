package store

import "fmt"

// ReplaceSkipList rewrites the cached skip list wholesale. The remote list
// is the source of truth; the cache only exists so a restart without
// connectivity still hides skipped contacts.
func (db *DB) ReplaceSkipList(records []SkipRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return &StorageError{Op: "replace skip list", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM skipped_contacts`); err != nil {
		return &StorageError{Op: "replace skip list", Err: err}
	}
	for _, r := range records {
		if _, err := tx.Exec(`
			INSERT INTO skipped_contacts (contact_id, skipped_at) VALUES (?, ?)
			ON CONFLICT(contact_id) DO UPDATE SET skipped_at = excluded.skipped_at`,
			r.ContactID, r.SkippedAt); err != nil {
			return &StorageError{Op: fmt.Sprintf("cache skip %q", r.ContactID), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "replace skip list", Err: err}
	}
	return nil
}

// AddSkip caches one skipped contact. Idempotent.
func (db *DB) AddSkip(r SkipRecord) error {
	_, err := db.Exec(`
		INSERT INTO skipped_contacts (contact_id, skipped_at) VALUES (?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET skipped_at = excluded.skipped_at`,
		r.ContactID, r.SkippedAt)
	if err != nil {
		return &StorageError{Op: "add skip", Err: err}
	}
	return nil
}

// RemoveSkip drops one contact from the cache. Removing an absent id is a
// no-op.
func (db *DB) RemoveSkip(contactID string) error {
	_, err := db.Exec(`DELETE FROM skipped_contacts WHERE contact_id = ?`, contactID)
	if err != nil {
		return &StorageError{Op: "remove skip", Err: err}
	}
	return nil
}

// ListSkips returns the cached skip list for rehydration.
func (db *DB) ListSkips() ([]SkipRecord, error) {
	rows, err := db.Query(`SELECT contact_id, skipped_at FROM skipped_contacts ORDER BY skipped_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []SkipRecord
	for rows.Next() {
		var r SkipRecord
		if err := rows.Scan(&r.ContactID, &r.SkippedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
