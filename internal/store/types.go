package store

// Sync states of a sent record. A record is created PENDING, moves to
// CONFIRMED on backend acknowledgement and to FAILED when the confirm call
// errors. FAILED records are retried; no state ever removes the record.
const (
	SyncPending   = "PENDING"
	SyncConfirmed = "CONFIRMED"
	SyncFailed    = "FAILED"
)

// SentRecord is the durable trace of a volunteer marking a message sent to a
// contact. At most one record exists per (message, contact) pair.
type SentRecord struct {
	ID          int64
	MessageID   string
	ContactID   string
	SyncState   string
	SentAt      int64
	ConfirmedAt int64
	LastError   string
}

// SkipRecord is a locally cached entry of the remote skip list.
type SkipRecord struct {
	ContactID string
	SkippedAt int64
}
