package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "queue." receives every queue event.
const (
	KindQueueUpdated       = "queue.updated"
	KindQueueStatusChanged = "queue.status_changed"
	KindSentConfirmed      = "sent.confirmed"
	KindSentFailed         = "sent.failed"
	KindSkipUpdated        = "skip.updated"
	KindContactsPageLoaded = "contacts.page_loaded"
)

// Event represents a domain event published on the bus. ID is assigned on
// publish when empty.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
