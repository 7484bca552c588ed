package crm

// ContactRef is the canonical contact shape used everywhere past the
// collaborator boundary. ID is the canonical identifier resolved from the
// backend's varying key fields; Phone is the first usable number found by
// the ordered field probe.
type ContactRef struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	City      string
	Zip       string
}

// MessageTemplate is a backend-owned message with its matched contacts.
// SentCount is the server's count at fetch time; the engine layers local
// records on top for display.
type MessageTemplate struct {
	MessageID       string
	Name            string
	Body            string
	SentCount       int
	MatchedContacts []ContactRef
}

// SkipEntry is one remote skip-list record.
type SkipEntry struct {
	ContactID string
	SkippedAt int64
}
