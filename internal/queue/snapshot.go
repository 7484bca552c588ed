package queue

import (
	"time"

	"github.com/relayfield/outreach/internal/contacts"
	"github.com/relayfield/outreach/internal/crm"
	"github.com/relayfield/outreach/internal/idstatus"
	"github.com/relayfield/outreach/internal/store"
)

// ContactView is one actionable contact row. IDStatus is nil when the
// backend has no identification summary for the contact — "unknown", which
// callers must not conflate with zero completion. RetryPending marks a
// contact whose mark-sent acknowledgement failed; it is surfaced at the head
// of its message's list to prompt resolution.
type ContactView struct {
	ID           string           `json:"id"`
	FirstName    string           `json:"first_name"`
	LastName     string           `json:"last_name"`
	Phone        string           `json:"phone"`
	City         string           `json:"city,omitempty"`
	Zip          string           `json:"zip,omitempty"`
	IDStatus     *idstatus.Status `json:"id_status,omitempty"`
	RetryPending bool             `json:"retry_pending,omitempty"`
}

// MessageView is one message template with its reconciled contact list and
// display counters.
type MessageView struct {
	MessageID string        `json:"message_id"`
	Name      string        `json:"name"`
	Body      string        `json:"body"`
	SentCount int           `json:"sent_count"`
	Contacts  []ContactView `json:"contacts"`
}

// Snapshot is the immutable reconciled view handed to callers. Mutations
// produce a new snapshot; an installed snapshot is never modified.
type Snapshot struct {
	Messages      []MessageView `json:"messages"`
	Browse        []ContactView `json:"browse"`
	BrowseHasMore bool          `json:"browse_has_more"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

// sentLookup indexes the mutation log by (message, contact) pair.
type sentLookup map[[2]string]store.SentRecord

func indexSent(records []store.SentRecord) sentLookup {
	idx := make(sentLookup, len(records))
	for _, r := range records {
		idx[[2]string{r.MessageID, r.ContactID}] = r
	}
	return idx
}

// buildSnapshot merges the independently fetched streams plus the local
// mutation history into one consistent view. Per message:
//   - contacts in the skip set are dropped;
//   - contacts with a PENDING or CONFIRMED sent record are dropped (the
//     action is done, locally or remotely);
//   - contacts with a FAILED record come first, flagged RetryPending;
//   - everything else keeps the backend's order, first occurrence winning
//     on duplicate canonical identifiers;
//   - the display count is the server count plus local records the server
//     cannot have reflected yet: PENDING, FAILED, and records confirmed
//     after this snapshot's fetch.
//
// The browse list is the skip-filtered paginated collection; sent records
// are per-message and do not affect it.
func buildSnapshot(
	templates []crm.MessageTemplate,
	browse []crm.ContactRef,
	skipSet map[string]struct{},
	records []store.SentRecord,
	idIdx map[string]idstatus.Status,
	fetchedAt time.Time,
	matchedCap int,
	browseHasMore bool,
) *Snapshot {
	sent := indexSent(records)
	fetchedMs := fetchedAt.UnixMilli()

	snap := &Snapshot{
		Messages:      make([]MessageView, 0, len(templates)),
		FetchedAt:     fetchedAt,
		BrowseHasMore: browseHasMore,
	}

	for _, tpl := range templates {
		view := MessageView{
			MessageID: tpl.MessageID,
			Name:      tpl.Name,
			Body:      tpl.Body,
			SentCount: tpl.SentCount + localSentDelta(records, tpl.MessageID, fetchedMs),
		}

		var retry, active []ContactView
		for _, c := range contacts.DedupCap(tpl.MatchedContacts, matchedCap) {
			if _, skipped := skipSet[c.ID]; skipped {
				continue
			}
			cv := contactView(c, idIdx)
			if rec, ok := sent[[2]string{tpl.MessageID, c.ID}]; ok {
				if rec.SyncState == store.SyncFailed {
					cv.RetryPending = true
					retry = append(retry, cv)
				}
				// PENDING and CONFIRMED stay hidden: the optimistic
				// removal is never rolled back.
				continue
			}
			active = append(active, cv)
		}
		view.Contacts = append(retry, active...)
		snap.Messages = append(snap.Messages, view)
	}

	for _, c := range browse {
		if _, skipped := skipSet[c.ID]; skipped {
			continue
		}
		snap.Browse = append(snap.Browse, contactView(c, idIdx))
	}

	return snap
}

// localSentDelta counts records for a message the server's count cannot
// include yet. A CONFIRMED record is considered reflected once a template
// fetch completes after its confirmation.
func localSentDelta(records []store.SentRecord, messageID string, fetchedMs int64) int {
	n := 0
	for _, r := range records {
		if r.MessageID != messageID {
			continue
		}
		switch r.SyncState {
		case store.SyncPending, store.SyncFailed:
			n++
		case store.SyncConfirmed:
			if r.ConfirmedAt > fetchedMs {
				n++
			}
		}
	}
	return n
}

func contactView(c crm.ContactRef, idIdx map[string]idstatus.Status) ContactView {
	cv := ContactView{
		ID:        c.ID,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.Phone,
		City:      c.City,
		Zip:       c.Zip,
	}
	if s, ok := idIdx[c.ID]; ok {
		status := s
		cv.IDStatus = &status
	}
	return cv
}
