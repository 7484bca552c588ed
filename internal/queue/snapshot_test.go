package queue

import (
	"testing"
	"time"

	"github.com/relayfield/outreach/internal/crm"
	"github.com/relayfield/outreach/internal/idstatus"
	"github.com/relayfield/outreach/internal/store"
)

func TestBuildSnapshotHidesPendingAndConfirmed(t *testing.T) {
	templates := []crm.MessageTemplate{{
		MessageID: "m1", SentCount: 5,
		MatchedContacts: []crm.ContactRef{
			{ID: "a"}, {ID: "b"}, {ID: "c"},
		},
	}}
	records := []store.SentRecord{
		{MessageID: "m1", ContactID: "a", SyncState: store.SyncPending, SentAt: 1},
		{MessageID: "m1", ContactID: "b", SyncState: store.SyncConfirmed, SentAt: 2, ConfirmedAt: 2},
	}

	snap := buildSnapshot(templates, nil, nil, records, nil, time.Now(), 0, false)
	got := contactIDs(snap.Messages[0].Contacts)
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("contacts = %v, want only c", got)
	}
}

func TestBuildSnapshotSentCountDelta(t *testing.T) {
	fetchedAt := time.Now()
	ms := fetchedAt.UnixMilli()
	templates := []crm.MessageTemplate{{MessageID: "m1", SentCount: 5}}
	records := []store.SentRecord{
		{MessageID: "m1", ContactID: "a", SyncState: store.SyncPending},
		{MessageID: "m1", ContactID: "b", SyncState: store.SyncFailed},
		// Confirmed before this fetch: the server count includes it.
		{MessageID: "m1", ContactID: "c", SyncState: store.SyncConfirmed, ConfirmedAt: ms - 1000},
		// Confirmed after: the server count cannot include it yet.
		{MessageID: "m1", ContactID: "d", SyncState: store.SyncConfirmed, ConfirmedAt: ms + 1000},
		// Other message's records never count here.
		{MessageID: "m2", ContactID: "a", SyncState: store.SyncPending},
	}

	snap := buildSnapshot(templates, nil, nil, records, nil, fetchedAt, 0, false)
	if got := snap.Messages[0].SentCount; got != 8 {
		t.Fatalf("sent count = %d, want 5 + pending + failed + late-confirmed = 8", got)
	}
}

func TestBuildSnapshotDedupsAndCapsMatchedContacts(t *testing.T) {
	templates := []crm.MessageTemplate{{
		MessageID: "m1",
		MatchedContacts: []crm.ContactRef{
			{ID: "a", FirstName: "First"},
			{ID: "a", FirstName: "Dup"},
			{ID: "b"},
			{ID: "c"},
		},
	}}

	snap := buildSnapshot(templates, nil, nil, nil, nil, time.Now(), 2, false)
	got := snap.Messages[0].Contacts
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("contacts = %v, want capped [a b]", contactIDs(got))
	}
	if got[0].FirstName != "First" {
		t.Fatal("duplicate should not replace the first occurrence")
	}
}

func TestBuildSnapshotBrowseFilteringAndStatus(t *testing.T) {
	browse := []crm.ContactRef{{ID: "a"}, {ID: "b"}}
	skipSet := map[string]struct{}{"a": {}}
	idIdx := map[string]idstatus.Status{
		"b": {ContactID: "b", TotalQuestions: 3, AnsweredQuestions: 1},
	}

	snap := buildSnapshot(nil, browse, skipSet, nil, idIdx, time.Now(), 0, true)
	if len(snap.Browse) != 1 || snap.Browse[0].ID != "b" {
		t.Fatalf("browse = %v, want skipped a removed", contactIDs(snap.Browse))
	}
	if snap.Browse[0].IDStatus == nil || snap.Browse[0].IDStatus.AnsweredQuestions != 1 {
		t.Fatal("identification status not attached")
	}
	if !snap.BrowseHasMore {
		t.Fatal("BrowseHasMore not carried through")
	}
}
