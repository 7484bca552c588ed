package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayfield/outreach/internal/bus"
	"github.com/relayfield/outreach/internal/contacts"
	"github.com/relayfield/outreach/internal/crm"
	"github.com/relayfield/outreach/internal/idstatus"
	"github.com/relayfield/outreach/internal/outbox"
	"github.com/relayfield/outreach/internal/skiplist"
	"github.com/relayfield/outreach/internal/status"
	"github.com/relayfield/outreach/internal/vars"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu        sync.Mutex
	templates []crm.MessageTemplate
	statuses  []idstatus.Status
	fail      bool
	gate      chan struct{} // when set, the next ListMessages blocks on it
}

func (f *fakeBackend) ListMessages(ctx context.Context) ([]crm.MessageTemplate, error) {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	fail := f.fail
	tpls := append([]crm.MessageTemplate(nil), f.templates...)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("backend down")
	}
	return tpls, nil
}

func (f *fakeBackend) ListIdentificationStatuses(ctx context.Context) ([]idstatus.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("backend down")
	}
	return append([]idstatus.Status(nil), f.statuses...), nil
}

func (f *fakeBackend) setTemplates(tpls []crm.MessageTemplate) {
	f.mu.Lock()
	f.templates = tpls
	f.mu.Unlock()
}

func (f *fakeBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type fakeSkipRemote struct {
	mu      sync.Mutex
	entries []crm.SkipEntry
	failMut bool
	skips   []string
	unskips []string
}

func (f *fakeSkipRemote) ListSkippedContacts(ctx context.Context) ([]crm.SkipEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crm.SkipEntry(nil), f.entries...), nil
}

func (f *fakeSkipRemote) Skip(ctx context.Context, contactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMut {
		return errors.New("skip endpoint down")
	}
	f.skips = append(f.skips, contactID)
	f.entries = append(f.entries, crm.SkipEntry{ContactID: contactID, SkippedAt: time.Now().UnixMilli()})
	return nil
}

func (f *fakeSkipRemote) Unskip(ctx context.Context, contactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMut {
		return errors.New("skip endpoint down")
	}
	f.unskips = append(f.unskips, contactID)
	out := f.entries[:0]
	for _, e := range f.entries {
		if e.ContactID != contactID {
			out = append(out, e)
		}
	}
	f.entries = out
	return nil
}

type fixture struct {
	engine     *Engine
	backend    *fakeBackend
	remote     *fakeSkipRemote
	log        *outbox.Log
	pages      *[][]crm.ContactRef
	browseFail atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend := &fakeBackend{
		templates: []crm.MessageTemplate{
			{
				MessageID: "m1", Name: "canvass", Body: "Hi %ContactFirst%, I'm %UserFirst%",
				SentCount: 10,
				MatchedContacts: []crm.ContactRef{
					{ID: "c1", FirstName: "Lee", LastName: "Park", Phone: "+15551230001"},
					{ID: "c2", FirstName: "Ana", LastName: "Ruiz", Phone: "+15551230002"},
					{ID: "c3", FirstName: "Joe", LastName: "Wu", Phone: "+15551230003"},
				},
			},
			{
				MessageID: "m2", Name: "followup", Body: "Hello %ContactFirst%",
				SentCount: 3,
				MatchedContacts: []crm.ContactRef{
					{ID: "c2", FirstName: "Ana", LastName: "Ruiz", Phone: "+15551230002"},
				},
			},
		},
		statuses: []idstatus.Status{
			{ContactID: "c1", TotalQuestions: 4, AnsweredQuestions: 4},
		},
	}

	pages := [][]crm.ContactRef{
		{
			{ID: "c1", FirstName: "Lee", LastName: "Park", Phone: "+15551230001"},
			{ID: "c4", FirstName: "Kim", LastName: "Oh", Phone: "+15551230004"},
		},
		{
			{ID: "c5", FirstName: "Max", LastName: "Lim", Phone: "+15551230005"},
		},
	}
	fx := &fixture{backend: backend, pages: &pages}

	fetch := func(ctx context.Context, skip, limit int) ([]crm.ContactRef, error) {
		if fx.browseFail.Load() {
			return nil, errors.New("contacts endpoint down")
		}
		idx := skip / 2
		if idx >= len(*fx.pages) {
			return nil, nil
		}
		return (*fx.pages)[idx], nil
	}

	fx.remote = &fakeSkipRemote{}
	fx.log = outbox.NewLog(nil, zap.NewNop())
	skips := skiplist.NewManager(fx.remote, nil, zap.NewNop())
	browse := contacts.NewLoader(fetch, 2, 0)

	fx.engine = NewEngine(backend, skips, fx.log, nil, browse, bus.New(), zap.NewNop(), Params{
		Sender: vars.Person{FirstName: "Sam", LastName: "Field", City: "Austin"},
	})
	return fx
}

func messageView(t *testing.T, snap *Snapshot, messageID string) MessageView {
	t.Helper()
	for _, m := range snap.Messages {
		if m.MessageID == messageID {
			return m
		}
	}
	t.Fatalf("message %s not in snapshot", messageID)
	return MessageView{}
}

func contactIDs(contacts []ContactView) []string {
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.ID)
	}
	return out
}

func TestLoadBuildsSnapshot(t *testing.T) {
	fx := newFixture(t)

	if got := fx.engine.State(); got != status.Empty {
		t.Fatalf("state before load = %s, want EMPTY", got)
	}
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := fx.engine.State(); got != status.Ready {
		t.Fatalf("state after load = %s, want READY", got)
	}

	snap := fx.engine.Snapshot()
	if snap == nil {
		t.Fatal("snapshot is nil after successful load")
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(snap.Messages))
	}
	m1 := messageView(t, snap, "m1")
	if got := contactIDs(m1.Contacts); len(got) != 3 {
		t.Fatalf("m1 contacts = %v, want 3 entries", got)
	}
	if m1.SentCount != 10 {
		t.Fatalf("m1 sent count = %d, want server value 10", m1.SentCount)
	}

	// First browse page only; more available.
	if got := contactIDs(snap.Browse); len(got) != 2 {
		t.Fatalf("browse = %v, want first page", got)
	}
	if !snap.BrowseHasMore {
		t.Fatal("BrowseHasMore = false after a full first page")
	}

	// Identification status rides along where known, stays nil where not.
	if snap.Browse[0].ID != "c1" || snap.Browse[0].IDStatus == nil {
		t.Fatalf("c1 should carry its identification status")
	}
	if snap.Browse[1].IDStatus != nil {
		t.Fatalf("c4 has no status upstream yet got %+v", snap.Browse[1].IDStatus)
	}
}

func TestSkippedContactExcludedEverywhere(t *testing.T) {
	fx := newFixture(t)
	fx.remote.entries = []crm.SkipEntry{{ContactID: "c1", SkippedAt: 1}}

	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snap := fx.engine.Snapshot()
	m1 := messageView(t, snap, "m1")
	for _, c := range m1.Contacts {
		if c.ID == "c1" {
			t.Fatal("skipped contact c1 present in message list")
		}
	}
	for _, c := range snap.Browse {
		if c.ID == "c1" {
			t.Fatal("skipped contact c1 present in browse list")
		}
	}
	if len(m1.Contacts) != 2 {
		t.Fatalf("m1 kept %d contacts, want the 2 unskipped ones", len(m1.Contacts))
	}
}

// Skipping a contact matched to several messages removes it from all of
// them in a single rebuild.
func TestSkipRemovesFromEveryMessage(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := fx.engine.Skip(context.Background(), "c2"); err != nil {
		t.Fatalf("Skip: %v", err)
	}

	snap := fx.engine.Snapshot()
	for _, m := range snap.Messages {
		for _, c := range m.Contacts {
			if c.ID == "c2" {
				t.Fatalf("c2 still listed under message %s", m.MessageID)
			}
		}
	}
	if len(fx.remote.skips) != 1 || fx.remote.skips[0] != "c2" {
		t.Fatalf("remote skips = %v, want [c2]", fx.remote.skips)
	}
}

func TestSkipRemoteFailureLeavesStateUntouched(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := fx.engine.Snapshot()

	fx.remote.failMut = true
	if err := fx.engine.Skip(context.Background(), "c2"); err == nil {
		t.Fatal("Skip should surface the remote error")
	}

	after := fx.engine.Snapshot()
	m1 := messageView(t, after, "m1")
	found := false
	for _, c := range m1.Contacts {
		if c.ID == "c2" {
			found = true
		}
	}
	if !found {
		t.Fatal("c2 vanished locally although the remote skip failed")
	}
	if len(messageView(t, before, "m1").Contacts) != len(m1.Contacts) {
		t.Fatal("snapshot changed on a failed skip")
	}
}

func TestMarkSentHidesContactAndBumpsCount(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := fx.engine.MarkSent("m1", "c1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	m1 := messageView(t, fx.engine.Snapshot(), "m1")
	if got := contactIDs(m1.Contacts); len(got) != 2 {
		t.Fatalf("m1 contacts after mark sent = %v, want c2 c3", got)
	}
	if m1.SentCount != 11 {
		t.Fatalf("sent count = %d, want server 10 + local 1", m1.SentCount)
	}

	// Same contact under another message is unaffected.
	m2 := messageView(t, fx.engine.Snapshot(), "m2")
	if len(m2.Contacts) != 1 || m2.Contacts[0].ID != "c2" {
		t.Fatalf("m2 contacts = %v, want untouched [c2]", contactIDs(m2.Contacts))
	}
}

func TestMarkSentIdempotent(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	first, err := fx.engine.MarkSent("m1", "c1")
	if err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	second, err := fx.engine.MarkSent("m1", "c1")
	if err != nil {
		t.Fatalf("second MarkSent: %v", err)
	}
	if second.SentAt != first.SentAt {
		t.Fatal("repeat MarkSent replaced the original record")
	}

	m1 := messageView(t, fx.engine.Snapshot(), "m1")
	if m1.SentCount != 11 {
		t.Fatalf("sent count = %d after double mark, want 11", m1.SentCount)
	}
}

// Regression: a refresh that still returns an already-actioned contact must
// not resurrect it, and the local count survives the refresh.
func TestRefreshDoesNotResurrectMarkedContact(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := fx.engine.MarkSent("m1", "c1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	if err := fx.engine.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	m1 := messageView(t, fx.engine.Snapshot(), "m1")
	for _, c := range m1.Contacts {
		if c.ID == "c1" {
			t.Fatal("refresh resurrected a contact marked sent")
		}
	}
	if m1.SentCount != 11 {
		t.Fatalf("sent count after refresh = %d, want 11", m1.SentCount)
	}
}

func TestFailedRecordsSurfaceFirstWithRetryFlag(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := fx.engine.MarkSent("m1", "c2"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := fx.log.MarkFailed("m1", "c2", "timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	fx.engine.Rebuild()

	m1 := messageView(t, fx.engine.Snapshot(), "m1")
	if got := contactIDs(m1.Contacts); len(got) != 3 || got[0] != "c2" {
		t.Fatalf("contacts = %v, want c2 first", got)
	}
	if !m1.Contacts[0].RetryPending {
		t.Fatal("failed record's contact not flagged RetryPending")
	}
	if m1.Contacts[1].RetryPending || m1.Contacts[2].RetryPending {
		t.Fatal("untouched contacts flagged RetryPending")
	}
	if m1.SentCount != 11 {
		t.Fatalf("sent count = %d, FAILED still counts locally", m1.SentCount)
	}
}

func TestRefreshFailureKeepsLastGoodSnapshot(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := fx.engine.Snapshot()

	fx.backend.setFail(true)
	if err := fx.engine.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh should report the fetch error")
	}
	if got := fx.engine.State(); got != status.Ready {
		t.Fatalf("state = %s after failed refresh with a snapshot, want READY", got)
	}
	if fx.engine.Snapshot() != before {
		t.Fatal("failed refresh replaced the last good snapshot")
	}
}

// Regression: a refresh used to rewind the browse loader before fetching,
// so a failed refresh left it empty and the next mutation-triggered rebuild
// published a snapshot with no browse contacts.
func TestFailedRefreshKeepsBrowseAcrossRebuilds(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(fx.engine.Snapshot().Browse); got != 2 {
		t.Fatalf("browse before refresh = %d, want 2", got)
	}

	fx.browseFail.Store(true)
	if err := fx.engine.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh should report the browse fetch error")
	}

	if _, err := fx.engine.MarkSent("m1", "c1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if got := len(fx.engine.Snapshot().Browse); got != 2 {
		t.Fatalf("browse after mark-sent following failed refresh = %d, want 2", got)
	}

	if err := fx.engine.Skip(context.Background(), "c2"); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	// c2 is absent from the browse pages, so only the skip filter changed.
	if got := len(fx.engine.Snapshot().Browse); got != 2 {
		t.Fatalf("browse after skip following failed refresh = %d, want 2", got)
	}

	// The surviving loader's cursor stays usable for the next attempt.
	fx.browseFail.Store(false)
	if err := fx.engine.LoadMoreContacts(context.Background()); err != nil {
		t.Fatalf("LoadMoreContacts: %v", err)
	}
	if got := len(fx.engine.Snapshot().Browse); got != 3 {
		t.Fatalf("browse after retry = %d, want 3", got)
	}
}

func TestInitialLoadFailureEntersError(t *testing.T) {
	fx := newFixture(t)
	fx.backend.setFail(true)

	if err := fx.engine.Load(context.Background()); err == nil {
		t.Fatal("Load should fail")
	}
	if got := fx.engine.State(); got != status.Error {
		t.Fatalf("state = %s, want ERROR when no snapshot exists", got)
	}
	if fx.engine.Snapshot() != nil {
		t.Fatal("snapshot should be nil after a failed initial load")
	}

	// Recovery path: the next load succeeds and leaves ERROR behind.
	fx.backend.setFail(false)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("recovery Load: %v", err)
	}
	if got := fx.engine.State(); got != status.Ready {
		t.Fatalf("state = %s after recovery, want READY", got)
	}
}

// A load that is overtaken by a newer one must not install its result over
// the newer snapshot.
func TestSupersededLoadDiscarded(t *testing.T) {
	fx := newFixture(t)
	gate := make(chan struct{})
	fx.backend.mu.Lock()
	fx.backend.gate = gate
	fx.backend.mu.Unlock()

	var slowErr atomic.Value
	done := make(chan struct{})
	go func() {
		if err := fx.engine.Load(context.Background()); err != nil {
			slowErr.Store(err)
		}
		close(done)
	}()

	// Let the slow load reach its fetch, then change the data and run a
	// second load to completion.
	time.Sleep(10 * time.Millisecond)
	fx.backend.setTemplates([]crm.MessageTemplate{
		{MessageID: "m9", Name: "fresh", Body: "x", SentCount: 0},
	})
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	close(gate)
	<-done
	if v := slowErr.Load(); v != nil {
		t.Fatalf("superseded load returned error: %v", v)
	}

	snap := fx.engine.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].MessageID != "m9" {
		t.Fatalf("snapshot reflects the stale load: %v", snap.Messages)
	}
	if got := fx.engine.State(); got != status.Ready {
		t.Fatalf("state = %s, want READY", got)
	}

	// The superseded load must not clobber the newer load's browse
	// accumulation either; rebuilds keep seeing it.
	fx.engine.Rebuild()
	if got := len(fx.engine.Snapshot().Browse); got != 2 {
		t.Fatalf("browse after superseded load = %d, want the newer load's 2", got)
	}
}

func TestLoadMoreContactsExtendsBrowse(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := fx.engine.LoadMoreContacts(context.Background()); err != nil {
		t.Fatalf("LoadMoreContacts: %v", err)
	}

	snap := fx.engine.Snapshot()
	if got := contactIDs(snap.Browse); len(got) != 3 {
		t.Fatalf("browse = %v, want both pages accumulated", got)
	}
	if snap.BrowseHasMore {
		t.Fatal("BrowseHasMore = true after the short final page")
	}
}

func TestRenderBody(t *testing.T) {
	fx := newFixture(t)
	if err := fx.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	body, err := fx.engine.RenderBody("m1", "c1")
	if err != nil {
		t.Fatalf("RenderBody: %v", err)
	}
	if want := "Hi Lee, I'm Sam"; body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}

	if _, err := fx.engine.RenderBody("m1", "nope"); err == nil {
		t.Fatal("unknown contact should error")
	}
	if _, err := fx.engine.RenderBody("nope", "c1"); err == nil {
		t.Fatal("unknown message should error")
	}
}
