package contacts

import (
	"context"
	"sync"

	"github.com/relayfield/outreach/internal/crm"
)

// FetchPage fetches one page of contacts at the given cursor position.
type FetchPage func(ctx context.Context, skip, limit int) ([]crm.ContactRef, error)

// Loader accumulates a contact collection across cursor-paginated fetches.
// The accumulated set is de-duplicated by canonical identifier over ALL
// loaded pages: the remote list can shift between fetches, so a contact
// already present on an earlier page is dropped, never double-appended.
// Concurrent LoadPage calls for the same cursor are coalesced onto the
// in-flight fetch.
type Loader struct {
	fetch    FetchPage
	pageSize int
	max      int

	mu       sync.Mutex
	items    []crm.ContactRef
	seen     map[string]struct{}
	offset   int
	hasMore  bool
	inflight *inflightFetch
}

type inflightFetch struct {
	done chan struct{}
	err  error
}

// NewLoader creates a loader. max caps the accumulated set per user; zero
// means uncapped.
func NewLoader(fetch FetchPage, pageSize, max int) *Loader {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Loader{
		fetch:    fetch,
		pageSize: pageSize,
		max:      max,
		seen:     make(map[string]struct{}),
		hasMore:  true,
	}
}

// LoadPage fetches the next page and returns the full accumulated set. A
// call racing an in-flight fetch for the same cursor joins that fetch
// instead of issuing a second one. A fetch failure leaves the cursor and
// hasMore untouched so the caller can retry.
func (l *Loader) LoadPage(ctx context.Context) ([]crm.ContactRef, error) {
	l.mu.Lock()
	if !l.hasMore {
		items := l.snapshotLocked()
		l.mu.Unlock()
		return items, nil
	}
	if call := l.inflight; call != nil {
		l.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.mu.Lock()
		items := l.snapshotLocked()
		l.mu.Unlock()
		return items, call.err
	}

	call := &inflightFetch{done: make(chan struct{})}
	l.inflight = call
	offset := l.offset
	l.mu.Unlock()

	page, err := l.fetch(ctx, offset, l.pageSize)

	l.mu.Lock()
	l.inflight = nil
	if err != nil {
		call.err = err
		l.mu.Unlock()
		close(call.done)
		return nil, err
	}

	// Advance the cursor by the raw page length; dedup only affects what we
	// keep, not where the server cursor is.
	l.offset += len(page)
	for _, c := range page {
		if _, dup := l.seen[c.ID]; dup {
			continue
		}
		if l.max > 0 && len(l.items) >= l.max {
			break
		}
		l.seen[c.ID] = struct{}{}
		l.items = append(l.items, c)
	}
	if len(page) < l.pageSize || (l.max > 0 && len(l.items) >= l.max) {
		l.hasMore = false
	}
	items := l.snapshotLocked()
	l.mu.Unlock()
	close(call.done)
	return items, nil
}

// Items returns a copy of the accumulated set.
func (l *Loader) Items() []crm.ContactRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// HasMore reports whether another page may exist.
func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// Fresh returns a new empty loader with the same fetch and limits. A
// refresh paginates into a fresh loader and swaps it in only after the
// first page lands, so the accumulated set survives a failed refresh.
func (l *Loader) Fresh() *Loader {
	return NewLoader(l.fetch, l.pageSize, l.max)
}

func (l *Loader) snapshotLocked() []crm.ContactRef {
	out := make([]crm.ContactRef, len(l.items))
	copy(out, l.items)
	return out
}

// DedupCap de-duplicates a contact list by canonical identifier (first
// occurrence wins) and truncates it to max entries (zero means uncapped).
// Used for the message-embedded matched-contact lists, which arrive whole
// rather than by cursor.
func DedupCap(contacts []crm.ContactRef, max int) []crm.ContactRef {
	seen := make(map[string]struct{}, len(contacts))
	var out []crm.ContactRef
	for _, c := range contacts {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		if max > 0 && len(out) >= max {
			break
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
