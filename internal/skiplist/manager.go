package skiplist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relayfield/outreach/internal/crm"
	"github.com/relayfield/outreach/internal/store"
	"go.uber.org/zap"
)

// Remote is the backend skip-list surface the manager drives.
type Remote interface {
	ListSkippedContacts(ctx context.Context) ([]crm.SkipEntry, error)
	Skip(ctx context.Context, contactID string) error
	Unskip(ctx context.Context, contactID string) error
}

// Manager tracks permanently excluded contact identifiers. The remote list
// is the source of truth; the in-memory set is a cache of it, mirrored to
// the store so a restart without connectivity still hides skipped contacts.
//
// Skip and Unskip call the remote endpoint FIRST and mutate the cache only
// on success. A failed call leaves local state untouched: diverging from the
// server's skip state would let a refresh resurrect a contact the server
// still considers skipped, or vice versa.
type Manager struct {
	remote Remote
	db     *store.DB
	logger *zap.Logger

	mu  sync.RWMutex
	ids map[string]int64 // contactID -> skippedAt (unix ms)
}

// NewManager creates a skip-list manager. db may be nil in tests; cache
// mirroring is then skipped.
func NewManager(remote Remote, db *store.DB, logger *zap.Logger) *Manager {
	return &Manager{
		remote: remote,
		db:     db,
		logger: logger,
		ids:    make(map[string]int64),
	}
}

// Rehydrate fills the cache from the store without touching the network.
func (m *Manager) Rehydrate() error {
	if m.db == nil {
		return nil
	}
	records, err := m.db.ListSkips()
	if err != nil {
		return fmt.Errorf("rehydrate skip cache: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = make(map[string]int64, len(records))
	for _, r := range records {
		m.ids[r.ContactID] = r.SkippedAt
	}
	return nil
}

// Load replaces the cache from the remote list and mirrors it to the store.
func (m *Manager) Load(ctx context.Context) error {
	entries, err := m.remote.ListSkippedContacts(ctx)
	if err != nil {
		return err
	}

	ids := make(map[string]int64, len(entries))
	records := make([]store.SkipRecord, 0, len(entries))
	for _, e := range entries {
		ids[e.ContactID] = e.SkippedAt
		records = append(records, store.SkipRecord{ContactID: e.ContactID, SkippedAt: e.SkippedAt})
	}

	m.mu.Lock()
	m.ids = ids
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.ReplaceSkipList(records); err != nil {
			m.warnStorage(err)
		}
	}
	return nil
}

// Skip excludes a contact. Skipping an already-skipped id is a successful
// no-op with no remote call.
func (m *Manager) Skip(ctx context.Context, contactID string) error {
	if m.Contains(contactID) {
		return nil
	}
	if err := m.remote.Skip(ctx, contactID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	m.mu.Lock()
	m.ids[contactID] = now
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.AddSkip(store.SkipRecord{ContactID: contactID, SkippedAt: now}); err != nil {
			m.warnStorage(err)
		}
	}
	return nil
}

// Unskip re-activates a contact. Unskipping an id not in the set is a
// successful no-op.
func (m *Manager) Unskip(ctx context.Context, contactID string) error {
	if !m.Contains(contactID) {
		return nil
	}
	if err := m.remote.Unskip(ctx, contactID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.ids, contactID)
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.RemoveSkip(contactID); err != nil {
			m.warnStorage(err)
		}
	}
	return nil
}

// Contains reports whether a contact is skipped.
func (m *Manager) Contains(contactID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[contactID]
	return ok
}

// Set returns a copy of the skip set for snapshot building.
func (m *Manager) Set() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.ids))
	for id := range m.ids {
		out[id] = struct{}{}
	}
	return out
}

func (m *Manager) warnStorage(err error) {
	if m.logger != nil {
		m.logger.Warn("skip cache write failed; exclusion may not survive restart", zap.Error(err))
	}
}
