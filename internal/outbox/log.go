package outbox

import (
	"sort"
	"sync"
	"time"

	"github.com/relayfield/outreach/internal/store"
	"go.uber.org/zap"
)

// Log is the optimistic mutation log for "mark sent" actions. A record is
// created synchronously in memory BEFORE any network call, so the caller's
// view reflects the action immediately, then persisted so it survives a
// restart. The remote acknowledgement happens later (Confirmer); a remote
// failure flips the record to FAILED but never removes it — locally, the
// send happened.
type Log struct {
	db     *store.DB
	logger *zap.Logger

	mu      sync.RWMutex
	records map[pairKey]store.SentRecord
	counts  map[string]int // messageID -> locally recorded sends
}

type pairKey struct {
	messageID string
	contactID string
}

// NewLog creates a mutation log. db may be nil in tests; records are then
// memory-only.
func NewLog(db *store.DB, logger *zap.Logger) *Log {
	return &Log{
		db:      db,
		logger:  logger,
		records: make(map[pairKey]store.SentRecord),
		counts:  make(map[string]int),
	}
}

// Rehydrate fills the log from the store at engine start.
func (l *Log) Rehydrate() error {
	if l.db == nil {
		return nil
	}
	records, err := l.db.ListSentRecords()
	if err != nil {
		return err
	}
	counts, err := l.db.SentCounts()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[pairKey]store.SentRecord, len(records))
	for _, r := range records {
		l.records[pairKey{r.MessageID, r.ContactID}] = r
	}
	l.counts = counts
	return nil
}

// Record creates the PENDING record for a (message, contact) pair. If one
// already exists it is returned unchanged with created=false: marking the
// same pair sent twice is a no-op. The error, when non-nil, is a
// StorageError — the in-memory record still stands and is returned; only
// durability is in doubt.
func (l *Log) Record(messageID, contactID string) (store.SentRecord, bool, error) {
	l.mu.Lock()
	key := pairKey{messageID, contactID}
	if existing, ok := l.records[key]; ok {
		l.mu.Unlock()
		return existing, false, nil
	}

	rec := store.SentRecord{
		MessageID: messageID,
		ContactID: contactID,
		SyncState: store.SyncPending,
		SentAt:    time.Now().UnixMilli(),
	}
	l.records[key] = rec
	l.counts[messageID]++
	count := l.counts[messageID]
	l.mu.Unlock()

	err := l.persist(rec, messageID, count)
	return rec, true, err
}

// MarkConfirmed flips a record to CONFIRMED with the acknowledgement time.
func (l *Log) MarkConfirmed(messageID, contactID string) error {
	return l.transition(messageID, contactID, func(r *store.SentRecord) {
		r.SyncState = store.SyncConfirmed
		r.ConfirmedAt = time.Now().UnixMilli()
		r.LastError = ""
	})
}

// MarkFailed flips a record to FAILED, keeping it for retry. The optimistic
// state is never rolled back.
func (l *Log) MarkFailed(messageID, contactID, errMsg string) error {
	return l.transition(messageID, contactID, func(r *store.SentRecord) {
		r.SyncState = store.SyncFailed
		r.LastError = errMsg
	})
}

// Get returns the record for a pair, if any.
func (l *Log) Get(messageID, contactID string) (store.SentRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[pairKey{messageID, contactID}]
	return r, ok
}

// Records returns a copy of every record, oldest first.
func (l *Log) Records() []store.SentRecord {
	l.mu.RLock()
	out := make([]store.SentRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt != out[j].SentAt {
			return out[i].SentAt < out[j].SentAt
		}
		return out[i].ContactID < out[j].ContactID
	})
	return out
}

// Unconfirmed returns records still awaiting backend acknowledgement
// (PENDING or FAILED), oldest first.
func (l *Log) Unconfirmed() []store.SentRecord {
	all := l.Records()
	out := all[:0]
	for _, r := range all {
		if r.SyncState != store.SyncConfirmed {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns a copy of the locally recorded per-message send counters.
func (l *Log) Counts() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

func (l *Log) transition(messageID, contactID string, mutate func(*store.SentRecord)) error {
	l.mu.Lock()
	key := pairKey{messageID, contactID}
	rec, ok := l.records[key]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	mutate(&rec)
	l.records[key] = rec
	count := l.counts[messageID]
	l.mu.Unlock()

	return l.persist(rec, messageID, count)
}

// persist writes the record and counter through to the store. A failure is
// logged as a warning — the in-memory state applies for this session, but
// the action may not survive a restart.
func (l *Log) persist(rec store.SentRecord, messageID string, count int) error {
	if l.db == nil {
		return nil
	}
	if err := l.db.UpsertSentRecord(&rec); err != nil {
		l.warnStorage(err)
		return err
	}
	if err := l.db.SetSentCount(messageID, count); err != nil {
		l.warnStorage(err)
		return err
	}
	return nil
}

func (l *Log) warnStorage(err error) {
	if l.logger != nil {
		l.logger.Warn("sent log write failed; action may not survive restart", zap.Error(err))
	}
}
