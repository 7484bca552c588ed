package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relayfield/outreach/internal/bus"
	"github.com/relayfield/outreach/internal/contacts"
	"github.com/relayfield/outreach/internal/crm"
	"github.com/relayfield/outreach/internal/idstatus"
	"github.com/relayfield/outreach/internal/outbox"
	"github.com/relayfield/outreach/internal/skiplist"
	"github.com/relayfield/outreach/internal/status"
	"github.com/relayfield/outreach/internal/store"
	"github.com/relayfield/outreach/internal/vars"
	"go.uber.org/zap"
)

// Backend is the slice of the collaborator surface the engine fans out to
// directly. The skip list and the browse pagination go through their own
// components.
type Backend interface {
	ListMessages(ctx context.Context) ([]crm.MessageTemplate, error)
	ListIdentificationStatuses(ctx context.Context) ([]idstatus.Status, error)
}

// Params configures an Engine.
type Params struct {
	// MatchedCap bounds each message's matched-contact list (client-side
	// cap; zero means uncapped).
	MatchedCap int
	// Sender is the signed-in volunteer, used for template substitution.
	Sender vars.Person
}

// Engine reconciles the remote entity streams (message templates, skip
// list, identification status, shared contacts) with the local mutation
// history into one immutable snapshot, and owns the mutation entry points.
//
// Mutations apply to the in-memory state synchronously, before any network
// round trip; the snapshot is rebuilt from the full mutation log on every
// change, so a refresh landing after a mark-sent re-applies the still-local
// records on top of the fresh server data instead of resurrecting an
// already-actioned contact.
type Engine struct {
	backend   Backend
	skips     *skiplist.Manager
	log       *outbox.Log
	confirmer *outbox.Confirmer
	browse    *contacts.Loader
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	params    Params

	mu         sync.Mutex
	generation uint64
	templates  []crm.MessageTemplate
	idIdx      map[string]idstatus.Status
	fetchedAt  time.Time
	snapshot   *Snapshot

	cancel context.CancelFunc
}

// NewEngine creates a reconciliation engine. confirmer may be nil; the
// caller is then responsible for driving confirmation passes.
func NewEngine(
	backend Backend,
	skips *skiplist.Manager,
	log *outbox.Log,
	confirmer *outbox.Confirmer,
	browse *contacts.Loader,
	b *bus.Bus,
	logger *zap.Logger,
	params Params,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		backend:   backend,
		skips:     skips,
		log:       log,
		confirmer: confirmer,
		browse:    browse,
		bus:       b,
		machine:   status.NewMachine(b),
		logger:    logger,
		params:    params,
	}
}

// Start subscribes to confirmation events so FAILED records surface in the
// snapshot as they happen.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("sent.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				e.Rebuild()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine's subscriptions.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// State returns the dataset lifecycle state.
func (e *Engine) State() status.State {
	return e.machine.Current()
}

// Snapshot returns the current reconciled view, or nil before the first
// successful load. The returned value is immutable.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Load fetches every remote stream and installs a fresh snapshot. While a
// prior snapshot exists it keeps serving during the fetch
// (stale-while-revalidate); the engine only lands in ERROR when a load
// fails with nothing to show. Each call bumps the generation counter; a
// load superseded by a newer one discards its result instead of clobbering
// shared state from a stale callback.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	// Paginate into a fresh loader and swap it in only on success; the
	// accumulated browse set keeps serving rebuilds while this load is in
	// flight or after it fails.
	browse := e.browse.Fresh()
	if e.machine.Current() != status.Loading {
		_ = e.machine.Transition(status.Loading)
	}
	e.mu.Unlock()

	templates, err := e.backend.ListMessages(ctx)
	if err != nil {
		return e.loadFailed(gen, fmt.Errorf("load messages: %w", err))
	}
	statuses, err := e.backend.ListIdentificationStatuses(ctx)
	if err != nil {
		return e.loadFailed(gen, fmt.Errorf("load identification status: %w", err))
	}
	if err := e.skips.Load(ctx); err != nil {
		return e.loadFailed(gen, fmt.Errorf("load skip list: %w", err))
	}
	if _, err := browse.LoadPage(ctx); err != nil {
		return e.loadFailed(gen, fmt.Errorf("load contacts page: %w", err))
	}

	e.mu.Lock()
	if gen != e.generation {
		// A newer load owns the state now; this one's loader is discarded
		// along with its templates.
		e.mu.Unlock()
		return nil
	}
	e.browse = browse
	e.templates = templates
	e.idIdx = idstatus.Index(statuses, e.logger)
	e.fetchedAt = time.Now()
	e.rebuildLocked()
	_ = e.machine.Transition(status.Ready)
	e.mu.Unlock()

	e.logger.Info("queue loaded",
		zap.Int("messages", len(templates)),
		zap.Int("statuses", len(statuses)))

	// Connectivity just proved itself; retry unconfirmed records now.
	if e.confirmer != nil {
		e.confirmer.Kick()
	}
	return nil
}

// Refresh re-runs Load. The prior snapshot keeps serving until the new one
// replaces it.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.Load(ctx)
}

func (e *Engine) loadFailed(gen uint64, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		// Superseded; the newer load reports its own outcome.
		return nil
	}
	if e.snapshot != nil {
		e.logger.Warn("refresh failed; keeping last good snapshot", zap.Error(err))
		_ = e.machine.Transition(status.Ready)
	} else {
		e.logger.Error("load failed with no prior snapshot", zap.Error(err))
		_ = e.machine.Transition(status.Error)
	}
	return err
}

// MarkSent records a send optimistically: the record is created and the
// snapshot rebuilt before the backend acknowledgement is even attempted.
// Calling it again for the same pair returns the existing record and
// changes nothing. The returned error, when non-nil, is a durability
// warning (the action applied in memory but may not survive a restart);
// it is never a rollback.
func (e *Engine) MarkSent(messageID, contactID string) (store.SentRecord, error) {
	rec, created, err := e.log.Record(messageID, contactID)
	if created {
		e.Rebuild()
		if e.confirmer != nil {
			e.confirmer.Kick()
		}
	}
	return rec, err
}

// Skip excludes a contact everywhere: remote call first, then, on success,
// the rebuild removes it from every message's list and the browse list in
// the same snapshot. On failure no local state changes; the error is for
// user notification.
func (e *Engine) Skip(ctx context.Context, contactID string) error {
	if err := e.skips.Skip(ctx, contactID); err != nil {
		return err
	}
	e.Rebuild()
	e.bus.Publish(bus.Event{Kind: bus.KindSkipUpdated, Payload: map[string]string{"contact_id": contactID, "action": "skip"}})
	return nil
}

// Unskip re-activates a contact, remote-first like Skip.
func (e *Engine) Unskip(ctx context.Context, contactID string) error {
	if err := e.skips.Unskip(ctx, contactID); err != nil {
		return err
	}
	e.Rebuild()
	e.bus.Publish(bus.Event{Kind: bus.KindSkipUpdated, Payload: map[string]string{"contact_id": contactID, "action": "unskip"}})
	return nil
}

// LoadMoreContacts advances the browse pagination. Concurrent calls for the
// same cursor coalesce in the loader; a fetch failure leaves the cursor
// retryable and the snapshot untouched.
func (e *Engine) LoadMoreContacts(ctx context.Context) error {
	e.mu.Lock()
	browse := e.browse
	e.mu.Unlock()
	if _, err := browse.LoadPage(ctx); err != nil {
		return err
	}
	e.Rebuild()
	e.bus.Publish(bus.Event{Kind: bus.KindContactsPageLoaded})
	return nil
}

// RenderBody substitutes template variables for a concrete recipient,
// producing the text handed off to the device messenger.
func (e *Engine) RenderBody(messageID, contactID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, tpl := range e.templates {
		if tpl.MessageID != messageID {
			continue
		}
		for _, c := range tpl.MatchedContacts {
			if c.ID != contactID {
				continue
			}
			recipient := vars.Person{
				FirstName: c.FirstName,
				LastName:  c.LastName,
				City:      c.City,
				Zip:       c.Zip,
			}
			return vars.Substitute(tpl.Body, e.params.Sender, recipient), nil
		}
		return "", fmt.Errorf("contact %q not matched to message %q", contactID, messageID)
	}
	return "", fmt.Errorf("unknown message %q", messageID)
}

// Rebuild recomputes the snapshot from current inputs and publishes
// queue.updated. Cheap enough to run on every mutation.
func (e *Engine) Rebuild() {
	e.mu.Lock()
	e.rebuildLocked()
	e.mu.Unlock()
}

func (e *Engine) rebuildLocked() {
	e.snapshot = buildSnapshot(
		e.templates,
		e.browse.Items(),
		e.skips.Set(),
		e.log.Records(),
		e.idIdx,
		e.fetchedAt,
		e.params.MatchedCap,
		e.browse.HasMore(),
	)
	e.bus.Publish(bus.Event{Kind: bus.KindQueueUpdated})
}
