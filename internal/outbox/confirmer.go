package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/relayfield/outreach/internal/bus"
	"github.com/relayfield/outreach/internal/crm"
	"go.uber.org/zap"
)

// SentPoster is the backend acknowledgement surface.
type SentPoster interface {
	MarkSent(ctx context.Context, messageID, contactID string) error
}

// Confirmer drains unconfirmed sent records against the backend. It runs on
// a ticker and can be kicked immediately (after a mark-sent or a successful
// load). Transient confirmation failures mark the record FAILED and leave
// it for the next pass; a permission denial parks the record instead, since
// repeating the call cannot succeed until credentials change. A kick
// releases parked records: the engine kicks after a successful load, which
// proves the credentials work again. Nothing is ever rolled back.
type Confirmer struct {
	log      *Log
	poster   SentPoster
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	kick     chan struct{}
	cancel   context.CancelFunc

	mu     sync.Mutex
	parked map[string]struct{} // "message/contact" pairs denied by the backend
}

// NewConfirmer creates a confirmer.
func NewConfirmer(log *Log, poster SentPoster, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Confirmer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Confirmer{
		log:      log,
		poster:   poster,
		bus:      b,
		logger:   logger,
		interval: interval,
		kick:     make(chan struct{}, 1),
		parked:   make(map[string]struct{}),
	}
}

// Start begins the background confirmation loop.
func (c *Confirmer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
}

// Stop stops the loop.
func (c *Confirmer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Kick requests an immediate pass without waiting for the ticker.
func (c *Confirmer) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Confirmer) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunOnce(ctx)
		case <-c.kick:
			c.releaseParked()
			c.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce attempts to confirm every unconfirmed record, skipping parked
// ones. Safe to call from the load path as well as the loop.
func (c *Confirmer) RunOnce(ctx context.Context) {
	for _, rec := range c.log.Unconfirmed() {
		key := rec.MessageID + "/" + rec.ContactID
		if c.isParked(key) {
			continue
		}
		err := c.poster.MarkSent(ctx, rec.MessageID, rec.ContactID)
		if err != nil {
			if crm.IsPermission(err) {
				c.park(key)
			}
			if c.logger != nil {
				c.logger.Error("sent confirmation failed",
					zap.String("message_id", rec.MessageID),
					zap.String("contact_id", rec.ContactID),
					zap.Error(err))
			}
			_ = c.log.MarkFailed(rec.MessageID, rec.ContactID, err.Error())
			if c.bus != nil {
				c.bus.Publish(bus.Event{
					Kind: bus.KindSentFailed,
					Payload: map[string]string{
						"message_id": rec.MessageID,
						"contact_id": rec.ContactID,
						"error":      err.Error(),
					},
				})
			}
			continue
		}

		_ = c.log.MarkConfirmed(rec.MessageID, rec.ContactID)
		if c.logger != nil {
			c.logger.Info("sent confirmed",
				zap.String("message_id", rec.MessageID),
				zap.String("contact_id", rec.ContactID))
		}
		if c.bus != nil {
			c.bus.Publish(bus.Event{
				Kind: bus.KindSentConfirmed,
				Payload: map[string]string{
					"message_id": rec.MessageID,
					"contact_id": rec.ContactID,
				},
			})
		}
	}
}

func (c *Confirmer) isParked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.parked[key]
	return ok
}

func (c *Confirmer) park(key string) {
	c.mu.Lock()
	c.parked[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Confirmer) releaseParked() {
	c.mu.Lock()
	c.parked = make(map[string]struct{})
	c.mu.Unlock()
}
