package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/relayfield/outreach/internal/crm"
	"github.com/relayfield/outreach/internal/queue"
	"go.uber.org/zap"
)

// Handler exposes the reconciliation engine over the daemon's local HTTP
// API, consumed by outreachctl.
type Handler struct {
	engine *queue.Engine
	logger *zap.Logger
}

func NewHandler(engine *queue.Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Register mounts the /v1 routes.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.GET("/status", h.Status)
	v1.GET("/queue", h.Queue)
	v1.POST("/queue/refresh", h.Refresh)
	v1.POST("/queue/contacts/load-more", h.LoadMore)
	v1.POST("/messages/:messageID/contacts/:contactID/sent", h.MarkSent)
	v1.POST("/contacts/:contactID/skip", h.Skip)
	v1.DELETE("/contacts/:contactID/skip", h.Unskip)
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.engine.State()})
}

func (h *Handler) Queue(c *gin.Context) {
	snap := h.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":    h.engine.State(),
		"snapshot": snap,
	})
}

// Refresh re-fetches every backend stream. When a fetch fails but an older
// snapshot exists, that snapshot keeps serving and the response says so
// instead of failing the request.
func (h *Handler) Refresh(c *gin.Context) {
	if err := h.engine.Refresh(c.Request.Context()); err != nil {
		if snap := h.engine.Snapshot(); snap != nil {
			c.JSON(http.StatusOK, gin.H{
				"state":    h.engine.State(),
				"snapshot": snap,
				"stale":    true,
				"error":    err.Error(),
			})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":    h.engine.State(),
		"snapshot": h.engine.Snapshot(),
	})
}

func (h *Handler) LoadMore(c *gin.Context) {
	if err := h.engine.LoadMoreContacts(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	snap := h.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"browse":          snap.Browse,
		"browse_has_more": snap.BrowseHasMore,
	})
}

// MarkSent records the send and returns the rendered message body for the
// device hand-off. The record applies even when persistence degrades; the
// response carries a warning in that case rather than an error status.
func (h *Handler) MarkSent(c *gin.Context) {
	messageID := c.Param("messageID")
	contactID := c.Param("contactID")

	body, err := h.engine.RenderBody(messageID, contactID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.engine.MarkSent(messageID, contactID)
	resp := gin.H{
		"record": gin.H{
			"message_id": rec.MessageID,
			"contact_id": rec.ContactID,
			"sync_state": rec.SyncState,
			"sent_at":    rec.SentAt,
		},
		"body": body,
	}
	if err != nil {
		resp["warning"] = "recorded in memory only: " + err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Skip(c *gin.Context) {
	contactID := c.Param("contactID")
	if err := h.engine.Skip(c.Request.Context(), contactID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact_id": contactID, "skipped": true})
}

func (h *Handler) Unskip(c *gin.Context) {
	contactID := c.Param("contactID")
	if err := h.engine.Unskip(c.Request.Context(), contactID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact_id": contactID, "skipped": false})
}

// fail maps backend error classes onto response codes: permission failures
// tell the operator to re-issue credentials, transient ones that the
// backend is unreachable and the action can be retried.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case crm.IsPermission(err):
		status = http.StatusForbidden
	case crm.IsTransient(err):
		status = http.StatusBadGateway
	}
	h.logger.Warn("request failed",
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}
