package handler

import (
	"net/http"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"

	"github.com/gin-gonic/gin"
)

type enqueueRequest struct {
	models.WaitingTicket
	// Immediate runs the fast path before leaving the ticket to the worker.
	Immediate bool `json:"immediate"`
}

type enqueueResponse struct {
	Waiting bool               `json:"waiting"`
	Session *models.Session    `json:"session,omitempty"`
	Call    *models.CallInvite `json:"call,omitempty"`
}

// Enqueue admits a user to the waiting queue. Users already in a session are
// refused.
func (h *Handler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if !h.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	active, err := h.Sessions.IsActive(ctx, req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if active {
		h.writeError(c, apperr.Conflict("user %s is already in a session", req.UserID))
		return
	}
	if err := h.Queue.Enqueue(ctx, req.WaitingTicket); err != nil {
		h.writeError(c, err)
		return
	}

	if req.Immediate && h.Matcher != nil {
		match, err := h.Matcher.TryImmediate(ctx, req.UserID)
		if err != nil {
			h.log.WithError(err).WithField("user_id", req.UserID).Warn("immediate match failed")
		}
		if match != nil {
			c.JSON(http.StatusOK, enqueueResponse{Session: match.Session, Call: match.Call})
			return
		}
	}
	c.JSON(http.StatusAccepted, enqueueResponse{Waiting: true})
}

func (h *Handler) Dequeue(c *gin.Context) {
	if err := h.Queue.Dequeue(c.Request.Context(), c.Param("user_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// QueueStatus reports whether the user is waiting, with the live ticket.
func (h *Handler) QueueStatus(c *gin.Context) {
	t, err := h.Queue.Ticket(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"waiting": t != nil, "ticket": t})
}

func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.Queue.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
