package handler

import (
	"net/http"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/session"

	"github.com/gin-gonic/gin"
)

type createSessionRequest struct {
	UserA    string          `json:"user_a_id"`
	UserB    string          `json:"user_b_id"`
	FiltersA models.Filters  `json:"filter_a"`
	FiltersB models.Filters  `json:"filter_b"`
	Kind     models.CallKind `json:"kind"`
}

// CreateSession commits a pair chosen outside the worker.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if !h.bind(c, &req) {
		return
	}
	sess, err := h.Sessions.CreateSession(c.Request.Context(), session.CreateRequest{
		UserA:    req.UserA,
		UserB:    req.UserB,
		FiltersA: req.FiltersA,
		FiltersB: req.FiltersB,
		Kind:     req.Kind,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.Sessions.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// UserSession returns the user's active session and partner. A user who is
// not in a session gets active=false.
func (h *Handler) UserSession(c *gin.Context) {
	userID := c.Param("user_id")
	sess, err := h.Sessions.ActiveSession(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	partner, _ := sess.PartnerOf(userID)
	c.JSON(http.StatusOK, gin.H{"active": true, "partner_id": partner, "session": sess})
}

type endSessionRequest struct {
	// UserID is the participant who ended the session; empty for operators.
	UserID string `json:"user_id"`
}

// EndSession closes the session. Repeated calls return the stored result with
// ended=false.
func (h *Handler) EndSession(c *gin.Context) {
	var req endSessionRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if req.UserID != "" {
		sess, err := h.Sessions.GetSession(ctx, sessionID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if _, ok := sess.SideOf(req.UserID); !ok {
			h.writeError(c, apperr.Authorization("user %s is not part of session %s", req.UserID, sessionID))
			return
		}
	}

	res, err := h.Sessions.EndSession(ctx, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Ended {
		if res.Session.CallRoomID != "" && h.Relay != nil {
			if err := h.Relay.DeleteRoom(ctx, res.Session.CallRoomID); err != nil {
				h.log.WithError(err).WithField("room_id", res.Session.CallRoomID).Warn("close call room failed")
			}
		}
		if h.Notifier != nil {
			if err := h.Notifier.NotifyEnded(ctx, res.Session, req.UserID); err != nil {
				h.log.WithError(err).WithField("session_id", sessionID).Warn("notify session end failed")
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"ended":           res.Ended,
		"message_count_a": res.CountA,
		"message_count_b": res.CountB,
		"session":         res.Session,
	})
}

type recordMessageRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Ref    string `json:"ref"`
}

func (h *Handler) RecordMessage(c *gin.Context) {
	var req recordMessageRequest
	if !h.bind(c, &req) {
		return
	}
	n, err := h.Sessions.RecordMessage(c.Request.Context(), c.Param("session_id"), req.UserID, req.Ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// userQuery reads the required user_id query parameter.
func (h *Handler) userQuery(c *gin.Context) (string, bool) {
	userID := c.Query("user_id")
	if userID == "" {
		h.writeError(c, apperr.Validation("user_id query parameter is required"))
		return "", false
	}
	return userID, true
}

func (h *Handler) MessageRefs(c *gin.Context) {
	userID, ok := h.userQuery(c)
	if !ok {
		return
	}
	refs, err := h.Sessions.MessageRefs(c.Request.Context(), c.Param("session_id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refs": refs})
}

func (h *Handler) ClearMessageRefs(c *gin.Context) {
	userID, ok := h.userQuery(c)
	if !ok {
		return
	}
	if err := h.Sessions.ClearMessageRefs(c.Request.Context(), c.Param("session_id"), userID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PreferredFilter(c *gin.Context) {
	userID, ok := h.userQuery(c)
	if !ok {
		return
	}
	f, err := h.Sessions.GetPreferredFilter(c.Request.Context(), c.Param("session_id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

type flagsRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	CostCharged bool   `json:"cost_charged"`
	Privacy     *bool  `json:"privacy"`
}

// UpdateFlags sets the per-participant session flags. cost_charged can only be
// raised; privacy is set when present.
func (h *Handler) UpdateFlags(c *gin.Context) {
	var req flagsRequest
	if !h.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if req.CostCharged {
		if err := h.Sessions.MarkCostCharged(ctx, sessionID, req.UserID); err != nil {
			h.writeError(c, err)
			return
		}
	}
	if req.Privacy != nil {
		if err := h.Sessions.SetPrivacyMode(ctx, sessionID, req.UserID, *req.Privacy); err != nil {
			h.writeError(c, err)
			return
		}
	}
	sess, err := h.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
