package handler

import (
	"net/http"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/signaling"

	"github.com/gin-gonic/gin"
)

type createRoomRequest struct {
	UserA     string          `json:"user_a_id"`
	UserB     string          `json:"user_b_id"`
	SessionID string          `json:"session_id"`
	Kind      models.CallKind `json:"call_type"`
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if !h.bind(c, &req) {
		return
	}
	room, err := h.Relay.IssueRoom(c.Request.Context(), req.UserA, req.UserB, req.SessionID, req.Kind)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room_id": room.ID, "link": room.Link, "expires_at": room.ExpiresAt})
}

func (h *Handler) IssueTokens(c *gin.Context) {
	roomID := c.Param("room_id")
	tokenA, tokenB, err := h.Relay.IssueTokens(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "token_a": tokenA, "token_b": tokenB})
}

func (h *Handler) RoomInfo(c *gin.Context) {
	info, err := h.Relay.RoomInfo(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type verifyRequest struct {
	Token string `json:"token" binding:"required"`
}

// VerifyToken answers whether the token admits its holder to the room. A
// refused token is a normal answer, not an error.
func (h *Handler) VerifyToken(c *gin.Context) {
	var req verifyRequest
	if !h.bind(c, &req) {
		return
	}
	claims, err := h.Relay.VerifyToken(c.Request.Context(), c.Param("room_id"), req.Token)
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.writeError(c, err)
		return
	}
	if err != nil {
		_, reason := signaling.CloseFor(err)
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "claims": claims})
}

func (h *Handler) DeleteRoom(c *gin.Context) {
	if err := h.Relay.DeleteRoom(c.Request.Context(), c.Param("room_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
