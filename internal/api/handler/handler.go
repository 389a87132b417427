// Package handler exposes the matching core over HTTP: queue admission, the
// session API, the signaling control surface and the signaling websocket.
package handler

import (
	"context"
	"net/http"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/matching"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/queue"
	"pairchat/backend/internal/session"
	"pairchat/backend/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Matcher runs the immediate fast path for a freshly queued user.
type Matcher interface {
	TryImmediate(ctx context.Context, userID string) (*matching.Match, error)
}

// EndNotifier tells participants that their session was closed.
type EndNotifier interface {
	NotifyEnded(ctx context.Context, sess *models.Session, endedBy string) error
}

// Handler holds the services behind the HTTP surfaces.
type Handler struct {
	Queue    queue.Queue
	Matcher  Matcher
	Sessions *session.Coordinator
	Relay    *signaling.RelayService
	Notifier EndNotifier

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	log        logrus.FieldLogger
}

func NewHandler(q queue.Queue, m Matcher, sessions *session.Coordinator, relay *signaling.RelayService, log logrus.FieldLogger) *Handler {
	return &Handler{
		Queue:    q,
		Matcher:  m,
		Sessions: sessions,
		Relay:    relay,
		log:      log.WithField("component", "http"),
	}
}

// Register mounts every route on r. The /api group requires apiKey when it is
// not empty; the websocket authenticates with its room token instead.
func (h *Handler) Register(r gin.IRouter, apiKey string) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws/call/:room_id", h.ServeWebSocket)

	api := r.Group("/api", RequireAPIKey(apiKey))

	q := api.Group("/queue")
	q.POST("", h.Enqueue)
	q.GET("/stats", h.QueueStats)
	q.GET("/:user_id", h.QueueStatus)
	q.DELETE("/:user_id", h.Dequeue)

	api.GET("/users/:user_id/session", h.UserSession)

	s := api.Group("/sessions")
	s.POST("", h.CreateSession)
	s.GET("/:session_id", h.GetSession)
	s.POST("/:session_id/end", h.EndSession)
	s.POST("/:session_id/messages", h.RecordMessage)
	s.GET("/:session_id/messages", h.MessageRefs)
	s.DELETE("/:session_id/messages", h.ClearMessageRefs)
	s.GET("/:session_id/filter", h.PreferredFilter)
	s.PATCH("/:session_id/flags", h.UpdateFlags)

	rooms := api.Group("/rooms")
	rooms.POST("", h.CreateRoom)
	rooms.GET("/:room_id", h.RoomInfo)
	rooms.POST("/:room_id/tokens", h.IssueTokens)
	rooms.POST("/:room_id/verify", h.VerifyToken)
	rooms.DELETE("/:room_id", h.DeleteRoom)
}

// writeError maps err to its status code. Internal details of 5xx errors stay
// in the log.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// bind decodes the JSON body into dst and reports validation errors itself.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.writeError(c, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}
