package signaling

import (
	"context"
	"errors"
	"pairchat/backend/internal/models"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type outbound struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// WSConn adapts a gorilla websocket to Conn. All writes go through one pump
// goroutine; a close frame is written after messages already queued.
type WSConn struct {
	conn    *websocket.Conn
	send    chan outbound
	closing chan struct{}
	once    sync.Once
}

// NewWSConn wraps c and starts its write pump.
func NewWSConn(c *websocket.Conn, buffer int) *WSConn {
	if buffer <= 0 {
		buffer = 64
	}
	w := &WSConn{
		conn:    c,
		send:    make(chan outbound, buffer),
		closing: make(chan struct{}),
	}
	go w.writePump()
	return w
}

func (w *WSConn) Send(data []byte) bool {
	select {
	case <-w.closing:
		return false
	default:
	}
	select {
	case w.send <- outbound{data: data}:
		return true
	default:
		return false
	}
}

func (w *WSConn) Close(code int, reason string) {
	w.once.Do(func() {
		select {
		case w.send <- outbound{close: true, code: code, reason: reason}:
		default:
			// Buffer full; drop the backlog and cut the connection.
			_ = w.conn.Close()
		}
		close(w.closing)
	})
}

func (w *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case out := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if out.close {
				_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(out.code, out.reason))
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve reads messages from the participant until the connection drops, then
// runs the disconnect path. It blocks for the lifetime of the connection.
func (r *RelayService) Serve(ctx context.Context, p *Peer, w *WSConn) {
	logger := r.log.WithFields(logrus.Fields{"room_id": p.RoomID, "user_id": p.UserID})
	defer func() {
		r.Disconnect(context.WithoutCancel(ctx), p)
		w.Close(websocket.CloseNormalClosure, "")
	}()

	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.WithError(err).Warn("read failed")
			}
			return
		}
		msg, err := models.ParseSignal(data)
		if err != nil {
			logger.WithError(err).Debug("ignoring malformed signal")
			continue
		}
		err = r.Relay(ctx, p.RoomID, p.UserID, msg)
		if errors.Is(err, ErrRoomEnded) {
			code, reason := CloseFor(err)
			w.Close(code, reason)
			return
		}
		if err != nil {
			logger.WithError(err).WithField("type", msg.Type).Warn("relay failed")
			continue
		}
		if msg.Type == models.SignalCallEnded {
			return
		}
	}
}
