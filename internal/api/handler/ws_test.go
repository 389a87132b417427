package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/signaling"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialCall(t *testing.T, srv *httptest.Server, roomID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/call/" + roomID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readSignal(t *testing.T, conn *websocket.Conn) (models.SignalMessage, []byte) {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg models.SignalMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg, data
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func TestServeWebSocket_RelaysBetweenParticipants(t *testing.T) {
	e := newAPIEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx := context.Background()
	room, err := e.h.Relay.IssueRoom(ctx, "201", "202", "s1", models.KindVideo)
	require.NoError(t, err)
	tokenA, tokenB, err := e.h.Relay.IssueTokens(ctx, room.ID)
	require.NoError(t, err)

	a := dialCall(t, srv, room.ID, tokenA)
	require.Eventually(t, func() bool {
		info, err := e.h.Relay.RoomInfo(ctx, room.ID)
		return err == nil && len(info.Connected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b := dialCall(t, srv, room.ID, tokenB)

	joined, _ := readSignal(t, a)
	assert.Equal(t, models.SignalUserJoined, joined.Type)
	assert.Equal(t, "202", joined.UserID)
	joined, _ = readSignal(t, b)
	assert.Equal(t, models.SignalUserJoined, joined.Type)
	assert.Equal(t, "201", joined.UserID)

	offer := `{"type":"offer","sdp":"v=0 o=- 1 2 IN IP4 127.0.0.1"}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(offer)))
	_, raw := readSignal(t, b)
	assert.JSONEq(t, offer, string(raw))

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"call-ended"}`)))
	ended, _ := readSignal(t, b)
	assert.Equal(t, models.SignalCallEnded, ended.Type)
	ce := readClose(t, b)
	assert.Equal(t, signaling.ReasonCallEnded, ce.Text)

	info, err := e.h.Relay.RoomInfo(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomEnded, info.Status)
}

func TestServeWebSocket_RefusedWithReason(t *testing.T) {
	e := newAPIEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx := context.Background()
	room, err := e.h.Relay.IssueRoom(ctx, "201", "202", "s1", models.KindVoice)
	require.NoError(t, err)
	other, err := e.h.Relay.IssueRoom(ctx, "301", "302", "s2", models.KindVoice)
	require.NoError(t, err)
	otherToken, _, err := e.h.Relay.IssueTokens(ctx, other.ID)
	require.NoError(t, err)
	deleted, err := e.h.Relay.IssueRoom(ctx, "401", "402", "s3", models.KindVoice)
	require.NoError(t, err)
	deletedToken, _, err := e.h.Relay.IssueTokens(ctx, deleted.ID)
	require.NoError(t, err)
	require.NoError(t, e.h.Relay.DeleteRoom(ctx, deleted.ID))

	tests := []struct {
		name   string
		roomID string
		token  string
		reason string
	}{
		{"garbage token", room.ID, "not-a-token", signaling.ReasonUnauthorized},
		{"token for another room", room.ID, otherToken, signaling.ReasonUnauthorized},
		{"deleted room", deleted.ID, deletedToken, signaling.ReasonExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialCall(t, srv, tt.roomID, tt.token)
			ce := readClose(t, conn)
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.Equal(t, tt.reason, ce.Text)
		})
	}
}
