// Package signaling issues call rooms and tokens and relays call-setup
// messages between the two participants of a room. Connections may live on
// different instances; presence is kept in Redis and cross-instance traffic
// goes over Redis pub/sub.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/storage"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrRoomEnded rejects any traffic for a room in its terminal state.
var ErrRoomEnded = fmt.Errorf("%w: room has ended", apperr.ErrConflict)

// Close reasons sent to clients whose connection is refused or torn down.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonNotFound     = "not_found"
	ReasonExpired      = "expired"
	ReasonCallEnded    = "call-ended"
	ReasonReplaced     = "replaced"
	ReasonInternal     = "internal_error"
)

// CloseFor maps a connect or relay failure to a close code and reason.
func CloseFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrRoomEnded):
		return websocket.ClosePolicyViolation, ReasonExpired
	case errors.Is(err, apperr.ErrNotFound):
		return websocket.ClosePolicyViolation, ReasonNotFound
	case errors.Is(err, apperr.ErrAuthorization), errors.Is(err, apperr.ErrValidation):
		return websocket.ClosePolicyViolation, ReasonUnauthorized
	}
	return websocket.CloseInternalServerErr, ReasonInternal
}

// Conn is the transport handle of one participant. Send never blocks; it
// reports false when the message could not be queued.
type Conn interface {
	Send(data []byte) bool
	Close(code int, reason string)
}

// Peer is a registered connection.
type Peer struct {
	RoomID string
	UserID string
	Claims *CallClaims

	handle uint64
	conn   Conn
}

type Config struct {
	RoomTTL    time.Duration
	CallDomain string
	InstanceID string
}

// RoomInfo is the control-surface view of a room.
type RoomInfo struct {
	*models.CallRoom
	Connected []string `json:"connected"`
}

type RelayService struct {
	store  storage.RoomStore
	tokens *TokenIssuer
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time

	mu      sync.RWMutex
	peers   map[string]map[string]*Peer
	handles atomic.Uint64
}

func NewRelayService(store storage.RoomStore, tokens *TokenIssuer, cfg Config, log logrus.FieldLogger) *RelayService {
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = time.Hour
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &RelayService{
		store:  store,
		tokens: tokens,
		cfg:    cfg,
		log:    log.WithField("component", "signaling"),
		now:    func() time.Time { return time.Now().UTC() },
		peers:  make(map[string]map[string]*Peer),
	}
}

// RoomLink is the shareable URL of a room.
func (r *RelayService) RoomLink(roomID string) string {
	return strings.TrimRight(r.cfg.CallDomain, "/") + "/call/" + roomID
}

// IssueRoom creates a pending room for the two participants.
func (r *RelayService) IssueRoom(ctx context.Context, userA, userB, sessionID string, kind models.CallKind) (*models.CallRoom, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, apperr.Validation("a room needs two distinct participants")
	}
	if !kind.NeedsSignaling() {
		return nil, apperr.Validation("call kind %q has no signaling", kind)
	}
	now := r.now()
	room := &models.CallRoom{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserAID:   userA,
		UserBID:   userB,
		Kind:      kind,
		Status:    models.RoomPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.RoomTTL),
	}
	room.Link = r.RoomLink(room.ID)
	if err := r.store.CreateRoom(ctx, room, r.cfg.RoomTTL); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"room_id": room.ID, "session_id": sessionID, "kind": kind}).Info("room issued")
	return room, nil
}

// IssueTokens mints one token per participant.
func (r *RelayService) IssueTokens(ctx context.Context, roomID string) (tokenA, tokenB string, err error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return "", "", err
	}
	if room.Ended() {
		return "", "", ErrRoomEnded
	}
	if tokenA, err = r.tokens.Issue(room, room.UserAID); err != nil {
		return "", "", err
	}
	if tokenB, err = r.tokens.Issue(room, room.UserBID); err != nil {
		return "", "", err
	}
	return tokenA, tokenB, nil
}

// IssueCall opens a room for a voice or video session and mints both tokens.
func (r *RelayService) IssueCall(ctx context.Context, sess *models.Session) (*models.CallInvite, error) {
	room, err := r.IssueRoom(ctx, sess.UserAID, sess.UserBID, sess.ID, sess.Kind)
	if err != nil {
		return nil, err
	}
	tokenA, tokenB, err := r.IssueTokens(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	return &models.CallInvite{
		RoomID: room.ID,
		Link:   room.Link,
		Tokens: map[string]string{room.UserAID: tokenA, room.UserBID: tokenB},
	}, nil
}

func (r *RelayService) authorize(ctx context.Context, roomID, token string) (*CallClaims, *models.CallRoom, error) {
	claims, err := r.tokens.Verify(token)
	if err != nil {
		return nil, nil, err
	}
	if claims.RoomID != roomID {
		return nil, nil, apperr.Authorization("token is for another room")
	}
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if !room.HasParticipant(claims.UserID) {
		return nil, nil, apperr.Authorization("user %s is not part of room %s", claims.UserID, roomID)
	}
	if room.Ended() {
		return nil, nil, ErrRoomEnded
	}
	return claims, room, nil
}

// VerifyToken returns the embedded claims when token admits its user to roomID.
func (r *RelayService) VerifyToken(ctx context.Context, roomID, token string) (*CallClaims, error) {
	claims, _, err := r.authorize(ctx, roomID, token)
	return claims, err
}

func (r *RelayService) RoomInfo(ctx context.Context, roomID string) (*RoomInfo, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	peers, err := r.store.Peers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	info := &RoomInfo{CallRoom: room, Connected: []string{}}
	for _, u := range []string{room.UserAID, room.UserBID} {
		if _, ok := peers[u]; ok {
			info.Connected = append(info.Connected, u)
		}
	}
	return info, nil
}

// Connect authenticates conn and registers it. On failure conn is closed with
// the matching reason and nothing is registered.
func (r *RelayService) Connect(ctx context.Context, roomID, token string, conn Conn) (*Peer, error) {
	peer, err := r.connect(ctx, roomID, token, conn)
	if err != nil {
		code, reason := CloseFor(err)
		conn.Close(code, reason)
		r.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "reason": reason}).Info("connection refused")
		return nil, err
	}
	return peer, nil
}

func (r *RelayService) connect(ctx context.Context, roomID, token string, conn Conn) (*Peer, error) {
	claims, room, err := r.authorize(ctx, roomID, token)
	if err != nil {
		return nil, err
	}
	peer := &Peer{
		RoomID: roomID,
		UserID: claims.UserID,
		Claims: claims,
		handle: r.handles.Add(1),
		conn:   conn,
	}

	r.mu.Lock()
	if r.peers[roomID] == nil {
		r.peers[roomID] = make(map[string]*Peer, 2)
	}
	previous := r.peers[roomID][peer.UserID]
	r.peers[roomID][peer.UserID] = peer
	r.mu.Unlock()
	if previous != nil {
		previous.conn.Close(websocket.CloseNormalClosure, ReasonReplaced)
	}

	if room.Status == models.RoomPending {
		ok, err := r.store.SetRoomStatus(ctx, roomID, models.RoomActive, r.now())
		if err == nil && !ok {
			err = ErrRoomEnded
		}
		if err != nil && !errors.Is(err, apperr.ErrTransient) {
			r.unregister(peer)
			return nil, err
		}
		if err != nil {
			r.log.WithError(err).WithField("room_id", roomID).Warn("persist room status failed")
		}
	}
	if err := r.store.AddPeer(ctx, roomID, peer.UserID, r.cfg.InstanceID, r.cfg.RoomTTL); err != nil {
		r.log.WithError(err).WithField("room_id", roomID).Warn("record presence failed")
	}

	other := room.PeerOf(peer.UserID)
	if r.deliver(ctx, roomID, other, models.NewNotice(models.SignalUserJoined, peer.UserID)) {
		// Let the newcomer know the other side is already there.
		r.sendLocal(roomID, peer.UserID, models.NewNotice(models.SignalUserJoined, other))
	}
	r.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": peer.UserID}).Info("peer connected")
	return peer, nil
}

// Relay forwards a client message verbatim to the other participant. A peer
// that is not connected anywhere simply misses it. A call-ended message is
// forwarded and then ends the room.
func (r *RelayService) Relay(ctx context.Context, roomID, senderID string, msg models.SignalMessage) error {
	if !msg.Type.FromClient() {
		return apperr.Validation("clients cannot send %q", msg.Type)
	}
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Ended() {
		return ErrRoomEnded
	}
	if !room.HasParticipant(senderID) {
		return apperr.Authorization("user %s is not part of room %s", senderID, roomID)
	}

	if msg.Type != models.SignalCallEnded {
		r.deliver(ctx, roomID, room.PeerOf(senderID), msg)
		return nil
	}

	ok, err := r.store.SetRoomStatus(ctx, roomID, models.RoomEnded, r.now())
	if err != nil {
		return err
	}
	if !ok {
		// Someone else ended it first.
		return ErrRoomEnded
	}
	r.deliver(ctx, roomID, room.PeerOf(senderID), msg)
	r.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": senderID}).Info("call ended")
	r.closeRoom(ctx, roomID, websocket.CloseNormalClosure, ReasonCallEnded)
	return nil
}

// Disconnect deregisters p and tells the remaining participant. It is safe to
// call more than once and after the connection was replaced.
func (r *RelayService) Disconnect(ctx context.Context, p *Peer) {
	if !r.unregister(p) {
		return
	}
	logger := r.log.WithFields(logrus.Fields{"room_id": p.RoomID, "user_id": p.UserID})
	if err := r.store.RemovePeer(ctx, p.RoomID, p.UserID, r.cfg.InstanceID); err != nil {
		logger.WithError(err).Warn("clear presence failed")
	}

	room, err := r.store.GetRoom(ctx, p.RoomID)
	if err != nil {
		logger.WithError(err).Debug("room gone, skipping user-left notice")
		return
	}
	if other := room.PeerOf(p.UserID); other != "" && !room.Ended() {
		r.deliver(ctx, p.RoomID, other, models.NewNotice(models.SignalUserLeft, p.UserID))
	}
	logger.Info("peer disconnected")
}

// DeleteRoom ends the room and closes every connection to it.
func (r *RelayService) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := r.store.SetRoomStatus(ctx, roomID, models.RoomEnded, r.now()); err != nil {
		return err
	}
	r.closeRoom(ctx, roomID, websocket.CloseNormalClosure, ReasonNotFound)
	r.log.WithField("room_id", roomID).Info("room deleted")
	return nil
}

// ExpireRooms ends rooms past their TTL and closes their connections.
func (r *RelayService) ExpireRooms(ctx context.Context) (int, error) {
	ids, err := r.store.ExpireRooms(ctx, r.now())
	if err != nil {
		return 0, err
	}
	now := r.now()
	for _, id := range ids {
		if _, err := r.store.SetRoomStatus(ctx, id, models.RoomEnded, now); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			r.log.WithError(err).WithField("room_id", id).Warn("end live room failed")
		}
		r.closeRoom(ctx, id, websocket.ClosePolicyViolation, ReasonExpired)
	}
	return len(ids), nil
}

func (r *RelayService) unregister(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.peers[p.RoomID]
	if cur, ok := room[p.UserID]; !ok || cur.handle != p.handle {
		return false
	}
	delete(room, p.UserID)
	if len(room) == 0 {
		delete(r.peers, p.RoomID)
	}
	return true
}

func (r *RelayService) localPeer(roomID, userID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[roomID][userID]
}

func (r *RelayService) sendLocal(roomID, userID string, msg models.SignalMessage) bool {
	p := r.localPeer(roomID, userID)
	if p == nil {
		return false
	}
	data, err := msg.Bytes()
	if err != nil {
		r.log.WithError(err).Warn("encode signal failed")
		return false
	}
	if !p.conn.Send(data) {
		r.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}).Warn("send buffer full, message dropped")
		return false
	}
	return true
}

// deliver hands msg to userID wherever they are connected. It reports whether
// the message left this instance towards a live connection.
func (r *RelayService) deliver(ctx context.Context, roomID, userID string, msg models.SignalMessage) bool {
	if userID == "" {
		return false
	}
	if r.localPeer(roomID, userID) != nil {
		return r.sendLocal(roomID, userID, msg)
	}
	peers, err := r.store.Peers(ctx, roomID)
	if err != nil {
		r.log.WithError(err).WithField("room_id", roomID).Warn("read presence failed, message dropped")
		return false
	}
	instance, ok := peers[userID]
	if !ok || instance == r.cfg.InstanceID {
		return false
	}
	data, err := msg.Bytes()
	if err != nil {
		return false
	}
	return r.publish(ctx, envelope{Kind: envelopeSignal, Instance: instance, RoomID: roomID, UserID: userID, Payload: data})
}

// closeRoom closes local connections of the room and asks other instances to
// do the same.
func (r *RelayService) closeRoom(ctx context.Context, roomID string, code int, reason string) {
	r.closeLocal(ctx, roomID, code, reason)
	r.publish(ctx, envelope{Kind: envelopeClose, RoomID: roomID, Code: code, Reason: reason})
}

func (r *RelayService) closeLocal(ctx context.Context, roomID string, code int, reason string) {
	r.mu.Lock()
	peers := r.peers[roomID]
	delete(r.peers, roomID)
	r.mu.Unlock()
	for _, p := range peers {
		p.conn.Close(code, reason)
		if err := r.store.RemovePeer(ctx, roomID, p.UserID, r.cfg.InstanceID); err != nil {
			r.log.WithError(err).WithField("room_id", roomID).Warn("clear presence failed")
		}
	}
}
