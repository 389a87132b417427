package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RoomStatus is the lifecycle state of a CallRoom: pending -> active -> ended.
type RoomStatus string

const (
	RoomPending RoomStatus = "pending"
	RoomActive  RoomStatus = "active"
	RoomEnded   RoomStatus = "ended"
)

// CallRoom is a signaling channel shared by exactly two authorized participants.
// The durable row is the record of the call; the live copy with its TTL and the
// connection registry are kept in Redis.
type CallRoom struct {
	ID        string     `gorm:"primaryKey;type:varchar(36)" json:"room_id"`
	SessionID string     `gorm:"type:varchar(36);index" json:"session_id"`
	UserAID   string     `gorm:"type:varchar(64);not null" json:"user_a_id"`
	UserBID   string     `gorm:"type:varchar(64);not null" json:"user_b_id"`
	Kind      CallKind   `gorm:"type:varchar(16);not null" json:"call_type"`
	Status    RoomStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Link      string     `gorm:"type:text" json:"link"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	ExpiresAt time.Time  `gorm:"not null;index" json:"expires_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (r *CallRoom) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// HasParticipant reports whether userID is one of the two authorized users.
func (r *CallRoom) HasParticipant(userID string) bool {
	return userID != "" && (userID == r.UserAID || userID == r.UserBID)
}

// PeerOf returns the other participant, or "" for a stranger.
func (r *CallRoom) PeerOf(userID string) string {
	switch userID {
	case r.UserAID:
		return r.UserBID
	case r.UserBID:
		return r.UserAID
	}
	return ""
}

func (r *CallRoom) Ended() bool { return r.Status == RoomEnded }

// CallInvite is what each participant needs to join a freshly issued room.
type CallInvite struct {
	RoomID string `json:"room_id"`
	Link   string `json:"link"`
	// Tokens maps participant id to that participant's signed token.
	Tokens map[string]string `json:"tokens"`
}
