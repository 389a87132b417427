package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is one active or ended one-on-one conversation between two users.
// The durable row is authoritative; Redis only holds a user -> session pointer.
type Session struct {
	// ID is the session UUID.
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	// UserAID and UserBID are the two participants, in match order.
	UserAID string   `gorm:"type:varchar(64);not null;index" json:"user_a_id"`
	UserBID string   `gorm:"type:varchar(64);not null;index" json:"user_b_id"`
	Kind    CallKind `gorm:"type:varchar(16);not null" json:"kind"`
	// IsActive is cleared exactly once, by SessionCoordinator.EndSession.
	IsActive  bool       `gorm:"not null;index" json:"is_active"`
	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// FilterA and FilterB are snapshots taken at creation and never updated.
	FilterA Filters `gorm:"type:text;serializer:json" json:"filter_a"`
	FilterB Filters `gorm:"type:text;serializer:json" json:"filter_b"`

	CostChargedA bool `gorm:"not null" json:"cost_charged_a"`
	CostChargedB bool `gorm:"not null" json:"cost_charged_b"`
	PrivacyA     bool `gorm:"not null" json:"privacy_a"`
	PrivacyB     bool `gorm:"not null" json:"privacy_b"`

	// MessageCountA/B are persisted when the session ends; live counts are in Redis.
	MessageCountA int `gorm:"not null" json:"message_count_a"`
	MessageCountB int `gorm:"not null" json:"message_count_b"`

	// CallRoomID and CallLink are set when a signaling room is issued for the session.
	CallRoomID string `gorm:"type:varchar(36)" json:"call_room_id,omitempty"`
	CallLink   string `gorm:"type:text" json:"call_link,omitempty"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (s *Session) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return
}

// Side identifies which participant column a user maps to.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// SideOf returns the participant side of userID.
func (s *Session) SideOf(userID string) (Side, bool) {
	switch userID {
	case s.UserAID:
		return SideA, true
	case s.UserBID:
		return SideB, true
	}
	return "", false
}

// PartnerOf returns the other participant.
func (s *Session) PartnerOf(userID string) (string, bool) {
	switch userID {
	case s.UserAID:
		return s.UserBID, true
	case s.UserBID:
		return s.UserAID, true
	}
	return "", false
}

// FilterFor returns the snapshot captured for userID at creation.
func (s *Session) FilterFor(userID string) (Filters, bool) {
	side, ok := s.SideOf(userID)
	if !ok {
		return Filters{}, false
	}
	if side == SideA {
		return s.FilterA, true
	}
	return s.FilterB, true
}

// CountFor returns the persisted message counter for userID.
func (s *Session) CountFor(userID string) int {
	side, _ := s.SideOf(userID)
	switch side {
	case SideA:
		return s.MessageCountA
	case SideB:
		return s.MessageCountB
	}
	return 0
}
