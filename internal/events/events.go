// Package events publishes session lifecycle events for downstream consumers
// (billing, analytics). Publishing is best effort: callers log failures and
// never roll back a session because an event could not be sent.
package events

import (
	"context"
	"pairchat/backend/internal/models"
	"time"
)

type Type string

const (
	SessionCreated Type = "session.created"
	SessionEnded   Type = "session.ended"
)

// Event is the wire payload. Counts are only set on SessionEnded.
type Event struct {
	Type       Type            `json:"type"`
	SessionID  string          `json:"session_id"`
	UserAID    string          `json:"user_a_id"`
	UserBID    string          `json:"user_b_id"`
	Kind       models.CallKind `json:"call_type"`
	At         time.Time       `json:"at"`
	CountA     int             `json:"message_count_a,omitempty"`
	CountB     int             `json:"message_count_b,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Created builds the event emitted right after a session is persisted.
func Created(s *models.Session) Event {
	return Event{
		Type:      SessionCreated,
		SessionID: s.ID,
		UserAID:   s.UserAID,
		UserBID:   s.UserBID,
		Kind:      s.Kind,
		At:        s.CreatedAt,
	}
}

// Ended builds the event emitted once a session is closed.
func Ended(s *models.Session, endedAt time.Time, countA, countB int) Event {
	return Event{
		Type:       SessionEnded,
		SessionID:  s.ID,
		UserAID:    s.UserAID,
		UserBID:    s.UserBID,
		Kind:       s.Kind,
		At:         endedAt,
		CountA:     countA,
		CountB:     countB,
		DurationMS: endedAt.Sub(s.CreatedAt).Milliseconds(),
	}
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
